// internal/protocol/frame.go
package protocol

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrame caps a single decoded message.
const DefaultMaxFrame = 1 << 20

// sentinel terminates every encrypted frame.
const sentinel = '\n'

// ErrFrameTooLarge is returned when a peer announces or sends an oversized frame.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Framer reads and writes whole logical messages over a byte stream.
// Implementations are not safe for concurrent writers.
type Framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(p []byte) error
}

// plainFramer prefixes each message with its length as a 4-byte big-endian integer.
type plainFramer struct {
	r   *bufio.Reader
	w   io.Writer
	max int
}

// NewPlainFramer returns a length-prefixed framer over rw.
func NewPlainFramer(rw io.ReadWriter, max int) Framer {
	return newPlainFramer(bufio.NewReader(rw), rw, max)
}

func newPlainFramer(r *bufio.Reader, w io.Writer, max int) *plainFramer {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &plainFramer{r: r, w: w, max: max}
}

func (f *plainFramer) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > int64(f.max) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *plainFramer) WriteFrame(p []byte) error {
	if len(p) > f.max {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	buf := make([]byte, 4+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[4:], p)
	_, err := f.w.Write(buf)
	return err
}

// cipherFramer encrypts each message with a running AES-CTR keystream, encodes the
// ciphertext as base64 and terminates it with the sentinel byte.
type cipherFramer struct {
	r   *bufio.Reader
	w   io.Writer
	in  cipher.Stream
	out cipher.Stream
	max int
}

func newCipherFramer(r *bufio.Reader, w io.Writer, key, inIV, outIV []byte, max int) (*cipherFramer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &cipherFramer{
		r:   r,
		w:   w,
		in:  cipher.NewCTR(block, inIV),
		out: cipher.NewCTR(block, outIV),
		max: max,
	}, nil
}

func (f *cipherFramer) ReadFrame() ([]byte, error) {
	limit := base64.StdEncoding.EncodedLen(f.max) + 1
	var line []byte
	for {
		chunk, err := f.r.ReadSlice(sentinel)
		line = append(line, chunk...)
		if len(line) > limit {
			return nil, fmt.Errorf("%w: over %d encoded bytes", ErrFrameTooLarge, limit)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, err
	}
	line = line[:len(line)-1]

	ct := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(ct, line)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted frame: %w", err)
	}
	pt := make([]byte, n)
	f.in.XORKeyStream(pt, ct[:n])
	return pt, nil
}

func (f *cipherFramer) WriteFrame(p []byte) error {
	if len(p) > f.max {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	ct := make([]byte, len(p))
	f.out.XORKeyStream(ct, p)
	buf := make([]byte, base64.StdEncoding.EncodedLen(len(ct))+1)
	base64.StdEncoding.Encode(buf, ct)
	buf[len(buf)-1] = sentinel
	_, err := f.w.Write(buf)
	return err
}
