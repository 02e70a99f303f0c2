// internal/protocol/security.go
package protocol

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Transport security modes understood by NewSecurity.
const (
	ModePlain  = "plain"
	ModeRSAAES = "rsa-aes"
)

const (
	sessionKeySize = 32
	ackMessage     = "ACK"
)

// ErrHandshake wraps every failure during connection setup. The connection is
// expected to be closed by the caller, there is no retry.
var ErrHandshake = errors.New("handshake failed")

// Security sets up the framing of a freshly accepted connection. Whatever the
// mode, the rest of the server only ever sees the resulting Framer.
type Security interface {
	Name() string
	Handshake(rw io.ReadWriter) (Framer, error)
}

// NewSecurity returns the strategy for mode.
func NewSecurity(mode string, maxFrame int) (Security, error) {
	switch strings.ToLower(mode) {
	case "", ModePlain:
		return &Plain{MaxFrame: maxFrame}, nil
	case ModeRSAAES:
		return &RSAAES{MaxFrame: maxFrame}, nil
	default:
		return nil, fmt.Errorf("unknown transport security mode %q", mode)
	}
}

// Plain uses length-prefixed frames with no encryption.
type Plain struct {
	MaxFrame int
}

func (p *Plain) Name() string { return ModePlain }

func (p *Plain) Handshake(rw io.ReadWriter) (Framer, error) {
	return NewPlainFramer(rw, p.MaxFrame), nil
}

// RSAAES receives the client's RSA public key, delivers a random AES key and
// nonce encrypted with RSA-OAEP, then switches to AES-CTR sentinel framing.
type RSAAES struct {
	MaxFrame int
}

func (s *RSAAES) Name() string { return ModeRSAAES }

func (s *RSAAES) Handshake(rw io.ReadWriter) (Framer, error) {
	br := bufio.NewReader(rw)
	pf := newPlainFramer(br, rw, s.MaxFrame)

	raw, err := pf.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: read public key: %v", ErrHandshake, err)
	}
	pub, err := ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	key := make([]byte, sessionKeySize)
	nonce := make([]byte, aes.BlockSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrHandshake, err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrHandshake, err)
	}

	for _, secret := range [][]byte{key, nonce} {
		enc, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, secret, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: oaep encrypt: %v", ErrHandshake, err)
		}
		if err := pf.WriteFrame(enc); err != nil {
			return nil, fmt.Errorf("%w: send secret: %v", ErrHandshake, err)
		}
		if err := expectAck(pf); err != nil {
			return nil, err
		}
	}

	f, err := newCipherFramer(br, rw, key, nonce, serverIV(nonce), s.MaxFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return f, nil
}

// ClientHandshake performs the client half of the rsa-aes setup with priv.
func ClientHandshake(rw io.ReadWriter, priv *rsa.PrivateKey, maxFrame int) (Framer, error) {
	br := bufio.NewReader(rw)
	pf := newPlainFramer(br, rw, maxFrame)

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal public key: %v", ErrHandshake, err)
	}
	if err := pf.WriteFrame(der); err != nil {
		return nil, fmt.Errorf("%w: send public key: %v", ErrHandshake, err)
	}

	secrets := make([][]byte, 2)
	for i := range secrets {
		enc, err := pf.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("%w: read secret: %v", ErrHandshake, err)
		}
		secrets[i], err = rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, enc, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: oaep decrypt: %v", ErrHandshake, err)
		}
		if err := pf.WriteFrame([]byte(ackMessage)); err != nil {
			return nil, fmt.Errorf("%w: send ack: %v", ErrHandshake, err)
		}
	}
	key, nonce := secrets[0], secrets[1]
	if len(nonce) != aes.BlockSize {
		return nil, fmt.Errorf("%w: nonce has %d bytes", ErrHandshake, len(nonce))
	}

	f, err := newCipherFramer(br, rw, key, serverIV(nonce), nonce, maxFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return f, nil
}

// ParsePublicKey accepts a PKIX or PKCS#1 RSA public key, DER or PEM encoded.
func ParsePublicKey(raw []byte) (*rsa.PublicKey, error) {
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	if pub, err := x509.ParsePKIXPublicKey(raw); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return rsaPub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

func expectAck(f Framer) error {
	msg, err := f.ReadFrame()
	if err != nil {
		return fmt.Errorf("%w: read ack: %v", ErrHandshake, err)
	}
	if !bytes.Equal(bytes.TrimSpace(msg), []byte(ackMessage)) {
		return fmt.Errorf("%w: unexpected ack %q", ErrHandshake, msg)
	}
	return nil
}

// serverIV derives the server-to-client counter block so the two directions never
// share a keystream.
func serverIV(nonce []byte) []byte {
	iv := make([]byte, len(nonce))
	copy(iv, nonce)
	iv[0] ^= 0x80
	return iv
}
