// internal/protocol/envelope.go
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Envelope member names as they appear on the wire.
const (
	KeyID         = "Id"
	KeyCommand    = "Command"
	KeyData       = "Data"
	KeyToken      = "Token"
	KeyChecksum   = "Checksum"
	KeyStatusCode = "StatusCode"
	KeyStatus     = "Status"
	KeyUpdate     = "Update"
)

// UnknownID is echoed when a request is too malformed to recover its id.
const UnknownID int64 = -1

// ErrChecksum reports a checksum mismatch on an otherwise well-formed envelope.
var ErrChecksum = errors.New("invalid checksum")

// ProtocolError is a recoverable decode failure. ID is the best-known request id
// (UnknownID if none could be read) so the caller can still answer with a 400.
type ProtocolError struct {
	ID  int64
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error (id %d): %s: %v", e.ID, e.Msg, e.Err)
	}
	return fmt.Sprintf("protocol error (id %d): %s", e.ID, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Request is a decoded client request. Data is the canonical JSON of the data object.
type Request struct {
	ID      int64
	Command string
	Data    json.RawMessage
	Token   string
}

// Bind unmarshals the request data into v.
func (r *Request) Bind(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Response is a reply correlated to a request id.
type Response struct {
	ID         int64
	StatusCode int
	Status     string
	Data       json.RawMessage
}

// Push is an unsolicited server notification.
type Push struct {
	Update string
	Data   json.RawMessage
}

// EncodeRequest builds a checksummed request. Token is omitted when empty.
func EncodeRequest(id int64, command string, data any, token string) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	fields := map[string]any{
		KeyID:      id,
		KeyCommand: command,
		KeyData:    data,
	}
	if token != "" {
		fields[KeyToken] = token
	}
	return seal(fields)
}

// EncodeResponse builds a checksummed response; the status text is derived from code.
func EncodeResponse(id int64, code int, data any) ([]byte, error) {
	fields := map[string]any{
		KeyID:         id,
		KeyStatusCode: code,
		KeyStatus:     http.StatusText(code),
	}
	if data != nil {
		fields[KeyData] = data
	}
	return seal(fields)
}

// EncodePush builds a checksummed push notification.
func EncodePush(update string, data any) ([]byte, error) {
	fields := map[string]any{KeyUpdate: update}
	if data != nil {
		fields[KeyData] = data
	}
	return seal(fields)
}

// DecodeRequest parses and validates an inbound request. Attribute presence is
// checked in order (id, command, data, checksum) and each failure carries the best
// id known at that point. The checksum is verified last.
func DecodeRequest(b []byte) (*Request, error) {
	v, err := parse(b)
	if err != nil {
		return nil, &ProtocolError{ID: UnknownID, Msg: "Malformed Request", Err: err}
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, &ProtocolError{ID: UnknownID, Msg: "Malformed Request"}
	}

	idKey, ok := lookup(fields, KeyID)
	if !ok {
		return nil, &ProtocolError{ID: UnknownID, Msg: "Missing Id Attribute"}
	}
	id, err := asInt(fields[idKey])
	if err != nil {
		return nil, &ProtocolError{ID: UnknownID, Msg: "Invalid Id Attribute", Err: err}
	}

	cmdKey, ok := lookup(fields, KeyCommand)
	if !ok {
		return nil, &ProtocolError{ID: id, Msg: "Missing Command Attribute"}
	}
	command, ok := fields[cmdKey].(string)
	if !ok {
		return nil, &ProtocolError{ID: id, Msg: "Invalid Command Attribute"}
	}

	dataKey, ok := lookup(fields, KeyData)
	if !ok {
		return nil, &ProtocolError{ID: id, Msg: "Missing Data Attribute"}
	}
	if _, ok := fields[dataKey].(map[string]any); !ok {
		return nil, &ProtocolError{ID: id, Msg: "Invalid Data Attribute"}
	}

	sumKey, ok := lookup(fields, KeyChecksum)
	if !ok {
		return nil, &ProtocolError{ID: id, Msg: "Missing Checksum Attribute"}
	}
	if !verify(fields, sumKey) {
		return nil, &ProtocolError{ID: id, Msg: "Invalid Checksum", Err: ErrChecksum}
	}

	data, err := canonical(fields[dataKey])
	if err != nil {
		return nil, &ProtocolError{ID: id, Msg: "Invalid Data Attribute", Err: err}
	}
	req := &Request{ID: id, Command: command, Data: data}
	if tokKey, ok := lookup(fields, KeyToken); ok {
		req.Token, _ = fields[tokKey].(string)
	}
	return req, nil
}

// DecodeServerMessage parses a frame sent by the server. Exactly one of the
// returned response or push is non-nil on success.
func DecodeServerMessage(b []byte) (*Response, *Push, error) {
	v, err := parse(b)
	if err != nil {
		return nil, nil, &ProtocolError{ID: UnknownID, Msg: "Malformed Message", Err: err}
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, nil, &ProtocolError{ID: UnknownID, Msg: "Malformed Message"}
	}
	sumKey, ok := lookup(fields, KeyChecksum)
	if !ok {
		return nil, nil, &ProtocolError{ID: UnknownID, Msg: "Missing Checksum Attribute"}
	}
	if !verify(fields, sumKey) {
		return nil, nil, &ProtocolError{ID: UnknownID, Msg: "Invalid Checksum", Err: ErrChecksum}
	}

	var data json.RawMessage
	if k, ok := lookup(fields, KeyData); ok {
		if data, err = canonical(fields[k]); err != nil {
			return nil, nil, &ProtocolError{ID: UnknownID, Msg: "Invalid Data Attribute", Err: err}
		}
	}

	if k, ok := lookup(fields, KeyUpdate); ok {
		update, _ := fields[k].(string)
		return nil, &Push{Update: update, Data: data}, nil
	}

	idKey, ok := lookup(fields, KeyID)
	if !ok {
		return nil, nil, &ProtocolError{ID: UnknownID, Msg: "Missing Id Attribute"}
	}
	id, err := asInt(fields[idKey])
	if err != nil {
		return nil, nil, &ProtocolError{ID: UnknownID, Msg: "Invalid Id Attribute", Err: err}
	}
	resp := &Response{ID: id, Data: data}
	if k, ok := lookup(fields, KeyStatusCode); ok {
		code, err := asInt(fields[k])
		if err != nil {
			return nil, nil, &ProtocolError{ID: id, Msg: "Invalid StatusCode Attribute", Err: err}
		}
		resp.StatusCode = int(code)
	}
	if k, ok := lookup(fields, KeyStatus); ok {
		resp.Status, _ = fields[k].(string)
	}
	return resp, nil, nil
}

func asInt(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("not a number: %v", v)
	}
	return n.Int64()
}
