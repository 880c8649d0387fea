package aiproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is the wire-level response contract of every proxied operation.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const missingErrorMessage = "proxy reported failure without an error message"

// Err returns the envelope's failure as a *RemoteError, or nil when the
// envelope reports success. status is the HTTP status the envelope arrived with.
func (e *Envelope) Err(status int) error {
	if e.Success {
		return nil
	}
	msg := strings.TrimSpace(e.Error)
	if msg == "" {
		msg = missingErrorMessage
	}
	return &RemoteError{Message: msg, Status: status}
}

// Payload returns the data of a successful envelope. A successful envelope
// without data is an invalid response.
func (e *Envelope) Payload(status int) (json.RawMessage, error) {
	if err := e.Err(status); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(e.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: envelope reported success without data", ErrInvalidResponse)
	}
	return e.Data, nil
}

// DecodeEnvelope parses body as an Envelope.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", ErrInvalidResponse, err)
	}
	return &env, nil
}

// SuccessEnvelope builds a successful envelope around data.
func SuccessEnvelope(data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope data: %w", err)
	}
	return &Envelope{Success: true, Data: raw}, nil
}
