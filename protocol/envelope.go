// Package protocol implements the wire envelope exchanged over the agent
// channel: tagged JSON messages, the base64 body codec, the header-map
// codec, id minting, and clock/TTL arithmetic.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tag is the snake_case message discriminator carried in every envelope's
// "type" field.
type Tag string

const (
	TagPing                  Tag = "ping"
	TagPong                  Tag = "pong"
	TagReady                 Tag = "ready"
	TagConnectionEstablished Tag = "connection_established"
	TagHTTPRequest           Tag = "http_request"
	TagHTTPResponse          Tag = "http_response"
	TagError                 Tag = "error"
)

// ErrorCode enumerates the stable codes carried in an Error message.
type ErrorCode string

const (
	ErrCodeInvalidRequest         ErrorCode = "invalid_request"
	ErrCodeTimeout                ErrorCode = "timeout"
	ErrCodeLocalServiceUnavailable ErrorCode = "local_service_unavailable"
	ErrCodeInternalError          ErrorCode = "internal_error"
)

// ConnectionEstablished is the relay's reply to a forwarder's ready message.
type ConnectionEstablished struct {
	ChannelID string `json:"channel_id"`
	TunnelID  string `json:"tunnel_id"`
	PublicURL string `json:"public_url"`
}

// HTTPRequest carries a public request across the agent channel.
type HTTPRequest struct {
	RequestID   string              `json:"request_id"`
	Method      string              `json:"method"`
	URI         string              `json:"uri"`
	Headers     map[string][]string `json:"headers"`
	Body        string              `json:"body"`
	TimestampMS int64               `json:"timestamp_ms"`
}

// HTTPResponse carries the forwarder's reply back to the relay.
type HTTPResponse struct {
	RequestID        string              `json:"request_id"`
	StatusCode       int                 `json:"status_code"`
	Headers          map[string][]string `json:"headers"`
	Body             string              `json:"body"`
	ProcessingTimeMS int64               `json:"processing_time_ms"`
}

// ErrorMessage is the tagged error envelope payload.
type ErrorMessage struct {
	RequestID string    `json:"request_id,omitempty"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
}

// Envelope is the decoded, tag-dispatched form of a wire message. At most
// one of the typed fields is populated, selected by Tag; ping, pong and
// ready carry no payload and populate none.
type Envelope struct {
	Tag                    Tag
	ConnectionEstablished  *ConnectionEstablished
	HTTPRequest            *HTTPRequest
	HTTPResponse           *HTTPResponse
	Error                  *ErrorMessage
}

// ErrDecode is returned (wrapped) for any malformed or unrecognized envelope.
// Decode never panics on untrusted input; every failure mode returns ErrDecode.
var ErrDecode = errors.New("invalid message")

type wireEnvelope struct {
	Type Tag             `json:"type"`
	Rest json.RawMessage `json:"-"`
}

// Encode serializes an Envelope to its wire JSON form.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrDecode)
	}
	switch e.Tag {
	case TagPing, TagPong, TagReady:
		return json.Marshal(map[string]Tag{"type": e.Tag})
	case TagConnectionEstablished:
		if e.ConnectionEstablished == nil {
			return nil, fmt.Errorf("%w: missing connection_established payload", ErrDecode)
		}
		return encodeTagged(e.Tag, e.ConnectionEstablished)
	case TagHTTPRequest:
		if e.HTTPRequest == nil {
			return nil, fmt.Errorf("%w: missing http_request payload", ErrDecode)
		}
		return encodeTagged(e.Tag, e.HTTPRequest)
	case TagHTTPResponse:
		if e.HTTPResponse == nil {
			return nil, fmt.Errorf("%w: missing http_response payload", ErrDecode)
		}
		return encodeTagged(e.Tag, e.HTTPResponse)
	case TagError:
		if e.Error == nil {
			return nil, fmt.Errorf("%w: missing error payload", ErrDecode)
		}
		return encodeTagged(e.Tag, e.Error)
	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrDecode, e.Tag)
	}
}

// encodeTagged merges {"type": tag} with the marshaled payload's own fields.
func encodeTagged(tag Tag, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", tag))
	return json.Marshal(fields)
}

// Decode parses a wire JSON message into an Envelope. Unknown or malformed
// tags fail with a structured error wrapping ErrDecode; Decode never panics.
func Decode(raw []byte) (*Envelope, error) {
	var head struct {
		Type Tag `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	switch head.Type {
	case TagPing, TagPong, TagReady:
		return &Envelope{Tag: head.Type}, nil
	case TagConnectionEstablished:
		var p ConnectionEstablished
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return &Envelope{Tag: head.Type, ConnectionEstablished: &p}, nil
	case TagHTTPRequest:
		var p HTTPRequest
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return &Envelope{Tag: head.Type, HTTPRequest: &p}, nil
	case TagHTTPResponse:
		var p HTTPResponse
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return &Envelope{Tag: head.Type, HTTPResponse: &p}, nil
	case TagError:
		var p ErrorMessage
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return &Envelope{Tag: head.Type, Error: &p}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrDecode, head.Type)
	}
}
