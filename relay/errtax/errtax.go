// Package errtax is the error taxonomy shared by the relay and forwarder:
// a stable category, a structured error carrying it, and the HTTP status
// mapping the public boundary uses to respond safely.
package errtax

import (
	"errors"
	"fmt"
)

// Category is one of the stable error classes the relay distinguishes when
// deciding what (if anything) is safe to surface to a public client.
type Category string

const (
	CategoryValidation      Category = "validation"
	CategoryNotFound        Category = "not_found"
	CategoryAuth            Category = "auth"
	CategoryOversize        Category = "oversize"
	CategoryUpstreamTimeout Category = "upstream_timeout"
	CategoryTransport       Category = "transport"
	CategoryDecode          Category = "decode"
	CategoryInternal        Category = "internal"
)

// Op names the operation that failed, for logging context.
type Op string

const (
	OpValidatePath      Op = "validate_path"
	OpValidateTunnelID  Op = "validate_tunnel_id"
	OpValidateRequestID Op = "validate_request_id"
	OpValidateChannelID Op = "validate_channel_id"
	OpValidateHeaders   Op = "validate_headers"
	OpValidateBody      Op = "validate_body"
	OpAuth              Op = "auth"
	OpFindChannel       Op = "find_channel"
	OpPutPending        Op = "put_pending"
	OpSend              Op = "send"
	OpAwaitResponse     Op = "await_response"
	OpDecodeEnvelope    Op = "decode_envelope"
	OpRewrite           Op = "rewrite"
	OpStore             Op = "store"
	OpLocalDispatch     Op = "local_dispatch"
	OpReconnect         Op = "reconnect"
)

// Classified is a structured, category-tagged error. Error() includes the
// op, the category and the wrapped cause's text, whatever the category, so
// it is suitable for logging; text bound for a public response goes through
// PublicMessage instead of propagating Error() itself.
type Classified struct {
	Op       Op
	Category Category
	Err      error
}

func (e *Classified) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Category, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Op, e.Category)
}

func (e *Classified) Unwrap() error { return e.Err }

// Classify wraps err (which may be nil) with an Op and Category.
func Classify(op Op, category Category, err error) error {
	return &Classified{Op: op, Category: category, Err: err}
}

// HTTPStatus maps a Category to the response status the public boundary
// returns, per the relay's error handling design.
func HTTPStatus(c Category) int {
	switch c {
	case CategoryValidation:
		return 400
	case CategoryAuth:
		return 401
	case CategoryNotFound:
		return 404
	case CategoryOversize:
		return 413
	case CategoryUpstreamTimeout:
		return 504
	case CategoryTransport:
		return 502
	default:
		return 500
	}
}

// CategoryOf extracts the Category from err if it (or something it wraps)
// is a *Classified; otherwise it returns CategoryInternal, the conservative
// default for an unclassified failure.
func CategoryOf(err error) Category {
	var c *Classified
	if errors.As(err, &c) {
		return c.Category
	}
	return CategoryInternal
}
