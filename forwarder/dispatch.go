package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/relaymesh/relaymesh-go/protocol"
)

// Dispatcher issues an HTTPRequest against the local target and returns the
// matching HTTPResponse. A single buffered body is read per envelope; the
// spec's single-envelope model has no chunked/streaming body, unlike the
// multi-chunk local proxying some reverse-proxy designs use.
type Dispatcher struct {
	client      *http.Client
	localTarget string
}

// errInvalidMethod distinguishes a rejected method from an ordinary dispatch
// failure so the caller can report protocol.ErrCodeInvalidRequest instead of
// synthesizing a 502/local-dispatch-failed response.
var errInvalidMethod = errors.New("forwarder: method not allowed")

// allowedMethods is the set of HTTP methods the relay is permitted to
// forward to a local target; anything else fails validation before ever
// reaching the local service.
var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodPatch:   true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// NewDispatcher builds a Dispatcher against localTarget (e.g.
// "http://127.0.0.1:8080"), using timeout as the client's per-request
// budget.
func NewDispatcher(localTarget string, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		localTarget: localTarget,
	}
}

// Dispatch issues req against the local target and returns the response
// envelope to send back over the agent channel. It never returns an error
// for an ordinary HTTP failure from the local service — those are reported
// as a synthesized HTTPResponse; the returned error is reserved for cases
// the caller should instead report via a protocol Error message (a method
// outside the allowed set, an undecodable body, or a local target or request
// that cannot be built). A local response body longer than 16MiB is cut
// short at that size rather than reported as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.HTTPRequest) (*protocol.HTTPResponse, error) {
	if !allowedMethods[req.Method] {
		return nil, errInvalidMethod
	}

	body, err := protocol.DecodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("forwarder: decode request body: %w", err)
	}

	target, err := url.Parse(d.localTarget)
	if err != nil {
		return nil, fmt.Errorf("forwarder: invalid local target: %w", err)
	}
	target.Path = joinPath(target.Path, req.URI)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("forwarder: build local request: %w", err)
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return classifyDispatchError(req.RequestID, err, time.Since(start)), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return classifyDispatchError(req.RequestID, err, time.Since(start)), nil
	}

	return &protocol.HTTPResponse{
		RequestID:        req.RequestID,
		StatusCode:       resp.StatusCode,
		Headers:          headersToMap(resp.Header),
		Body:             protocol.EncodeBody(respBody),
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

// classifyDispatchError maps a local-request failure to a synthesized
// HTTPResponse, distinguishing a timeout from connection refused/reset from
// everything else, mirroring the corpus's errors.Is/*url.Error/*net.OpError
// classification style.
func classifyDispatchError(requestID string, err error, elapsed time.Duration) *protocol.HTTPResponse {
	status := http.StatusBadGateway
	message := "local service error"

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			status = http.StatusGatewayTimeout
			message = "local service timed out"
		} else {
			var opErr *net.OpError
			if errors.As(urlErr.Err, &opErr) {
				status = http.StatusBadGateway
				message = "local service unreachable"
			}
		}
	} else if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
		message = "local service timed out"
	}

	return &protocol.HTTPResponse{
		RequestID:        requestID,
		StatusCode:       status,
		Headers:          map[string][]string{"content-type": {"text/plain; charset=utf-8"}},
		Body:             protocol.EncodeBody([]byte(message)),
		ProcessingTimeMS: elapsed.Milliseconds(),
	}
}

func headersToMap(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[protocol.NormalizeHeaderName(k)] = v
	}
	return out
}

func joinPath(base, reqURI string) string {
	u, err := url.Parse(reqURI)
	path := reqURI
	rawQuery := ""
	if err == nil {
		path = u.Path
		rawQuery = u.RawQuery
	}
	joined := base
	if joined == "" {
		joined = "/"
	}
	if joined[len(joined)-1] == '/' && len(path) > 0 && path[0] == '/' {
		joined = joined[:len(joined)-1]
	}
	joined += path
	if rawQuery != "" {
		joined += "?" + rawQuery
	}
	return joined
}
