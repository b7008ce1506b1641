// Package relay implements the rendezvous dispatcher: the stateless core
// that turns the five/six event shapes (channel open/close, agent message,
// public request, scheduled tick, optional store change) into store and
// transport-sender operations, per spec.md §4.C.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh-go/observability"
	"github.com/relaymesh/relaymesh-go/protocol"
	"github.com/relaymesh/relaymesh-go/relay/auth"
	"github.com/relaymesh/relaymesh-go/relay/errtax"
	"github.com/relaymesh/relaymesh-go/relay/rewrite"
	"github.com/relaymesh/relaymesh-go/relay/validate"
	"github.com/relaymesh/relaymesh-go/relaylog"
	"github.com/relaymesh/relaymesh-go/store"
)

// Dispatcher is the relay's single logical entry point, consuming events
// from whichever source produced them (API Gateway route, scheduler tick,
// or a direct call from transport/wsgateway) and applying the store and
// sender operations those events require.
type Dispatcher struct {
	Store     store.Store
	Sender    ChannelSender
	Validator auth.TokenValidator
	Config    Config
	Logger    *zap.Logger
	Observer  observability.RelayObserver
}

// NewDispatcher validates cfg and returns a ready-to-use Dispatcher. A nil
// logger or observer is replaced with the package's no-op default.
func NewDispatcher(st store.Store, sender ChannelSender, validator auth.TokenValidator, cfg Config, logger *zap.Logger, obs observability.RelayObserver) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	if validator == nil {
		validator = auth.NoopValidator{}
	}
	if obs == nil {
		obs = observability.NoopRelayObserver
	}
	return &Dispatcher{
		Store:     st,
		Sender:    sender,
		Validator: validator,
		Config:    cfg,
		Logger:    relaylog.Or(logger),
		Observer:  obs,
	}, nil
}

// ChannelOpenOutput is the result of a successful ChannelOpen call. The
// gateway (transport/wsgateway) does not use it: when the forwarder sends
// ready, the connection_established reply is built from the stored channel
// record instead.
type ChannelOpenOutput struct {
	ChannelID string
	TunnelID  string
	PublicURL string
}

// ChannelOpen mints a tunnel id, derives its public URL, and registers the
// channel record. r supplies the bearer token (header or query fallback);
// pass nil to skip auth entirely (only valid when RequireAuth is false).
func (d *Dispatcher) ChannelOpen(ctx context.Context, channelID string, r *http.Request, info *store.ClientInfo) (ChannelOpenOutput, error) {
	if !validate.ChannelID(channelID) {
		d.Observer.ChannelOpen(observability.ChannelOpenResultAuthFail)
		return ChannelOpenOutput{}, errtax.Classify(errtax.OpValidateChannelID, errtax.CategoryValidation, fmt.Errorf("invalid channel id"))
	}

	if d.Config.RequireAuth {
		token, viaQuery, err := extractToken(r)
		if err != nil {
			d.Observer.ChannelOpen(observability.ChannelOpenResultAuthFail)
			return ChannelOpenOutput{}, errtax.Classify(errtax.OpAuth, errtax.CategoryAuth, err)
		}
		if viaQuery {
			d.Logger.Warn("channel_open authenticated via query fallback", zap.String("channel_id", channelID))
		}
		if err := d.Validator.Validate(ctx, token); err != nil {
			d.Observer.ChannelOpen(observability.ChannelOpenResultAuthFail)
			return ChannelOpenOutput{}, errtax.Classify(errtax.OpAuth, errtax.CategoryAuth, err)
		}
	}

	tunnelID, err := protocol.GenerateTunnelID()
	if err != nil {
		return ChannelOpenOutput{}, errtax.Classify(errtax.OpStore, errtax.CategoryInternal, err)
	}
	publicURL, mode := d.derivePublicURL(tunnelID)

	rec := store.ChannelRecord{
		ChannelID:   channelID,
		TunnelID:    tunnelID,
		PublicURL:   publicURL,
		RoutingMode: mode,
		CreatedAt:   protocol.NowSecs(),
		TTL:         protocol.TTL(int64(d.Config.ConnectionTTL / time.Second)),
		ClientInfo:  info,
	}
	if err := d.Store.PutChannel(ctx, rec); err != nil {
		return ChannelOpenOutput{}, errtax.Classify(errtax.OpStore, errtax.CategoryInternal, err)
	}

	d.Observer.ChannelOpen(observability.ChannelOpenResultOK)
	return ChannelOpenOutput{ChannelID: channelID, TunnelID: tunnelID, PublicURL: publicURL}, nil
}

func (d *Dispatcher) derivePublicURL(tunnelID string) (string, store.RoutingMode) {
	if d.Config.EnableSubdomainRouting {
		return fmt.Sprintf("https://%s.%s", tunnelID, d.Config.Domain), store.RoutingModeSubdomain
	}
	return fmt.Sprintf("https://%s/%s", d.Config.Domain, tunnelID), store.RoutingModePath
}

func extractToken(r *http.Request) (string, bool, error) {
	if r == nil {
		return "", false, auth.ErrMissingToken
	}
	return auth.ExtractToken(r)
}

// ChannelClose deletes the channel record. Per spec §4.C.3, a store error
// here is logged, never surfaced — the transport disconnect already
// happened and there is nothing left to roll back.
func (d *Dispatcher) ChannelClose(ctx context.Context, channelID string) error {
	if err := d.Store.DeleteChannel(ctx, channelID); err != nil {
		d.Logger.Warn("channel_close: delete_channel failed", zap.String("channel_id", channelID), zap.Error(err))
	}
	d.Observer.ChannelClose()
	return nil
}

// AgentMessage decodes a raw envelope received on channelID's agent
// connection and dispatches it by tag per spec §4.C.4.
func (d *Dispatcher) AgentMessage(ctx context.Context, channelID string, raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		d.Logger.Warn("agent_message: decode failed", zap.String("channel_id", channelID), zap.Error(err))
		return errtax.Classify(errtax.OpDecodeEnvelope, errtax.CategoryDecode, err)
	}

	switch env.Tag {
	case protocol.TagPing, protocol.TagPong:
		return nil
	case protocol.TagReady:
		return d.handleReady(ctx, channelID)
	case protocol.TagHTTPResponse:
		return d.handleHTTPResponse(ctx, env.HTTPResponse)
	case protocol.TagError:
		return d.handleAgentError(ctx, env.Error)
	default:
		d.Logger.Warn("agent_message: unexpected tag, dropping", zap.String("channel_id", channelID), zap.String("tag", string(env.Tag)))
		return nil
	}
}

func (d *Dispatcher) handleReady(ctx context.Context, channelID string) error {
	rec, err := d.Store.GetChannel(ctx, channelID)
	if err != nil {
		return errtax.Classify(errtax.OpFindChannel, errtax.CategoryNotFound, err)
	}
	env := &protocol.Envelope{
		Tag: protocol.TagConnectionEstablished,
		ConnectionEstablished: &protocol.ConnectionEstablished{
			ChannelID: rec.ChannelID,
			TunnelID:  rec.TunnelID,
			PublicURL: rec.PublicURL,
		},
	}

	delay := d.Config.ReadyRetryInitial
	var sendErr error
	for attempt := 1; attempt <= d.Config.ReadyRetryAttempts; attempt++ {
		if sendErr = d.Sender.Send(ctx, channelID, env); sendErr == nil {
			return nil
		}
		if attempt == d.Config.ReadyRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * d.Config.ReadyRetryMultiplier)
	}
	d.Logger.Warn("ready: connection_established send exhausted retries", zap.String("channel_id", channelID), zap.Error(sendErr))
	return errtax.Classify(errtax.OpSend, errtax.CategoryTransport, sendErr)
}

func (d *Dispatcher) handleHTTPResponse(ctx context.Context, resp *protocol.HTTPResponse) error {
	if resp == nil {
		return errtax.Classify(errtax.OpDecodeEnvelope, errtax.CategoryDecode, fmt.Errorf("http_response: missing payload"))
	}
	blob, err := json.Marshal(resp)
	if err != nil {
		return errtax.Classify(errtax.OpDecodeEnvelope, errtax.CategoryDecode, err)
	}
	if err := d.Store.CompletePending(ctx, resp.RequestID, string(blob)); err != nil {
		return errtax.Classify(errtax.OpStore, errtax.CategoryNotFound, err)
	}
	return nil
}

// errorCodeStatus maps a wire ErrorCode to a synthesized status code for
// the HTTPResponse that replaces a missing upstream reply, per spec §4.C.4.
func errorCodeStatus(code protocol.ErrorCode) int {
	switch code {
	case protocol.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case protocol.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case protocol.ErrCodeLocalServiceUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (d *Dispatcher) handleAgentError(ctx context.Context, msg *protocol.ErrorMessage) error {
	if msg == nil {
		return errtax.Classify(errtax.OpDecodeEnvelope, errtax.CategoryDecode, fmt.Errorf("error: missing payload"))
	}
	resp := &protocol.HTTPResponse{
		RequestID:  msg.RequestID,
		StatusCode: errorCodeStatus(msg.Code),
		Headers:    map[string][]string{"content-type": {"text/plain; charset=utf-8"}},
		Body:       protocol.EncodeBody([]byte(msg.Message)),
	}
	blob, err := json.Marshal(resp)
	if err != nil {
		return errtax.Classify(errtax.OpDecodeEnvelope, errtax.CategoryDecode, err)
	}
	if msg.RequestID == "" {
		d.Logger.Warn("agent error with no request_id", zap.String("code", string(msg.Code)), zap.String("message", msg.Message))
		return nil
	}
	if err := d.Store.CompletePending(ctx, msg.RequestID, string(blob)); err != nil {
		return errtax.Classify(errtax.OpStore, errtax.CategoryNotFound, err)
	}
	return nil
}

// PublicRequestInput is the inbound side of a public_request event.
type PublicRequestInput struct {
	TunnelID string
	Method   string
	Path     string
	Query    string
	Headers  map[string][]string
	Body     []byte
}

// PublicResponseOutput is the outbound side of a public_request event.
type PublicResponseOutput struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// PublicRequest implements spec §4.C.5: find the agent channel for
// tunnelID, forward an http_request envelope, await the matching
// http_response by polling the pending record, and apply the content
// rewrite before returning.
func (d *Dispatcher) PublicRequest(ctx context.Context, in PublicRequestInput) (PublicResponseOutput, error) {
	start := time.Now()
	result := func(out PublicResponseOutput, err error) (PublicResponseOutput, error) {
		rr := observability.RequestResultOK
		if err != nil {
			rr = requestResultFor(errtax.CategoryOf(err))
		}
		d.Observer.Request(rr, time.Since(start))
		return out, err
	}

	if !validate.TunnelID(in.TunnelID) {
		return result(PublicResponseOutput{}, errtax.Classify(errtax.OpValidateTunnelID, errtax.CategoryValidation, fmt.Errorf("invalid tunnel id")))
	}
	path := validate.Path(in.Path)
	if len(path) > validate.MaxPathBytes {
		return result(PublicResponseOutput{}, errtax.Classify(errtax.OpValidatePath, errtax.CategoryOversize, fmt.Errorf("path too long")))
	}
	if len(in.Body) > validate.MaxBodyBytes {
		return result(PublicResponseOutput{}, errtax.Classify(errtax.OpValidateBody, errtax.CategoryOversize, fmt.Errorf("request entity too large")))
	}

	rec, err := d.Store.FindChannelByTunnel(ctx, in.TunnelID)
	if err != nil {
		return result(PublicResponseOutput{}, errtax.Classify(errtax.OpFindChannel, errtax.CategoryNotFound, err))
	}

	requestID := protocol.GenerateRequestID()
	uri := path
	if in.Query != "" {
		uri = path + "?" + in.Query
	}
	env := &protocol.Envelope{
		Tag: protocol.TagHTTPRequest,
		HTTPRequest: &protocol.HTTPRequest{
			RequestID:   requestID,
			Method:      in.Method,
			URI:         uri,
			Headers:     sanitizeHeaders(in.Headers),
			Body:        protocol.EncodeBody(in.Body),
			TimestampMS: protocol.NowMS(),
		},
	}

	pend := store.PendingRecord{
		RequestID: requestID,
		ChannelID: rec.ChannelID,
		CreatedAt: protocol.NowSecs(),
		TTL:       protocol.TTL(int64(d.Config.PendingTTL / time.Second)),
		Status:    store.PendingStatusPending,
	}
	if err := d.Store.PutPending(ctx, pend); err != nil {
		return result(PublicResponseOutput{}, errtax.Classify(errtax.OpPutPending, errtax.CategoryInternal, err))
	}

	if err := d.Sender.Send(ctx, rec.ChannelID, env); err != nil {
		return result(PublicResponseOutput{}, errtax.Classify(errtax.OpSend, errtax.CategoryTransport, err))
	}

	resp, err := d.awaitResponse(ctx, requestID)
	if err != nil {
		return result(PublicResponseOutput{}, err)
	}

	out, err := d.applyRewrite(in.TunnelID, resp)
	return result(out, err)
}

// awaitResponse polls the pending record with an exponentially-growing
// interval, capped at PollIntervalMax, bounded by RequestTimeout.
func (d *Dispatcher) awaitResponse(ctx context.Context, requestID string) (*protocol.HTTPResponse, error) {
	deadline := time.Now().Add(d.Config.RequestTimeout)
	interval := d.Config.PollInterval

	for {
		rec, err := d.Store.GetPending(ctx, requestID)
		switch {
		case err == nil && rec.Status == store.PendingStatusCompleted:
			taken, takeErr := d.Store.TakePending(ctx, requestID)
			if takeErr != nil {
				return nil, errtax.Classify(errtax.OpAwaitResponse, errtax.CategoryInternal, takeErr)
			}
			var resp protocol.HTTPResponse
			if jsonErr := json.Unmarshal([]byte(taken.ResponseBlob), &resp); jsonErr != nil {
				return nil, errtax.Classify(errtax.OpAwaitResponse, errtax.CategoryInternal, jsonErr)
			}
			return &resp, nil
		case err != nil && err != store.ErrNotFound:
			return nil, errtax.Classify(errtax.OpAwaitResponse, errtax.CategoryInternal, err)
		}

		if time.Now().After(deadline) {
			return nil, errtax.Classify(errtax.OpAwaitResponse, errtax.CategoryUpstreamTimeout, fmt.Errorf("request timeout"))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * d.Config.PollMultiplier)
		if interval > d.Config.PollIntervalMax {
			interval = d.Config.PollIntervalMax
		}
	}
}

func (d *Dispatcher) applyRewrite(tunnelID string, resp *protocol.HTTPResponse) (PublicResponseOutput, error) {
	body, err := protocol.DecodeBody(resp.Body)
	if err != nil {
		return PublicResponseOutput{}, errtax.Classify(errtax.OpDecodeEnvelope, errtax.CategoryDecode, err)
	}

	out := PublicResponseOutput{StatusCode: resp.StatusCode, Headers: cloneHeaders(resp.Headers), Body: body}
	if d.Config.EnableSubdomainRouting {
		return out, nil
	}

	contentType := firstHeader(resp.Headers, "content-type")
	primary, eligible := rewrite.ShouldRewrite(contentType)
	if !eligible {
		return out, nil
	}

	rewritten, ok := rewriteBody(primary, body, tunnelID)
	if !ok {
		d.Logger.Warn("rewrite failed, returning original body", zap.String("tunnel_id", tunnelID), zap.String("content_type", primary))
		d.Observer.RewriteFailed(primary)
		return out, nil
	}

	d.Observer.RewriteApplied(primary)
	out.Body = rewritten
	out.Headers["content-length"] = []string{fmt.Sprint(len(rewritten))}
	delete(out.Headers, "transfer-encoding")
	out.Headers["x-tunnel-rewrite-applied"] = []string{"true"}
	return out, nil
}

func rewriteBody(primary string, body []byte, tunnelID string) ([]byte, bool) {
	switch primary {
	case rewrite.ContentTypeHTML:
		return rewrite.RewriteHTML(body, tunnelID), true
	case rewrite.ContentTypeCSS:
		return rewrite.RewriteCSS(body, tunnelID), true
	case rewrite.ContentTypeJSON:
		out, err := rewrite.RewriteJSON(body, tunnelID)
		if err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

func sanitizeHeaders(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, values := range in {
		name := protocol.NormalizeHeaderName(k)
		if !protocol.IsValidHeaderName(name) {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			v = validate.HeaderValue(v)
			if len(v) > validate.MaxHeaderValueBytes {
				v = v[:validate.MaxHeaderValueBytes]
			}
			cleaned = append(cleaned, v)
		}
		out[name] = cleaned
	}
	return out
}

func cloneHeaders(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		cp := make([]string, len(v))
		copy(cp, v)
		out[protocol.NormalizeHeaderName(k)] = cp
	}
	return out
}

func firstHeader(h map[string][]string, name string) string {
	if v, ok := h[protocol.NormalizeHeaderName(name)]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

func requestResultFor(c errtax.Category) observability.RequestResult {
	switch c {
	case errtax.CategoryNotFound:
		return observability.RequestResultNotFound
	case errtax.CategoryValidation, errtax.CategoryOversize:
		return observability.RequestResultValidationFailed
	case errtax.CategoryUpstreamTimeout:
		return observability.RequestResultUpstreamTimeout
	case errtax.CategoryTransport:
		return observability.RequestResultTransportError
	default:
		return observability.RequestResultInternalError
	}
}

// TickResult summarizes a scheduled_tick sweep.
type TickResult struct {
	ChannelsExpired int
	PendingExpired  int
}

// ScheduledTick implements spec §4.C.6: scan both tables for expired
// records and delete them. A per-record delete failure is logged and never
// raised; it is not counted in TickResult, which counts only successful
// deletes. The next tick will find (and retry) the same record.
func (d *Dispatcher) ScheduledTick(ctx context.Context) (TickResult, error) {
	var result TickResult
	now := protocol.NowSecs()

	for _, table := range []store.Table{store.TableChannels, store.TablePending} {
		expired, err := d.Store.ScanExpired(ctx, table, now)
		if err != nil {
			d.Logger.Warn("scheduled_tick: scan_expired failed", zap.String("table", string(table)), zap.Error(err))
			continue
		}
		for _, rec := range expired {
			var delErr error
			switch table {
			case store.TableChannels:
				delErr = d.Store.DeleteChannel(ctx, rec.Key)
				if delErr == nil {
					result.ChannelsExpired++
				}
			case store.TablePending:
				_, delErr = d.Store.TakePending(ctx, rec.Key)
				if delErr == nil {
					result.PendingExpired++
				}
			}
			if delErr != nil && delErr != store.ErrNotFound {
				d.Logger.Warn("scheduled_tick: delete failed", zap.String("table", string(table)), zap.String("key", rec.Key), zap.Error(delErr))
			}
		}
	}

	d.Observer.ExpiredReaped(string(store.TableChannels), result.ChannelsExpired)
	d.Observer.ExpiredReaped(string(store.TablePending), result.PendingExpired)
	return result, nil
}
