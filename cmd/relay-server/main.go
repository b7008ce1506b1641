// Command relay-server runs the stateless HTTP relay: it upgrades
// forwarder websocket connections, dispatches public_request traffic to
// whichever forwarder owns a tunnel, and exposes /healthz and /metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh-go/internal/cmdutil"
	"github.com/relaymesh/relaymesh-go/internal/version"
	"github.com/relaymesh/relaymesh-go/observability"
	"github.com/relaymesh/relaymesh-go/observability/prom"
	"github.com/relaymesh/relaymesh-go/relay"
	"github.com/relaymesh/relaymesh-go/relay/auth"
	"github.com/relaymesh/relaymesh-go/relay/errtax"
	"github.com/relaymesh/relaymesh-go/relaylog"
	"github.com/relaymesh/relaymesh-go/store"
	"github.com/relaymesh/relaymesh-go/transport/wsgateway"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if cmdutil.IsUsage(err) {
			return 2
		}
		return 1
	}
	return exitCode
}

// exitCode lets RunE report a non-zero status without cobra printing the
// error a second time (SilenceErrors handles the message; this handles the
// process exit status).
var exitCode int

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("RELAYMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("listen", ":8443")
	v.SetDefault("domain", "")
	v.SetDefault("subdomain-routing", false)
	v.SetDefault("require-auth", false)
	v.SetDefault("jwks-url", "")
	v.SetDefault("jwt-secret", "")
	v.SetDefault("allow-origin", "")
	v.SetDefault("allow-no-origin", false)
	v.SetDefault("max-conns", 10000)
	v.SetDefault("redis-url", "")
	v.SetDefault("redis-key-prefix", "relaymesh:")
	v.SetDefault("metrics-listen", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("ready-file", "")
	v.SetDefault("overwrite-ready-file", false)

	cmd := &cobra.Command{
		Use:           "relay-server",
		Short:         "RelayMesh relay: public HTTP front door + agent channel gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.String("listen", v.GetString("listen"), "listen address (env RELAYMESH_LISTEN)")
	flags.String("domain", v.GetString("domain"), "public domain public URLs are minted under, required (env RELAYMESH_DOMAIN)")
	flags.Bool("subdomain-routing", v.GetBool("subdomain-routing"), "use subdomain-mode public URLs instead of path-mode (env RELAYMESH_SUBDOMAIN_ROUTING)")
	flags.Bool("require-auth", v.GetBool("require-auth"), "require a bearer token on channel_open (env RELAYMESH_REQUIRE_AUTH)")
	flags.String("jwks-url", v.GetString("jwks-url"), "JWKS endpoint for bearer token validation (env RELAYMESH_JWKS_URL)")
	flags.String("jwt-secret", v.GetString("jwt-secret"), "shared HMAC secret for bearer token validation, alternative to --jwks-url (env RELAYMESH_JWT_SECRET)")
	flags.String("allow-origin", "", "allowed websocket Origin values, comma-separated (env RELAYMESH_ALLOW_ORIGIN)")
	flags.Bool("allow-no-origin", v.GetBool("allow-no-origin"), "allow agent connections without an Origin header (env RELAYMESH_ALLOW_NO_ORIGIN)")
	flags.Int("max-conns", v.GetInt("max-conns"), "max concurrent agent websocket connections (env RELAYMESH_MAX_CONNS)")
	flags.String("redis-url", v.GetString("redis-url"), "Redis connection URL; empty uses the in-process store (env RELAYMESH_REDIS_URL)")
	flags.String("redis-key-prefix", v.GetString("redis-key-prefix"), "Redis key namespace (env RELAYMESH_REDIS_KEY_PREFIX)")
	flags.String("metrics-listen", v.GetString("metrics-listen"), "listen address for the Prometheus metrics server, empty disables it (env RELAYMESH_METRICS_LISTEN)")
	flags.String("log-level", v.GetString("log-level"), "debug|info|warn|error (env RELAYMESH_LOG_LEVEL)")
	flags.String("ready-file", v.GetString("ready-file"), "also write the ready JSON line to this path once listening, empty disables it (env RELAYMESH_READY_FILE)")
	flags.Bool("overwrite-ready-file", v.GetBool("overwrite-ready-file"), "allow --ready-file to overwrite an existing file (env RELAYMESH_OVERWRITE_READY_FILE)")
	flags.Bool("version", false, "print version and exit")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if v.GetBool("version") {
			fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
			return nil
		}
		code, err := runServer(cmd.Context(), v, stdout, stderr)
		exitCode = code
		return err
	}

	return cmd
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type readyLine struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	Listen     string `json:"listen"`
	HealthzURL string `json:"healthz_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

// metricsController toggles the Prometheus registry live, mirroring the
// teacher's SIGUSR1/SIGUSR2 enable/disable switch.
type metricsController struct {
	mu      sync.Mutex
	enabled bool
	handler *switchHandler
	obs     *observability.AtomicRelayObserver
}

func newMetricsController(handler *switchHandler, obs *observability.AtomicRelayObserver) *metricsController {
	return &metricsController{handler: handler, obs: obs}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	c.handler.Set(prom.Handler(reg))
	c.obs.Set(prom.NewRelayObserver(reg))
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.obs.Set(observability.NoopRelayObserver)
	c.enabled = false
}

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// reloadableValidator lets SIGHUP rebuild the JWKS-backed validator without
// restarting the process, while every in-flight channel_open keeps using a
// consistent validator snapshot.
type reloadableValidator struct {
	mu  sync.RWMutex
	cur auth.TokenValidator
}

func (r *reloadableValidator) Validate(ctx context.Context, token string) error {
	r.mu.RLock()
	cur := r.cur
	r.mu.RUnlock()
	return cur.Validate(ctx, token)
}

func (r *reloadableValidator) set(v auth.TokenValidator) {
	r.mu.Lock()
	r.cur = v
	r.mu.Unlock()
}

func runServer(ctx context.Context, v *viper.Viper, stdout, stderr io.Writer) (int, error) {
	domain := strings.TrimSpace(v.GetString("domain"))
	if domain == "" {
		err := &cmdutil.UsageError{Msg: "missing --domain"}
		fmt.Fprintln(stderr, err)
		return 2, err
	}
	requireAuth := v.GetBool("require-auth")
	jwksURL := strings.TrimSpace(v.GetString("jwks-url"))
	jwtSecret := strings.TrimSpace(v.GetString("jwt-secret"))
	if requireAuth && jwksURL == "" && jwtSecret == "" {
		err := &cmdutil.UsageError{Msg: "--require-auth needs --jwks-url or --jwt-secret"}
		fmt.Fprintln(stderr, err)
		return 2, err
	}
	readyFile := strings.TrimSpace(v.GetString("ready-file"))
	if err := cmdutil.RefuseOverwrite(readyFile, v.GetBool("overwrite-ready-file")); err != nil {
		fmt.Fprintln(stderr, err)
		if cmdutil.IsUsage(err) {
			return 2, err
		}
		return 1, err
	}

	logger, err := relaylog.New(v.GetString("log-level"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1, err
	}
	defer logger.Sync() //nolint:errcheck

	validator := &reloadableValidator{cur: auth.NoopValidator{}}
	if requireAuth {
		if err := reloadValidator(ctx, validator, jwksURL, jwtSecret); err != nil {
			fmt.Fprintln(stderr, err)
			return 1, err
		}
	}

	st, closeStore, err := buildStore(v)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1, err
	}
	defer closeStore()

	relayObserver := observability.NewAtomicRelayObserver()
	cfg := relay.DefaultConfig()
	cfg.Domain = domain
	cfg.EnableSubdomainRouting = v.GetBool("subdomain-routing")
	cfg.RequireAuth = requireAuth

	dispatcher, err := relay.NewDispatcher(st, nil, validator, cfg, logger, relayObserver)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1, err
	}

	gw := wsgateway.New(dispatcher, wsgateway.Options{
		AllowedOrigins: splitCSV(v.GetString("allow-origin")),
		AllowNoOrigin:  v.GetBool("allow-no-origin"),
		MaxConns:       v.GetInt("max-conns"),
		Logger:         logger,
	})
	dispatcher.Sender = gw

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	subdomainRouting := cfg.EnableSubdomainRouting
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handlePublicRequest(w, r, dispatcher, subdomainRouting)
	})

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	metricsListen := strings.TrimSpace(v.GetString("metrics-listen"))
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, relayObserver)
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1, err
		}
		metricsSrv = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	ln, err := net.Listen("tcp", v.GetString("listen"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1, err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("relay server failed", zap.Error(err))
		}
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runExpirySweeper(sweepCtx, dispatcher, logger)

	out := readyLine{
		Version:    buildVersion,
		Commit:     buildCommit,
		Date:       buildDate,
		Listen:     ln.Addr().String(),
		HealthzURL: "http://" + ln.Addr().String() + "/healthz",
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = cmdutil.WriteJSON(stdout, out, false)
	if readyFile != "" {
		if f, err := os.Create(readyFile); err != nil {
			logger.Warn("failed to write ready file", zap.String("path", readyFile), zap.Error(err))
		} else {
			_ = cmdutil.WriteJSON(f, out, true)
			_ = f.Close()
		}
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		select {
		case <-ctx.Done():
			shutdown(srv, metricsSrv)
			return 0, nil
		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				if !requireAuth {
					logger.Info("sighup received, auth disabled: nothing to reload")
					continue
				}
				if err := reloadValidator(ctx, validator, jwksURL, jwtSecret); err != nil {
					logger.Warn("reload validator failed", zap.Error(err))
				} else {
					logger.Info("reloaded token validator")
				}
			case syscall.SIGUSR1:
				if metrics == nil {
					logger.Info("metrics server disabled (missing --metrics-listen)")
					continue
				}
				metrics.Enable()
				logger.Info("metrics enabled")
			case syscall.SIGUSR2:
				if metrics == nil {
					continue
				}
				metrics.Disable()
				logger.Info("metrics disabled")
			default:
				shutdown(srv, metricsSrv)
				return 0, nil
			}
		}
	}
}

func shutdown(srv, metricsSrv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
}

func reloadValidator(ctx context.Context, target *reloadableValidator, jwksURL, secret string) error {
	if jwksURL != "" {
		jv, err := auth.NewJWTValidator(ctx, jwksURL)
		if err != nil {
			return fmt.Errorf("build JWKS validator: %w", err)
		}
		target.set(jv)
		return nil
	}
	target.set(auth.NewJWTValidatorFromSecret([]byte(secret)))
	return nil
}

func buildStore(v *viper.Viper) (store.Store, func(), error) {
	redisURL := strings.TrimSpace(v.GetString("redis-url"))
	if redisURL == "" {
		return store.NewMemStore(nil), func() {}, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --redis-url: %w", err)
	}
	rdb := redis.NewClient(opt)
	st := store.NewRedisStore(rdb, v.GetString("redis-key-prefix"))
	return st, func() { _ = rdb.Close() }, nil
}

// runExpirySweeper periodically drives ScheduledTick, the relay's
// housekeeping event for reaping expired channel and pending records.
func runExpirySweeper(ctx context.Context, d *relay.Dispatcher, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ScheduledTick(ctx); err != nil {
				logger.Warn("scheduled_tick failed", zap.Error(err))
			}
		}
	}
}

// handlePublicRequest adapts an incoming public HTTP request into a
// PublicRequestInput, extracting the tunnel id from the host (subdomain
// mode) or the leading path segment (path mode).
func handlePublicRequest(w http.ResponseWriter, r *http.Request, d *relay.Dispatcher, subdomainRouting bool) {
	tunnelID, path := extractTunnel(r, subdomainRouting)
	if tunnelID == "" {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	headers := make(map[string][]string, len(r.Header))
	for k, vals := range r.Header {
		headers[k] = vals
	}

	resp, err := d.PublicRequest(r.Context(), relay.PublicRequestInput{
		TunnelID: tunnelID,
		Method:   r.Method,
		Path:     path,
		Query:    r.URL.RawQuery,
		Headers:  headers,
		Body:     body,
	})
	if err != nil {
		writeRelayError(w, err)
		return
	}

	for k, vals := range resp.Headers {
		for _, val := range vals {
			w.Header().Add(k, val)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func extractTunnel(r *http.Request, subdomainRouting bool) (tunnelID string, path string) {
	if subdomainRouting {
		host := r.Host
		if idx := strings.IndexByte(host, '.'); idx > 0 {
			if candidate := host[:idx]; candidate != "" {
				return candidate, r.URL.Path
			}
		}
		return "", r.URL.Path
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", r.URL.Path
	}
	if len(parts) == 2 {
		return parts[0], "/" + parts[1]
	}
	return parts[0], "/"
}

func writeRelayError(w http.ResponseWriter, err error) {
	category := errtax.CategoryOf(err)
	status := errtax.HTTPStatus(category)
	http.Error(w, errtax.PublicMessage(category, err.Error()), status)
}
