// Command forwarder runs the local agent: it dials the relay's agent
// channel, forwards http_request envelopes to a local service, and
// reconnects with backoff on any transport failure.
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
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh-go/forwarder"
	"github.com/relaymesh/relaymesh-go/internal/cmdutil"
	"github.com/relaymesh/relaymesh-go/internal/version"
	"github.com/relaymesh/relaymesh-go/observability"
	"github.com/relaymesh/relaymesh-go/observability/prom"
	"github.com/relaymesh/relaymesh-go/relaylog"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

var exitCode int

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

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("RELAYMESH_FORWARDER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("relay-url", "")
	v.SetDefault("local-target", "")
	v.SetDefault("auth-token", "")
	v.SetDefault("metrics-listen", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("ready-file", "")
	v.SetDefault("overwrite-ready-file", false)

	cmd := &cobra.Command{
		Use:           "forwarder",
		Short:         "RelayMesh forwarder: local agent for the HTTP reverse tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.String("relay-url", v.GetString("relay-url"), "agent channel websocket URL, e.g. wss://relay.example.com/ws (env RELAYMESH_FORWARDER_RELAY_URL)")
	flags.String("local-target", v.GetString("local-target"), "local service base URL, e.g. http://127.0.0.1:8080 (env RELAYMESH_FORWARDER_LOCAL_TARGET)")
	flags.String("auth-token", v.GetString("auth-token"), "bearer token sent on the agent channel handshake (env RELAYMESH_FORWARDER_AUTH_TOKEN)")
	flags.String("metrics-listen", v.GetString("metrics-listen"), "listen address for the Prometheus metrics server, empty disables it (env RELAYMESH_FORWARDER_METRICS_LISTEN)")
	flags.String("log-level", v.GetString("log-level"), "debug|info|warn|error (env RELAYMESH_FORWARDER_LOG_LEVEL)")
	flags.String("ready-file", v.GetString("ready-file"), "also write the ready JSON line to this path at startup, before the relay is dialed, empty disables it (env RELAYMESH_FORWARDER_READY_FILE)")
	flags.Bool("overwrite-ready-file", v.GetBool("overwrite-ready-file"), "allow --ready-file to overwrite an existing file (env RELAYMESH_FORWARDER_OVERWRITE_READY_FILE)")
	flags.Bool("version", false, "print version and exit")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if v.GetBool("version") {
			fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
			return nil
		}
		code, err := runForwarder(cmd.Context(), v, stdout, stderr)
		exitCode = code
		return err
	}

	return cmd
}

type readyLine struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	RelayURL   string `json:"relay_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func runForwarder(ctx context.Context, v *viper.Viper, stdout, stderr io.Writer) (int, error) {
	relayURL := strings.TrimSpace(v.GetString("relay-url"))
	localTarget := strings.TrimSpace(v.GetString("local-target"))
	if relayURL == "" || localTarget == "" {
		err := &cmdutil.UsageError{Msg: "missing --relay-url or --local-target"}
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

	cfg := forwarder.DefaultConfig()
	cfg.RelayURL = relayURL
	cfg.LocalTarget = localTarget
	cfg.AuthToken = strings.TrimSpace(v.GetString("auth-token"))

	obs := observability.NewAtomicForwarderObserver()

	var metricsSrv *http.Server
	var metricsLn net.Listener
	metricsListen := strings.TrimSpace(v.GetString("metrics-listen"))
	if metricsListen != "" {
		reg := prom.NewRegistry()
		obs.Set(prom.NewForwarderObserver(reg))

		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1, err
		}
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	fw, err := forwarder.New(cfg, logger, obs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1, err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := readyLine{
		Version:  buildVersion,
		Commit:   buildCommit,
		Date:     buildDate,
		RelayURL: relayURL,
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = cmdutil.WriteJSON(stdout, out, false)
	if readyFile != "" {
		if f, ferr := os.Create(readyFile); ferr != nil {
			logger.Warn("failed to write ready file", zap.String("path", readyFile), zap.Error(ferr))
		} else {
			_ = cmdutil.WriteJSON(f, out, true)
			_ = f.Close()
		}
	}

	err = fw.Run(runCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("forwarder exited", zap.Error(err))
		return 1, nil
	}
	return 0, nil
}
