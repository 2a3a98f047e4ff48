package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/autostop/internal/app"
	"github.com/psantana5/autostop/pkg/api"
	"github.com/psantana5/autostop/pkg/logging"
	"github.com/psantana5/autostop/pkg/ratelimit"
	"github.com/psantana5/autostop/pkg/shutdown"
	tlsutil "github.com/psantana5/autostop/pkg/tls"
)

var (
	serveAddr    string
	serveRPS     float64
	serveBurst   int
	serveTimeout time.Duration
	serveGenCert bool
	serveHosts   []string
	serveProxies []string
	serveNoAuth  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the emergency stop over HTTP",
	Long: `Starts an HTTP server for SNS HTTP(S) subscriptions.

Routes:
  POST /sns      SNS delivery (subscription confirmations are answered)
  POST /invoke   raw SNS event in the Lambda format
  GET  /health   liveness
  GET  /metrics  Prometheus metrics

/invoke requires "Authorization: Bearer <token>" and /sns requires
"?token=<token>" on the subscription URL, where the token is API_TOKEN. The
server refuses to start without API_TOKEN unless --insecure is given. SNS
message signatures are always verified on /sns. TLS_CERT_FILE and
TLS_KEY_FILE switch the server to HTTPS.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	serveCmd.Flags().Float64Var(&serveRPS, "rate", 1, "requests per second allowed per client IP")
	serveCmd.Flags().IntVar(&serveBurst, "burst", 10, "request burst allowed per client IP")
	serveCmd.Flags().DurationVar(&serveTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	serveCmd.Flags().BoolVar(&serveGenCert, "generate-cert", false, "write a self-signed certificate to TLS_CERT_FILE/TLS_KEY_FILE if they do not exist")
	serveCmd.Flags().StringSliceVar(&serveHosts, "cert-hosts", nil, "extra hostnames or IPs for the generated certificate")
	serveCmd.Flags().StringSliceVar(&serveProxies, "trusted-proxy", nil, "proxy IPs or CIDRs whose X-Forwarded-For is used for rate limiting")
	serveCmd.Flags().BoolVar(&serveNoAuth, "insecure", false, "allow serving without API_TOKEN")
}

// checkServeAuth refuses to expose the stop routes without a token unless
// the operator opted out explicitly
func checkServeAuth(token string, insecure bool) error {
	if token == "" && !insecure {
		return errors.New("API_TOKEN is not set; refusing to serve unauthenticated stop routes (pass --insecure to override)")
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}
	if err := checkServeAuth(cfg.APIToken, serveNoAuth); err != nil {
		return err
	}
	clientKey, err := ratelimit.TrustedProxyKeyFunc(serveProxies)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.JSONLogs())
	if cfg.APIToken == "" {
		logger.Warn("Serving without API_TOKEN; only SNS signatures protect /sns and /invoke is open")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	handler := api.NewEmergencyHandler(a.Handler, logger,
		api.WithToken(cfg.APIToken),
		api.WithTopics(cfg.TopicARNs),
		api.WithMetricsHandler(a.Metrics.Handler()),
		api.WithClientKey(clientKey),
	)
	limiter := ratelimit.NewLimiter(serveRPS, serveBurst)
	server := api.NewServer(cfg.ListenAddr, api.NewRouter(handler, limiter, a.Tracer))
	if cfg.TLSEnabled() {
		if err := ensureCert(cfg.TLSCert, cfg.TLSKey, logger); err != nil {
			a.Close(ctx)
			return err
		}
		server.TLSConfig, err = tlsutil.ServerConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			a.Close(ctx)
			return err
		}
	}

	manager := shutdown.New(serveTimeout, logger)
	manager.Register("tracer", a.Close)
	manager.Register("http", shutdown.StopHTTPServer(server))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", map[string]interface{}{
			"addr":         cfg.ListenAddr,
			"auth_enabled": cfg.APIToken != "",
			"topics":       cfg.TopicARNs,
			"tls":          cfg.TLSEnabled(),
		})
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			manager.Trigger()
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-manager.Done():
				return
			case <-ticker.C:
				if n := limiter.CleanupOldLimiters(10 * time.Minute); n > 0 {
					logger.Debug("Removed idle rate limiters", map[string]interface{}{"count": n})
				}
			}
		}
	}()

	if err := manager.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// ensureCert generates a self-signed pair when --generate-cert is set and the
// certificate file is missing
func ensureCert(certFile, keyFile string, logger *logging.Logger) error {
	if !serveGenCert {
		return nil
	}
	if _, err := os.Stat(certFile); err == nil {
		return nil
	}

	logger.Warn("Generating self-signed certificate; SNS will not deliver to it", map[string]interface{}{
		"cert_file": certFile,
		"hosts":     serveHosts,
	})
	return tlsutil.GenerateSelfSignedCert(certFile, keyFile, 90*24*time.Hour, serveHosts...)
}
