package settlerd

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"raftex/observability/logging"
	telemetry "raftex/observability/otel"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlerd/config.yaml", "path to settlerd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RAFTEX_ENV"))
	log := logging.Setup("settlerd", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlerd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Info("settlerd configured",
		"node", cfg.NodeURL,
		logging.MaskField("admin_secret", cfg.Admin.Secret),
	)

	store, err := OpenStore(cfg.ReceiptsPath)
	if err != nil {
		return fmt.Errorf("open receipts store: %w", err)
	}
	defer func() { _ = store.Close() }()

	node := NewRPCNodeClient(cfg.NodeURL, cfg.Admin.Secret, cfg.Admin.TokenTTL.Duration)
	transport := NewHTTPTransport(cfg.Transport.Endpoint, cfg.Transport.BearerToken, cfg.Transport.Timeout.Duration)
	processor := NewProcessor(node, store, transport,
		WithPollInterval(cfg.PollInterval.Duration),
		WithMaxAttempts(cfg.MaxAttempts),
		WithLogger(log),
	)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go processor.Run(stopCtx)
	if wsURL := strings.TrimSpace(cfg.NodeWSURL); wsURL != "" {
		listener := NewEventListener(wsURL, processor.Poke, log)
		go listener.Run(stopCtx)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("settlerd listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
