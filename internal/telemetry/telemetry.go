package telemetry

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"
)

// Config controls telemetry initialization.
//
// Defaults:
//   - Prometheus exporter enabled (/metrics on the admin server)
//   - OTLP exporter disabled
//   - Durations in seconds, bytes in raw bytes
type Config struct {
	ServiceName    string
	ServiceVersion string

	PromEnabled bool
	OTLPEnabled bool

	OTLPEndpoint string // host:port
	OTLPInsecure bool

	MetricExportInterval time.Duration
	AdminAddr            string // e.g.: ":2112"

	// Optional build info for relay_build_info metric
	BuildVersion string
	BuildCommit  string
}

// FromEnv reads configuration from environment variables.
//
//	RELAY_METRICS_PROMETHEUS_ENABLED (default: true)
//	RELAY_METRICS_OTLP_ENABLED       (default: false)
//	OTEL_EXPORTER_OTLP_ENDPOINT      (default: "localhost:4317")
//	OTEL_EXPORTER_OTLP_INSECURE      (default: true)
//	OTEL_METRIC_EXPORT_INTERVAL      (default: 15s)
//	OTEL_SERVICE_NAME                (default: "relay")
//	OTEL_SERVICE_VERSION             (default: "")
//	RELAY_ADMIN_ADDR                 (default: "127.0.0.1:2112")
func FromEnv() Config {
	return Config{
		ServiceName:          getenv("OTEL_SERVICE_NAME", "relay"),
		ServiceVersion:       os.Getenv("OTEL_SERVICE_VERSION"),
		PromEnabled:          getenv("RELAY_METRICS_PROMETHEUS_ENABLED", "true") == "true",
		OTLPEnabled:          getenv("RELAY_METRICS_OTLP_ENABLED", "false") == "true",
		OTLPEndpoint:         getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:         getenv("OTEL_EXPORTER_OTLP_INSECURE", "true") == "true",
		MetricExportInterval: getdur("OTEL_METRIC_EXPORT_INTERVAL", 15*time.Second),
		AdminAddr:            getenv("RELAY_ADMIN_ADDR", "127.0.0.1:2112"),
	}
}

// Setup holds initialized telemetry providers and (optionally) a /metrics handler.
// Call Shutdown when the process terminates to flush exporters.
type Setup struct {
	MeterProvider *sdkmetric.MeterProvider

	PrometheusHandler http.Handler // nil if Prometheus exporter disabled

	shutdowns []func(context.Context) error
}

// Init configures OpenTelemetry metrics. It sets the global MeterProvider,
// registers runtime instrumentation, and returns a Setup whose Shutdown
// flushes the exporters.
func Init(ctx context.Context, cfg Config) (*Setup, error) {
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)

	s := &Setup{}

	var readers []sdkmetric.Reader

	// Prometheus exporter exposes a native /metrics handler for scraping
	if cfg.PromEnabled {
		reg := promclient.NewRegistry()
		exp, err := prometheus.New(prometheus.WithRegisterer(reg))
		if err != nil {
			return nil, err
		}
		readers = append(readers, exp)
		s.PrometheusHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Optional OTLP metric exporter (gRPC)
	if cfg.OTLPEnabled {
		mopts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if hdrs := parseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(hdrs) > 0 {
			mopts = append(mopts, otlpmetricgrpc.WithHeaders(hdrs))
		}
		if cfg.OTLPInsecure {
			mopts = append(mopts, otlpmetricgrpc.WithInsecure())
		} else if certFile := os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE"); certFile != "" {
			creds, cerr := credentials.NewClientTLSFromFile(certFile, "")
			if cerr == nil {
				mopts = append(mopts, otlpmetricgrpc.WithTLSCredentials(creds))
			}
		}
		mexp, err := otlpmetricgrpc.New(ctx, mopts...)
		if err != nil {
			return nil, err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(cfg.MetricExportInterval)))
		s.shutdowns = append(s.shutdowns, mexp.Shutdown)
	}

	var mpOpts []sdkmetric.Option
	mpOpts = append(mpOpts, sdkmetric.WithResource(res))
	for _, r := range readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	// Attribute whitelist: only allow expected low-cardinality keys on relay_* instruments.
	mpOpts = append(mpOpts, sdkmetric.WithView(sdkmetric.NewView(
		sdkmetric.Instrument{Name: "relay_*"},
		sdkmetric.Stream{
			AttributeFilter: func(kv attribute.KeyValue) bool {
				switch string(kv.Key) {
				case "protocol", "direction", "reason", "version", "commit":
					return true
				default:
					return false
				}
			},
		},
	)))
	mp := sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(mp)
	s.MeterProvider = mp
	s.shutdowns = append(s.shutdowns, mp.Shutdown)

	// Export Go runtime metrics (goroutines, GC, mem, etc.)
	_ = runtime.Start(runtime.WithMeterProvider(mp))

	// Register instruments after provider is set
	if err := registerInstruments(); err != nil {
		return nil, err
	}
	if cfg.BuildVersion != "" || cfg.BuildCommit != "" {
		RegisterBuildInfo(cfg.BuildVersion, cfg.BuildCommit)
	}

	return s, nil
}

// Shutdown flushes exporters and providers in reverse init order.
func (s *Setup) Shutdown(ctx context.Context) error {
	var err error
	for i := len(s.shutdowns) - 1; i >= 0; i-- {
		err = errors.Join(err, s.shutdowns[i](ctx))
	}
	return err
}

// parseOTLPHeaders parses OTEL_EXPORTER_OTLP_HEADERS formatted as k=v,k2=v2
func parseOTLPHeaders(h string) map[string]string {
	m := map[string]string{}
	if h == "" {
		return m
	}
	for _, p := range strings.Split(h, ",") {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) == 2 {
			m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return m
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getdur(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if p, e := time.ParseDuration(v); e == nil {
			return p
		}
	}
	return d
}
