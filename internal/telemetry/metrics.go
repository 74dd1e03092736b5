package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments and helpers for relay metrics.
//
// Counters end with _total, sizes are in bytes. Only low-cardinality stable
// labels are used: protocol, direction, reason.
//
// The relay's hot path runs on a single event-loop goroutine, so the helpers
// take no context and record against context.Background(). Every helper is a
// no-op until Init has registered the instruments, which keeps unit tests
// free of telemetry setup.
var (
	initOnce sync.Once

	meter metric.Meter

	// Flows
	mActiveFlows  metric.Int64ObservableGauge
	mFlowsCreated metric.Int64Counter
	mFlowsExpired metric.Int64Counter

	// Clients / tunnel
	mActiveClients    metric.Int64ObservableGauge
	mTunnelBytes      metric.Int64Counter
	mPacketsForwarded metric.Int64Counter

	// Drops
	mPacketDrops metric.Int64Counter

	// Build info
	mBuildInfo metric.Int64ObservableGauge

	buildVersion string
	buildCommit  string

	// Gauge backing stores; written from the event loop, read by the
	// collector goroutine.
	activeFlows   atomic.Int64
	activeClients atomic.Int64
)

func registerInstruments() error {
	var err error
	initOnce.Do(func() {
		meter = otel.Meter("relay")

		mActiveFlows, err = meter.Int64ObservableGauge("relay_active_flows",
			metric.WithDescription("Flows currently routed"))
		if err != nil {
			return
		}
		mFlowsCreated, err = meter.Int64Counter("relay_flows_created_total",
			metric.WithDescription("Flows created, by protocol"))
		if err != nil {
			return
		}
		mFlowsExpired, err = meter.Int64Counter("relay_flows_expired_total",
			metric.WithDescription("Flows retired by the idle sweep, by protocol"))
		if err != nil {
			return
		}

		mActiveClients, err = meter.Int64ObservableGauge("relay_active_clients",
			metric.WithDescription("Tunnel clients currently connected"))
		if err != nil {
			return
		}
		mTunnelBytes, err = meter.Int64Counter("relay_tunnel_bytes_total",
			metric.WithDescription("Tunnel bytes by direction"),
			metric.WithUnit("By"))
		if err != nil {
			return
		}

		mPacketsForwarded, err = meter.Int64Counter("relay_packets_forwarded_total",
			metric.WithDescription("Packets forwarded, by direction"))
		if err != nil {
			return
		}

		mPacketDrops, err = meter.Int64Counter("relay_packet_drops_total",
			metric.WithDescription("Packets dropped, by reason"))
		if err != nil {
			return
		}

		// Build info gauge (value 1 with version/commit attributes)
		mBuildInfo, _ = meter.Int64ObservableGauge("relay_build_info",
			metric.WithDescription("Relay build information (value is always 1)"))

		if _, e := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(mActiveFlows, activeFlows.Load())
			o.ObserveInt64(mActiveClients, activeClients.Load())
			if buildVersion != "" || buildCommit != "" {
				attrs := []attribute.KeyValue{}
				if buildVersion != "" {
					attrs = append(attrs, attribute.String("version", buildVersion))
				}
				if buildCommit != "" {
					attrs = append(attrs, attribute.String("commit", buildCommit))
				}
				o.ObserveInt64(mBuildInfo, 1, metric.WithAttributes(attrs...))
			}
			return nil
		}, mActiveFlows, mActiveClients, mBuildInfo); e != nil {
			otel.Handle(e)
		}
	})
	return err
}

// RegisterBuildInfo records the version/commit the build info gauge reports.
func RegisterBuildInfo(version, commit string) {
	buildVersion = version
	buildCommit = commit
}

// AddActiveFlows shifts the active flow gauge by delta.
func AddActiveFlows(delta int64) {
	activeFlows.Add(delta)
}

// AddActiveClients shifts the active client gauge by delta.
func AddActiveClients(delta int64) {
	activeClients.Add(delta)
}

// IncFlowCreated counts one new flow for the given protocol.
func IncFlowCreated(protocol string) {
	if mFlowsCreated == nil {
		return
	}
	mFlowsCreated.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("protocol", protocol),
	))
}

// IncFlowExpired counts one flow retired by the idle sweep.
func IncFlowExpired(protocol string) {
	if mFlowsExpired == nil {
		return
	}
	mFlowsExpired.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("protocol", protocol),
	))
}

// IncPacketDrop counts one dropped packet. Reasons: "buffer_full",
// "client_delivery", "flow_setup".
func IncPacketDrop(reason string) {
	if mPacketDrops == nil {
		return
	}
	mPacketDrops.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// IncPacketForwarded counts one forwarded packet. Directions:
// "from_client", "to_client".
func IncPacketForwarded(direction string) {
	if mPacketsForwarded == nil {
		return
	}
	mPacketsForwarded.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("direction", direction),
	))
}

// AddTunnelBytes counts tunnel traffic. Directions: "from_client",
// "to_client".
func AddTunnelBytes(direction string, n int64) {
	if mTunnelBytes == nil {
		return
	}
	mTunnelBytes.Add(context.Background(), n, metric.WithAttributes(
		attribute.String("direction", direction),
	))
}
