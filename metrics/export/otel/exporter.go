package otel

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/propono/authgate"
	"github.com/propono/authgate/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("otel: nil meter")
	ErrNilSource = errors.New("otel: nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authgate.MetricsSnapshot
	AuditDropped() uint64
}

// family is one observable counter whose data points are told apart by a
// single attribute, e.g. authgate.refreshes{outcome="reuse_detected"}.
type family struct {
	name   string
	help   string
	key    attribute.Key
	points []point
}

type point struct {
	id  authgate.MetricID
	set attribute.Set
}

func newFamily(name, help, key string, values map[authgate.MetricID]string) family {
	f := family{name: name, help: help, key: attribute.Key(key)}
	for _, def := range internaldefs.CounterDefs {
		v, ok := values[def.ID]
		if !ok {
			continue
		}
		f.points = append(f.points, point{id: def.ID, set: attribute.NewSet(f.key.String(v))})
	}
	return f
}

// families lists every engine counter grouped by the decision it records.
// Each CounterDefs entry belongs to exactly one family.
var families = []family{
	newFamily("authgate.logins", "Login attempts by outcome.", "outcome", map[authgate.MetricID]string{
		authgate.MetricLoginSuccess: "success",
		authgate.MetricLoginFailure: "failure",
	}),
	newFamily("authgate.refreshes", "Refresh attempts by outcome.", "outcome", map[authgate.MetricID]string{
		authgate.MetricRefreshSuccess:          "rotated",
		authgate.MetricRefreshFailure:          "failed",
		authgate.MetricRefreshReuseDetected:    "reuse_detected",
		authgate.MetricRefreshRaceLost:         "race_lost",
		authgate.MetricRefreshExpired:          "expired",
		authgate.MetricRefreshSessionNotFound:  "session_not_found",
		authgate.MetricRefreshUpstreamFailure:  "upstream_failure",
		authgate.MetricRefreshIntegrationError: "integration_error",
		authgate.MetricRefreshStoreFailure:     "store_failure",
	}),
	newFamily("authgate.sessions", "Session lifecycle events.", "event", map[authgate.MetricID]string{
		authgate.MetricSessionCreated:     "created",
		authgate.MetricSessionRevoked:     "revoked",
		authgate.MetricSessionMassRevoked: "mass_revoked",
		authgate.MetricSessionSwept:       "swept",
		authgate.MetricLogout:             "logout",
		authgate.MetricLogoutAll:          "logout_all",
	}),
	newFamily("authgate.gate.decisions", "Gate decisions by result.", "decision", map[authgate.MetricID]string{
		authgate.MetricGateAllowed:        "allowed",
		authgate.MetricGateUnauthorized:   "unauthorized",
		authgate.MetricGateOriginRejected: "origin_rejected",
		authgate.MetricGateCSRFRejected:   "csrf_rejected",
	}),
}

const (
	refreshLatencyName = "authgate.refresh.latency.buckets"
	auditDroppedName   = "authgate.audit.dropped"
)

// bucketSets carries the le attribute of each cumulative latency bucket.
var bucketSets = func() [internaldefs.BucketCount]attribute.Set {
	var out [internaldefs.BucketCount]attribute.Set
	for i, bound := range internaldefs.HistogramUpperBounds {
		out[i] = attribute.NewSet(attribute.String("le", strconv.FormatFloat(bound, 'f', -1, 64)))
	}
	out[internaldefs.BucketCount-1] = attribute.NewSet(attribute.String("le", "+Inf"))
	return out
}()

// Exporter observes the engine counters as a handful of attributed
// instruments. One callback reads a single snapshot per collection.
type Exporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []metric.Int64ObservableCounter
	latency      metric.Int64ObservableGauge
	auditDropped metric.Int64ObservableCounter
}

func NewExporter(meter metric.Meter, engine *authgate.Engine) (*Exporter, error) {
	if engine == nil {
		return nil, ErrNilSource
	}
	return NewExporterFromSource(meter, engine)
}

func NewExporterFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{source: source, counters: make([]metric.Int64ObservableCounter, len(families))}
	observables := make([]metric.Observable, 0, len(families)+2)

	for i, f := range families {
		ins, err := meter.Int64ObservableCounter(f.name, metric.WithDescription(f.help))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", f.name, err)
		}
		e.counters[i] = ins
		observables = append(observables, ins)
	}

	latency, err := meter.Int64ObservableGauge(refreshLatencyName,
		metric.WithDescription("Cumulative refresh latency bucket counts, by upper bound in seconds."))
	if err != nil {
		return nil, fmt.Errorf("create gauge %s: %w", refreshLatencyName, err)
	}
	e.latency = latency

	dropped, err := meter.Int64ObservableCounter(auditDroppedName, metric.WithDescription(internaldefs.AuditDroppedHelp))
	if err != nil {
		return nil, fmt.Errorf("create counter %s: %w", auditDroppedName, err)
	}
	e.auditDropped = dropped
	observables = append(observables, latency, dropped)

	reg, err := meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	e.registration = reg
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))

	snapshot := e.source.MetricsSnapshot()
	// disabled engine: audit drops only
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 {
		return nil
	}
	for i, f := range families {
		for _, p := range f.points {
			o.ObserveInt64(e.counters[i], int64(snapshot.Counters[p.id]), metric.WithAttributeSet(p.set))
		}
	}
	if buckets, ok := snapshot.Histograms[authgate.MetricRefreshLatency]; ok {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(buckets))
		for i, v := range cumulative {
			o.ObserveInt64(e.latency, int64(v), metric.WithAttributeSet(bucketSets[i]))
		}
	}
	return nil
}

// Close unregisters the callback. The instruments stay with the meter.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
