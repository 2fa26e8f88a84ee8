package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MrEthical07/multiauth"
	"github.com/MrEthical07/multiauth/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

const (
	LoginOutcomeName  = "multiauth_login_outcome_total"
	FactorResultName  = "multiauth_factor_result_total"
	AuditDroppedByKey = "event"
)

// Login outcome attribute values. A trusted login goes straight to a
// session; the two challenge outcomes stop at a pending token.
const (
	OutcomeTrusted            = "trusted"
	OutcomeMFAChallenge       = "mfa_challenge"
	OutcomeNewDeviceChallenge = "new_device_challenge"
	OutcomeRejected           = "rejected"
	OutcomeRateLimited        = "rate_limited"
	OutcomeBanned             = "banned"
)

type metricsSource interface {
	MetricsSnapshot() multiauth.MetricsSnapshot
	AuditDropped() uint64
	AuditDroppedByEvent() map[string]uint64
}

type observedCounter struct {
	id         multiauth.MetricID
	instrument metric.Int64ObservableCounter
}

type observedHistogram struct {
	id      multiauth.MetricID
	buckets [8]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// Exporter publishes the engine counters one instrument per MetricID, plus
// two attributed views: login outcomes and second factor results.
type Exporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []observedCounter
	histograms   []observedHistogram
	loginOutcome metric.Int64ObservableCounter
	factorResult metric.Int64ObservableCounter
	auditDropped metric.Int64ObservableCounter
}

func NewExporter(meter metric.Meter, engine *multiauth.Engine) (*Exporter, error) {
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

	exporter := &Exporter{
		source:     source,
		counters:   make([]observedCounter, 0, len(internaldefs.CounterDefs)),
		histograms: make([]observedHistogram, 0, len(internaldefs.HistogramDefs)),
	}
	var observables []metric.Observable

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		h := observedHistogram{id: def.ID}
		for i, suffix := range internaldefs.HistogramBoundSuffix {
			name := def.Name + "_bucket_le_" + suffix
			ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative latency bucket."))
			if err != nil {
				return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
			}
			h.buckets[i] = ins
			observables = append(observables, ins)
		}
		countIns, err := meter.Int64ObservableGauge(def.Name+"_count", metric.WithDescription("Latency samples."))
		if err != nil {
			return nil, fmt.Errorf("create histogram count gauge %s: %w", def.Name, err)
		}
		h.count = countIns
		observables = append(observables, countIns)
		exporter.histograms = append(exporter.histograms, h)
	}

	var err error
	exporter.loginOutcome, err = meter.Int64ObservableCounter(LoginOutcomeName,
		metric.WithDescription("Password logins by outcome."))
	if err != nil {
		return nil, fmt.Errorf("create login outcome counter: %w", err)
	}
	exporter.factorResult, err = meter.Int64ObservableCounter(FactorResultName,
		metric.WithDescription("Second factor verifications by result."))
	if err != nil {
		return nil, fmt.Errorf("create factor result counter: %w", err)
	}
	exporter.auditDropped, err = meter.Int64ObservableCounter(internaldefs.AuditDroppedName,
		metric.WithDescription(internaldefs.AuditDroppedHelp))
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	observables = append(observables, exporter.loginOutcome, exporter.factorResult, exporter.auditDropped)

	registration, err := meter.RegisterCallback(exporter.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	exporter.registration = registration
	return exporter, nil
}

// LoginOutcomes splits the login counters into disjoint outcomes.
// MetricLoginSuccess counts every login that passed the password check,
// challenged or not, so trusted is what remains after the challenges.
func LoginOutcomes(s multiauth.MetricsSnapshot) map[string]uint64 {
	passed := s.Counters[multiauth.MetricLoginSuccess]
	challenged := s.Counters[multiauth.MetricMFAChallengeIssued] + s.Counters[multiauth.MetricNewDeviceChallengeIssued]
	var trusted uint64
	if passed > challenged {
		trusted = passed - challenged
	}
	return map[string]uint64{
		OutcomeTrusted:            trusted,
		OutcomeMFAChallenge:       s.Counters[multiauth.MetricMFAChallengeIssued],
		OutcomeNewDeviceChallenge: s.Counters[multiauth.MetricNewDeviceChallengeIssued],
		OutcomeRejected:           s.Counters[multiauth.MetricLoginFailure],
		OutcomeRateLimited:        s.Counters[multiauth.MetricLoginRateLimited],
		OutcomeBanned:             s.Counters[multiauth.MetricLoginBanned],
	}
}

func (e *Exporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[h.id]))
		for i := range cumulative {
			observer.ObserveInt64(h.buckets[i], int64(cumulative[i]))
		}
		observer.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}

	for outcome, n := range LoginOutcomes(snapshot) {
		observer.ObserveInt64(e.loginOutcome, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	observer.ObserveInt64(e.factorResult, int64(snapshot.Counters[multiauth.MetricFactorSuccess]),
		metric.WithAttributes(attribute.String("result", "success")))
	observer.ObserveInt64(e.factorResult, int64(snapshot.Counters[multiauth.MetricFactorFailure]),
		metric.WithAttributes(attribute.String("result", "failure")))
	observer.ObserveInt64(e.factorResult, int64(snapshot.Counters[multiauth.MetricMFALockout]),
		metric.WithAttributes(attribute.String("result", "locked_out")))

	byEvent := e.source.AuditDroppedByEvent()
	if len(byEvent) == 0 {
		observer.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
		return nil
	}
	events := make([]string, 0, len(byEvent))
	for ev := range byEvent {
		events = append(events, ev)
	}
	sort.Strings(events)
	for _, ev := range events {
		observer.ObserveInt64(e.auditDropped, int64(byEvent[ev]),
			metric.WithAttributes(attribute.String(AuditDroppedByKey, ev)))
	}
	return nil
}

func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
