package multiauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter. The numeric values are stable
// within a release; exporters map them to names through internaldefs.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricLoginBanned
	MetricMFAChallengeIssued
	MetricNewDeviceChallengeIssued
	MetricFactorSuccess
	MetricFactorFailure
	MetricMFALockout
	MetricPendingBindingViolation
	MetricOTPSent
	MetricBackupCodeUsed
	MetricBackupCodeRegenerated
	MetricTOTPReplayRejected
	MetricSessionCreated
	MetricAccountSwitched
	MetricAlreadyLoggedIn
	MetricMaxAccountsReached
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricLegacySessionMigrated
	MetricLogout
	MetricLogoutAll
	MetricSessionRevoked
	MetricAccountCreationSuccess
	MetricAccountCreationDuplicate
	MetricPasswordChangeSuccess
	MetricPasswordResetRequest
	MetricPasswordResetConfirmSuccess
	MetricPasswordResetConfirmFailure
	MetricSuperSecureChanged
	MetricRateLimitHit
	MetricIdentityExemption
	MetricNotificationFailure
	MetricLoginLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters plus one latency histogram.
// A disabled or nil Metrics ignores every call.
type Metrics struct {
	enabled    bool
	counters   [metricIDCount]paddedCounter
	histograms [metricIDCount]metricHistogram
}

type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a duration for the histogram-backed metrics; other ids
// are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	if id != MetricLoginLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter. The copy is not atomic across counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricLoginLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	buckets := make([]uint64, histBucketCount)
	for i := 0; i < histBucketCount; i++ {
		buckets[i] = atomic.LoadUint64(&m.histograms[MetricLoginLatency].buckets[i])
	}
	s.Histograms[MetricLoginLatency] = buckets

	return s
}

// HistogramBoundsMillis are the inclusive upper bounds of the latency
// buckets; the last bucket is unbounded.
var HistogramBoundsMillis = [histBucketCount - 1]float64{5, 10, 25, 50, 100, 250, 500}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
