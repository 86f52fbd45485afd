package sentinel

import (
	internalmetrics "github.com/MrEthical07/sentinel/internal/metrics"
)

// MetricID identifies one engine counter or histogram.
type MetricID = internalmetrics.MetricID

const (
	MetricLoginSuccess            = internalmetrics.MetricLoginSuccess
	MetricLoginFailure            = internalmetrics.MetricLoginFailure
	MetricLoginRateLimited        = internalmetrics.MetricLoginRateLimited
	MetricLoginLocked             = internalmetrics.MetricLoginLocked
	MetricLoginRiskBlocked        = internalmetrics.MetricLoginRiskBlocked
	MetricMFARequired             = internalmetrics.MetricMFARequired
	MetricMFASuccess              = internalmetrics.MetricMFASuccess
	MetricMFAFailure              = internalmetrics.MetricMFAFailure
	MetricMFARateLimited          = internalmetrics.MetricMFARateLimited
	MetricMFAReplay               = internalmetrics.MetricMFAReplay
	MetricMFAChallengeSent        = internalmetrics.MetricMFAChallengeSent
	MetricBackupCodeUsed          = internalmetrics.MetricBackupCodeUsed
	MetricBackupCodesGenerated    = internalmetrics.MetricBackupCodesGenerated
	MetricTrustedDeviceBypass     = internalmetrics.MetricTrustedDeviceBypass
	MetricTrustedDeviceDenied     = internalmetrics.MetricTrustedDeviceDenied
	MetricTrustedDeviceRegistered = internalmetrics.MetricTrustedDeviceRegistered
	MetricRefreshSuccess          = internalmetrics.MetricRefreshSuccess
	MetricRefreshFailure          = internalmetrics.MetricRefreshFailure
	MetricRefreshReuseDetected    = internalmetrics.MetricRefreshReuseDetected
	MetricSessionCreated          = internalmetrics.MetricSessionCreated
	MetricSessionRevoked          = internalmetrics.MetricSessionRevoked
	MetricLogout                  = internalmetrics.MetricLogout
	MetricLogoutAll               = internalmetrics.MetricLogoutAll
	MetricValidateLatency         = internalmetrics.MetricValidateLatency
)

// Metrics is the engine's in-process counter set.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a [Metrics] instance.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:                 cfg.Enabled,
		EnableLatencyHistograms: cfg.EnableLatencyHistograms,
	})
}

// MetricsSnapshot returns the current metric values. Disabled metrics yield
// empty maps.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}
