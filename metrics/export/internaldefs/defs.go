package internaldefs

import (
	"github.com/MrEthical07/sentinel"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   sentinel.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for exporters.
type HistogramDef struct {
	ID   sentinel.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter for audit events lost to backpressure.
const AuditDroppedName = "sentinel_audit_dropped_total"

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: sentinel.MetricLoginSuccess, Name: "sentinel_login_success_total", Help: "Logins that issued tokens."},
	{ID: sentinel.MetricLoginFailure, Name: "sentinel_login_failure_total", Help: "Failed primary authentications."},
	{ID: sentinel.MetricLoginRateLimited, Name: "sentinel_login_rate_limited_total", Help: "Logins rejected by the login limiter."},
	{ID: sentinel.MetricLoginLocked, Name: "sentinel_login_locked_total", Help: "Logins rejected by account lockout."},
	{ID: sentinel.MetricLoginRiskBlocked, Name: "sentinel_login_risk_blocked_total", Help: "Logins blocked by the risk engine."},
	{ID: sentinel.MetricMFARequired, Name: "sentinel_mfa_required_total", Help: "Logins that required step-up."},
	{ID: sentinel.MetricMFASuccess, Name: "sentinel_mfa_success_total", Help: "Successful MFA verifications."},
	{ID: sentinel.MetricMFAFailure, Name: "sentinel_mfa_failure_total", Help: "Failed MFA verifications."},
	{ID: sentinel.MetricMFARateLimited, Name: "sentinel_mfa_rate_limited_total", Help: "MFA verifications rejected by the limiter."},
	{ID: sentinel.MetricMFAReplay, Name: "sentinel_mfa_replay_total", Help: "Replayed TOTP codes."},
	{ID: sentinel.MetricMFAChallengeSent, Name: "sentinel_mfa_challenge_sent_total", Help: "OTP challenges handed to the notifier."},
	{ID: sentinel.MetricBackupCodeUsed, Name: "sentinel_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: sentinel.MetricBackupCodesGenerated, Name: "sentinel_backup_codes_generated_total", Help: "Backup code sets generated."},
	{ID: sentinel.MetricTrustedDeviceBypass, Name: "sentinel_trusted_device_bypass_total", Help: "Step-ups satisfied by a trusted device."},
	{ID: sentinel.MetricTrustedDeviceDenied, Name: "sentinel_trusted_device_denied_total", Help: "Trusted devices refused by runtime checks."},
	{ID: sentinel.MetricTrustedDeviceRegistered, Name: "sentinel_trusted_device_registered_total", Help: "Trusted devices registered."},
	{ID: sentinel.MetricRefreshSuccess, Name: "sentinel_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: sentinel.MetricRefreshFailure, Name: "sentinel_refresh_failure_total", Help: "Failed refresh attempts."},
	{ID: sentinel.MetricRefreshReuseDetected, Name: "sentinel_refresh_reuse_detected_total", Help: "Refresh token reuse that revoked a family."},
	{ID: sentinel.MetricSessionCreated, Name: "sentinel_session_created_total", Help: "Sessions created."},
	{ID: sentinel.MetricSessionRevoked, Name: "sentinel_session_revoked_total", Help: "Sessions revoked by their owner."},
	{ID: sentinel.MetricLogout, Name: "sentinel_logout_total", Help: "Single-session logouts."},
	{ID: sentinel.MetricLogoutAll, Name: "sentinel_logout_all_total", Help: "Logouts from every device."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: sentinel.MetricValidateLatency, Name: "sentinel_validate_latency_seconds", Help: "Access token validation latency."},
}

// UpperBounds are the finite bucket bounds in seconds; the last engine
// bucket is +Inf.
var UpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// BoundSuffix names each engine bucket for exporters without native
// histograms.
var BoundSuffix = []string{"0_005", "0_01", "0_025", "0_05", "0_1", "0_25", "0_5", "inf"}

// Cumulative converts raw per-bucket counts into cumulative counts of the
// same length as BoundSuffix. Short input is zero-padded.
func Cumulative(raw []uint64) []uint64 {
	out := make([]uint64, len(BoundSuffix))
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
