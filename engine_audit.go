package sentinel

import (
	"context"
	"errors"

	internalaudit "github.com/MrEthical07/sentinel/internal/audit"
	"github.com/MrEthical07/sentinel/mfa"
)

const (
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailure           = "login_failure"
	auditEventLoginRateLimited       = "login_rate_limited"
	auditEventLoginBlocked           = "login_risk_blocked"
	auditEventMFARequired            = "mfa_required"
	auditEventMFAChallenge           = "mfa_challenge"
	auditEventMFASuccess             = "mfa_success"
	auditEventMFAFailure             = "mfa_failure"
	auditEventMFARateLimited         = "mfa_rate_limited"
	auditEventMFAEnrollStarted       = "mfa_enroll_started"
	auditEventMFAEnrolled            = "mfa_enrolled"
	auditEventMFARemoved             = "mfa_method_removed"
	auditEventMFAPrimaryChanged      = "mfa_primary_changed"
	auditEventBackupCodesGenerated   = "backup_codes_generated"
	auditEventBackupCodeUsed         = "backup_code_used"
	auditEventDeliveryStatus         = "mfa_delivery_status"
	auditEventTrustedDeviceBypass    = "trusted_device_bypass"
	auditEventTrustedDeviceDenied    = "trusted_device_denied"
	auditEventTrustedDeviceAdded     = "trusted_device_registered"
	auditEventTrustedDeviceRevoked   = "trusted_device_revoked"
	auditEventRefreshSuccess         = "refresh_success"
	auditEventRefreshInvalid         = "refresh_invalid"
	auditEventRefreshReuseDetected   = "refresh_reuse_detected"
	auditEventLogoutSession          = "logout_session"
	auditEventLogoutAll              = "logout_all"
	auditEventSessionRevoked         = "session_revoked"
	auditEventStepUpRequired         = "step_up_required"
	auditEventCredentialHashUpgraded = "credential_hash_upgraded"
)

// AuditErrorCode is the stable error classification written to audit events.
// It keeps the internal reason that [PublicMessage] hides from callers.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrPrincipalNotFound  AuditErrorCode = "principal_not_found"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrAccountNotActive   AuditErrorCode = "account_not_active"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrRiskBlocked        AuditErrorCode = "risk_blocked"
	auditErrMFARequired        AuditErrorCode = "mfa_required"
	auditErrMFAInvalid         AuditErrorCode = "mfa_invalid"
	auditErrMFAReplay          AuditErrorCode = "mfa_replay"
	auditErrMFAMethod          AuditErrorCode = "mfa_method_invalid"
	auditErrStepUpRequired     AuditErrorCode = "step_up_required"
	auditErrRefreshReuse       AuditErrorCode = "refresh_reuse"
	auditErrTokenExpired       AuditErrorCode = "token_expired"
	auditErrTokenRevoked       AuditErrorCode = "token_revoked"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrSessionNotFound    AuditErrorCode = "session_not_found"
	auditErrDeviceNotFound     AuditErrorCode = "device_not_found"
	auditErrCorrupt            AuditErrorCode = "corrupt"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	principalID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}
	if reason := mfa.ReasonOf(err); reason != mfa.ReasonNone {
		if metadata == nil {
			metadata = map[string]string{}
		}
		metadata["reason"] = string(reason)
	}

	event := AuditEvent{
		Timestamp:   e.clock.Now().UTC(),
		EventType:   eventType,
		PrincipalID: principalID,
		SessionID:   sessionID,
		IP:          clientIPFromContext(ctx),
		Success:     success,
		Severity:    auditSeverity(eventType, success),
		Metadata:    metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

// auditSeverity ranks an event. Reuse detection and risk blocks are
// critical and survive a full audit buffer.
func auditSeverity(eventType string, success bool) internalaudit.Severity {
	switch eventType {
	case auditEventRefreshReuseDetected, auditEventLoginBlocked:
		return internalaudit.SeverityCritical
	case auditEventMFARateLimited, auditEventLoginRateLimited, auditEventTrustedDeviceDenied:
		return internalaudit.SeverityWarning
	}
	if !success {
		return internalaudit.SeverityWarning
	}
	return internalaudit.SeverityInfo
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrSigning), errors.Is(err, ErrEngineNotReady):
		return auditErrUnavailable
	case errors.Is(err, ErrPrincipalNotFound):
		return auditErrPrincipalNotFound
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccountNotActive):
		return auditErrAccountNotActive
	case errors.Is(err, ErrRiskBlocked):
		return auditErrRiskBlocked
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrMFARequired):
		return auditErrMFARequired
	case mfa.ReasonOf(err) == mfa.ReasonReplay:
		return auditErrMFAReplay
	case errors.Is(err, ErrMFAVerificationFailed):
		return auditErrMFAInvalid
	case errors.Is(err, ErrMFAMethodNotFound), errors.Is(err, ErrMFAMethodInvalid):
		return auditErrMFAMethod
	case errors.Is(err, ErrStepUpRequired):
		return auditErrStepUpRequired
	case errors.Is(err, ErrTokenFamilyCompromised):
		return auditErrRefreshReuse
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenRevoked):
		return auditErrTokenRevoked
	case errors.Is(err, ErrTokenInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrCorrupt):
		return auditErrCorrupt
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrDeviceNotFound):
		return auditErrDeviceNotFound
	default:
		return auditErrInternal
	}
}
