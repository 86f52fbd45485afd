package sentinel

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel/device"
	"github.com/MrEthical07/sentinel/mfa"
	"github.com/MrEthical07/sentinel/session"
)

// MFAKind is the factor type of an MFA method.
type MFAKind = mfa.Kind

const (
	MFAKindTOTP        = mfa.KindTOTP
	MFAKindSMS         = mfa.KindSMS
	MFAKindEmail       = mfa.KindEmail
	MFAKindBackupCodes = mfa.KindBackupCodes
)

// StepUpRequest re-verifies the principal behind an existing session.
type StepUpRequest struct {
	SessionID string
	MethodID  string
	Code      string
	Backup    bool
}

/*
====================================
STEP-UP
====================================
*/

// ChallengeStepUp starts a challenge for an existing session, for routes
// guarded by RequireRecentStepUp.
func (e *Engine) ChallengeStepUp(ctx context.Context, sessionID, methodID string) (MFAChallenge, error) {
	if e == nil || e.mfa == nil {
		return MFAChallenge{}, ErrEngineNotReady
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return MFAChallenge{}, mapSessionError(err)
	}
	ch, err := e.mfa.Challenge(ctx, sess.PrincipalID, methodID)
	if err != nil {
		mapped := e.mapMFAError(err)
		e.emitAudit(ctx, auditEventMFAChallenge, false, sess.PrincipalID, sessionID, mapped, nil)
		return MFAChallenge{}, mapped
	}
	if ch.Delivered {
		e.metricInc(MetricMFAChallengeSent)
	}
	e.emitAudit(ctx, auditEventMFAChallenge, true, sess.PrincipalID, sessionID, nil, func() map[string]string {
		return map[string]string{"method": string(ch.Kind), "reference": ch.Reference}
	})
	return ch, nil
}

// VerifyStepUp verifies a code for an existing session and marks the session
// explicitly step-up verified.
func (e *Engine) VerifyStepUp(ctx context.Context, req StepUpRequest) error {
	if e == nil || e.mfa == nil {
		return ErrEngineNotReady
	}
	sess, err := e.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return mapSessionError(err)
	}
	res, err := e.mfa.Verify(ctx, mfa.VerifyRequest{
		PrincipalID:       sess.PrincipalID,
		MethodID:          req.MethodID,
		Code:              req.Code,
		Backup:            req.Backup,
		IP:                orContext(ctx, "", clientIPFromContext),
		UserAgent:         orContext(ctx, "", userAgentFromContext),
		DeviceFingerprint: sess.DeviceFingerprint,
		SessionID:         sess.ID,
	})
	if err != nil {
		mapped := e.mapMFAError(err)
		e.mfaFailed(ctx, sess.PrincipalID, sess.ID, mapped)
		return mapped
	}
	e.metricInc(MetricMFASuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, sess.PrincipalID, sess.ID, nil, func() map[string]string {
		return map[string]string{"method": string(res.Kind), "step_up": "true"}
	})
	if res.Kind == mfa.KindBackupCodes {
		e.metricInc(MetricBackupCodeUsed)
		e.emitAudit(ctx, auditEventBackupCodeUsed, true, sess.PrincipalID, sess.ID, nil, func() map[string]string {
			return map[string]string{"remaining": strconv.Itoa(res.BackupCodesLeft)}
		})
	}
	return nil
}

/*
====================================
MFA MANAGEMENT
====================================
*/

// guardManagement admits a management call from sessionID. Once the
// principal has an enabled method, changes need a recent explicit step-up.
func (e *Engine) guardManagement(ctx context.Context, principalID, sessionID string) error {
	methods, err := e.mfa.ListMethods(ctx, principalID)
	if err != nil {
		return e.mapMFAError(err)
	}
	if len(methods) > 0 {
		_, err := e.requireExplicitStepUp(ctx, principalID, sessionID)
		return err
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return mapSessionError(err)
	}
	if sess.PrincipalID != principalID {
		return ErrSessionNotFound
	}
	return nil
}

// ListMFAMethods returns the principal's enabled methods, masked.
func (e *Engine) ListMFAMethods(ctx context.Context, principalID string) ([]MFAMethod, error) {
	if e == nil || e.mfa == nil {
		return nil, ErrEngineNotReady
	}
	views, err := e.mfa.ListViews(ctx, principalID)
	if err != nil {
		return nil, e.mapMFAError(err)
	}
	return views, nil
}

// EnrollTOTP starts authenticator enrollment. The returned secret is shown
// once; the method is unusable until ConfirmMFAEnrollment.
func (e *Engine) EnrollTOTP(ctx context.Context, principalID, sessionID, accountName, label string) (TOTPEnrollment, error) {
	if e == nil || e.mfa == nil {
		return TOTPEnrollment{}, ErrEngineNotReady
	}
	if err := e.guardManagement(ctx, principalID, sessionID); err != nil {
		return TOTPEnrollment{}, err
	}
	enrollment, err := e.mfa.EnrollTOTP(ctx, principalID, accountName, label)
	if err != nil {
		return TOTPEnrollment{}, e.mapMFAError(err)
	}
	e.emitAudit(ctx, auditEventMFAEnrollStarted, true, principalID, sessionID, nil, func() map[string]string {
		return map[string]string{"method_id": enrollment.MethodID, "method": string(mfa.KindTOTP)}
	})
	return enrollment, nil
}

// EnrollDeliveryMethod starts SMS or email enrollment and sends a
// confirmation code to destination.
func (e *Engine) EnrollDeliveryMethod(ctx context.Context, principalID, sessionID string, kind MFAKind, destination, label string) (MFAChallenge, error) {
	if e == nil || e.mfa == nil {
		return MFAChallenge{}, ErrEngineNotReady
	}
	if err := e.guardManagement(ctx, principalID, sessionID); err != nil {
		return MFAChallenge{}, err
	}
	ch, err := e.mfa.EnrollDelivery(ctx, principalID, kind, destination, label)
	if err != nil {
		return MFAChallenge{}, e.mapMFAError(err)
	}
	if ch.Delivered {
		e.metricInc(MetricMFAChallengeSent)
	}
	e.emitAudit(ctx, auditEventMFAEnrollStarted, true, principalID, sessionID, nil, func() map[string]string {
		return map[string]string{"method_id": ch.MethodID, "method": string(kind)}
	})
	return ch, nil
}

// ConfirmMFAEnrollment enables a pending method once code proves possession.
// The confirming session counts as explicitly step-up verified afterwards.
func (e *Engine) ConfirmMFAEnrollment(ctx context.Context, principalID, sessionID, methodID, code string) error {
	if e == nil || e.mfa == nil {
		return ErrEngineNotReady
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return mapSessionError(err)
	}
	if sess.PrincipalID != principalID {
		return ErrSessionNotFound
	}
	if err := e.mfa.ConfirmEnrollment(ctx, principalID, methodID, code, clientIPFromContext(ctx)); err != nil {
		mapped := e.mapMFAError(err)
		e.mfaFailed(ctx, principalID, sessionID, mapped)
		return mapped
	}
	if _, err := e.sessions.ApplyStepUp(ctx, sessionID, session.ViaExplicit); err != nil {
		e.logger.Warn("step-up after enrollment not applied", zap.String("session_id", sessionID), zap.Error(err))
	}
	e.emitAudit(ctx, auditEventMFAEnrolled, true, principalID, sessionID, nil, func() map[string]string {
		return map[string]string{"method_id": methodID}
	})
	return nil
}

// GenerateBackupCodes replaces the principal's backup codes and returns the
// new set for one-time display.
func (e *Engine) GenerateBackupCodes(ctx context.Context, principalID, sessionID string) ([]string, error) {
	if e == nil || e.mfa == nil {
		return nil, ErrEngineNotReady
	}
	if err := e.guardManagement(ctx, principalID, sessionID); err != nil {
		return nil, err
	}
	codes, err := e.mfa.GenerateBackupCodes(ctx, principalID)
	if err != nil {
		return nil, e.mapMFAError(err)
	}
	e.metricInc(MetricBackupCodesGenerated)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, principalID, sessionID, nil, func() map[string]string {
		return map[string]string{"count": strconv.Itoa(len(codes))}
	})
	return codes, nil
}

// RemoveMFAMethod disables a method. A removed primary hands primary to the
// oldest remaining method.
func (e *Engine) RemoveMFAMethod(ctx context.Context, principalID, sessionID, methodID string) error {
	if e == nil || e.mfa == nil {
		return ErrEngineNotReady
	}
	if err := e.guardManagement(ctx, principalID, sessionID); err != nil {
		return err
	}
	if err := e.mfa.DisableMethod(ctx, principalID, methodID); err != nil {
		return e.mapMFAError(err)
	}
	e.emitAudit(ctx, auditEventMFARemoved, true, principalID, sessionID, nil, func() map[string]string {
		return map[string]string{"method_id": methodID}
	})
	return nil
}

// SetPrimaryMFAMethod makes methodID the method challenged by default.
func (e *Engine) SetPrimaryMFAMethod(ctx context.Context, principalID, sessionID, methodID string) error {
	if e == nil || e.mfa == nil {
		return ErrEngineNotReady
	}
	if err := e.guardManagement(ctx, principalID, sessionID); err != nil {
		return err
	}
	if err := e.mfa.SetPrimary(ctx, principalID, methodID); err != nil {
		return e.mapMFAError(err)
	}
	e.emitAudit(ctx, auditEventMFAPrimaryChanged, true, principalID, sessionID, nil, func() map[string]string {
		return map[string]string{"method_id": methodID}
	})
	return nil
}

// HandleDeliveryStatus records the notifier's asynchronous report for an
// OTP. A failed delivery drops the outstanding code.
func (e *Engine) HandleDeliveryStatus(ctx context.Context, status DeliveryStatus) error {
	if e == nil || e.mfa == nil {
		return ErrEngineNotReady
	}
	if err := e.mfa.HandleDeliveryStatus(ctx, status); err != nil {
		return e.mapMFAError(err)
	}
	e.emitAudit(ctx, auditEventDeliveryStatus, status.Delivered, "", "", nil, func() map[string]string {
		return map[string]string{"reference": status.Reference, "detail": status.Detail}
	})
	return nil
}

/*
====================================
TRUSTED DEVICES
====================================
*/

// RegisterTrustedDevice trusts the device of sessionID. The session needs an
// explicit MFA verification within Device.RegistrationWindow. An empty
// fingerprint falls back to the context value, then to the session's.
func (e *Engine) RegisterTrustedDevice(ctx context.Context, principalID, sessionID, fingerprint, name string) (TrustedDevice, error) {
	if e == nil || e.devices == nil {
		return TrustedDevice{}, ErrEngineNotReady
	}
	fingerprint = orContext(ctx, fingerprint, fingerprintFromContext)
	if fingerprint == "" {
		sess, err := e.sessions.Get(ctx, sessionID)
		if err != nil {
			return TrustedDevice{}, mapSessionError(err)
		}
		fingerprint = sess.DeviceFingerprint
	}
	d, err := e.devices.Register(ctx, device.RegisterRequest{
		PrincipalID: principalID,
		Fingerprint: fingerprint,
		Name:        name,
		SessionID:   sessionID,
		IP:          clientIPFromContext(ctx),
		UserAgent:   userAgentFromContext(ctx),
	})
	if err != nil {
		mapped := mapDeviceError(err)
		e.emitAudit(ctx, auditEventTrustedDeviceAdded, false, principalID, sessionID, mapped, nil)
		return TrustedDevice{}, mapped
	}
	e.metricInc(MetricTrustedDeviceRegistered)
	e.emitAudit(ctx, auditEventTrustedDeviceAdded, true, principalID, sessionID, nil, func() map[string]string {
		return map[string]string{"device_id": d.ID, "trust_level": d.TrustLevel.String()}
	})
	return trustedDeviceInfo(d), nil
}

// ListTrustedDevices returns the principal's devices in every state.
func (e *Engine) ListTrustedDevices(ctx context.Context, principalID string) ([]TrustedDevice, error) {
	if e == nil || e.devices == nil {
		return nil, ErrEngineNotReady
	}
	devices, err := e.devices.List(ctx, principalID)
	if err != nil {
		return nil, mapDeviceError(err)
	}
	out := make([]TrustedDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, trustedDeviceInfo(d))
	}
	return out, nil
}

// RevokeTrustedDevice withdraws trust from one of the principal's devices.
func (e *Engine) RevokeTrustedDevice(ctx context.Context, principalID, deviceID string) error {
	if e == nil || e.devices == nil {
		return ErrEngineNotReady
	}
	if err := e.devices.Revoke(ctx, principalID, deviceID, "user_revoked"); err != nil {
		return mapDeviceError(err)
	}
	e.emitAudit(ctx, auditEventTrustedDeviceRevoked, true, principalID, "", nil, func() map[string]string {
		return map[string]string{"device_id": deviceID}
	})
	return nil
}

func trustedDeviceInfo(d device.Device) TrustedDevice {
	return TrustedDevice{
		ID:            d.ID,
		Name:          d.Name,
		TrustLevel:    d.TrustLevel.String(),
		CreatedAt:     d.CreatedAt,
		ExpiresAt:     d.ExpiresAt,
		LastUsedAt:    d.LastUsedAt,
		UseCount:      d.UseCount,
		Revoked:       d.Revoked(),
		RevokedReason: d.RevokedReason,
	}
}
