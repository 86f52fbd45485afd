package sentinel

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel/device"
	"github.com/MrEthical07/sentinel/internal"
	"github.com/MrEthical07/sentinel/internal/limiters"
	"github.com/MrEthical07/sentinel/internal/stores"
	"github.com/MrEthical07/sentinel/mfa"
	"github.com/MrEthical07/sentinel/risk"
	"github.com/MrEthical07/sentinel/scope"
	"github.com/MrEthical07/sentinel/session"
	"github.com/MrEthical07/sentinel/token"
)

// Step-up reasons reported in LoginResult.StepUpReason.
const (
	StepUpReasonPolicy       = "policy"
	StepUpReasonRiskLevel    = "risk_level"
	StepUpReasonUnfamiliarIP = "unfamiliar_ip"
)

const pendingTicketBytes = 32

// stepUpInput is everything decideStepUp looks at.
type stepUpInput struct {
	AlwaysRequire bool
	Threshold     risk.Level
	Level         risk.Level
	KnownIP       bool
	HasMethods    bool
}

// stepUpDecision is the outcome of decideStepUp. DeviceBypass reports
// whether a trusted device may satisfy the step-up.
type stepUpDecision struct {
	State        LoginState
	Reason       string
	DeviceBypass bool
}

// decideStepUp maps primary-authentication context to the next login state.
// A principal without methods cannot be challenged and is authenticated.
// High and critical risk is never bypassed by a trusted device.
func decideStepUp(in stepUpInput) stepUpDecision {
	if !in.HasMethods {
		return stepUpDecision{State: LoginAuthenticated}
	}
	bypass := in.Level < risk.LevelHigh
	switch {
	case in.AlwaysRequire:
		return stepUpDecision{State: LoginMFARequired, Reason: StepUpReasonPolicy, DeviceBypass: bypass}
	case in.Level >= in.Threshold:
		return stepUpDecision{State: LoginMFARequired, Reason: StepUpReasonRiskLevel, DeviceBypass: bypass}
	case !in.KnownIP:
		return stepUpDecision{State: LoginMFARequired, Reason: StepUpReasonUnfamiliarIP, DeviceBypass: bypass}
	default:
		return stepUpDecision{State: LoginAuthenticated}
	}
}

// Login runs primary authentication. It returns either an authenticated
// result carrying tokens or an mfa_required result carrying a pending ticket
// and the principal's masked methods.
//
// Unknown emails and wrong passwords both return ErrInvalidCredentials.
// Throttling returns ErrRateLimited, lockouts ErrAccountLocked, both wrapped
// in a [RetryAfterError].
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if e == nil || e.creds == nil || e.passwords == nil {
		return nil, ErrEngineNotReady
	}
	client := resolveClient(ctx, req.IP, req.UserAgent, req.DeviceFingerprint)
	ctx = withClient(ctx, client)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	now := e.now()

	if retryAt, err := e.loginLimiter.Check(ctx, email, client.IP); err != nil {
		if !errors.Is(err, limiters.ErrLoginRateLimited) {
			return nil, unavailable(err)
		}
		limited := retryAfter(ErrRateLimited, retryAt, now)
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEventLoginRateLimited, false, "", "", limited, func() map[string]string {
			return map[string]string{"identifier": email}
		})
		return nil, limited
	}

	if email == "" || req.Password == "" {
		e.loginFailed(ctx, email, Principal{}, client, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	principal, err := e.creds.FindPrincipalByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrPrincipalNotFound) {
			return nil, mapCredentialError(err)
		}
		// Same Argon2 cost as a real verification.
		_, _ = e.passwords.Verify(req.Password, e.dummyHash)
		e.loginFailed(ctx, email, Principal{}, client, ErrPrincipalNotFound)
		return nil, ErrInvalidCredentials
	}

	block, err := e.risk.ShouldBlock(ctx, principal.ID, client.IP)
	if err != nil {
		e.logger.Warn("risk pre-filter unavailable", zap.String("principal_id", principal.ID), zap.Error(err))
	} else if block.Blocked {
		blocked := &RetryAfterError{Err: ErrRiskBlocked, After: block.RetryAfter(now)}
		e.metricInc(MetricLoginRiskBlocked)
		e.emitAudit(ctx, auditEventLoginBlocked, false, principal.ID, "", blocked, func() map[string]string {
			return map[string]string{"reason": block.Reason}
		})
		return nil, blocked
	}

	lockedUntil, locked, err := e.creds.IsLocked(ctx, principal.ID, now)
	if err != nil {
		return nil, mapCredentialError(err)
	}
	if locked {
		lockErr := retryAfter(ErrAccountLocked, lockedUntil, now)
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, auditEventLoginFailure, false, principal.ID, "", lockErr, nil)
		return nil, lockErr
	}

	ok, err := e.passwords.Verify(req.Password, principal.CredentialHash)
	if err != nil {
		e.logger.Debug("credential verification rejected input", zap.String("principal_id", principal.ID), zap.Error(err))
	}
	if !ok {
		return nil, e.wrongPassword(ctx, email, principal, client, now)
	}

	if principal.Status != PrincipalActive {
		e.loginFailed(ctx, email, principal, client, ErrAccountNotActive)
		return nil, ErrAccountNotActive
	}

	if err := e.creds.RecordSuccessfulAttempt(ctx, principal.ID, now); err != nil {
		e.logger.Warn("clearing failed attempts failed", zap.String("principal_id", principal.ID), zap.Error(err))
	}
	if err := e.loginLimiter.Reset(ctx, email); err != nil {
		e.logger.Warn("login limiter reset failed", zap.Error(err))
	}
	e.upgradeCredentialHash(ctx, principal, req.Password)

	ev := risk.Event{
		Type:          risk.EventPrimaryVerified,
		PrincipalID:   principal.ID,
		IP:            client.IP,
		UserAgent:     client.UserAgent,
		AccountStatus: principal.Status.String(),
		At:            now,
	}
	knownIP := false
	if snap, err := e.risk.Snapshot(ctx, ev); err != nil {
		e.logger.Warn("risk snapshot unavailable, treating ip as unfamiliar", zap.String("principal_id", principal.ID), zap.Error(err))
	} else {
		knownIP = snap.Principal.KnownIP
	}
	_, assessment, err := e.risk.Record(ctx, ev)
	if err != nil {
		e.logger.Warn("risk event not recorded", zap.String("principal_id", principal.ID), zap.Error(err))
	}
	if assessment.Blocked {
		e.metricInc(MetricLoginRiskBlocked)
		e.emitAudit(ctx, auditEventLoginBlocked, false, principal.ID, "", ErrRiskBlocked, func() map[string]string {
			return map[string]string{"score": strconv.Itoa(assessment.Score)}
		})
		return nil, ErrRiskBlocked
	}

	methods, err := e.mfa.ListViews(ctx, principal.ID)
	if err != nil {
		return nil, e.mapMFAError(err)
	}

	decision := decideStepUp(stepUpInput{
		AlwaysRequire: e.config.MFA.AlwaysRequire,
		Threshold:     e.stepUpThreshold(),
		Level:         assessment.Level,
		KnownIP:       knownIP,
		HasMethods:    len(methods) > 0,
	})

	if decision.State == LoginAuthenticated {
		return e.establish(ctx, principal, client, session.ViaNone, assessment.Score)
	}

	if decision.DeviceBypass && e.devices != nil && client.Fingerprint != "" {
		trusted, err := e.devices.Evaluate(ctx, device.EvaluateRequest{
			PrincipalID: principal.ID,
			Fingerprint: client.Fingerprint,
			IP:          client.IP,
			UserAgent:   client.UserAgent,
		})
		if err != nil {
			e.logger.Warn("trusted device check unavailable", zap.String("principal_id", principal.ID), zap.Error(err))
		}
		if trusted.Trusted {
			e.metricInc(MetricTrustedDeviceBypass)
			e.emitAudit(ctx, auditEventTrustedDeviceBypass, true, principal.ID, "", nil, func() map[string]string {
				return map[string]string{"device_id": trusted.DeviceID, "step_up_reason": decision.Reason}
			})
			return e.establish(ctx, principal, client, session.ViaTrustedDevice, assessment.Score)
		}
		if trusted.Reason != device.ReasonNotRegistered && trusted.Reason != device.ReasonNoFingerprint {
			e.metricInc(MetricTrustedDeviceDenied)
			e.emitAudit(ctx, auditEventTrustedDeviceDenied, false, principal.ID, "", nil, func() map[string]string {
				return map[string]string{"device_id": trusted.DeviceID, "reason": string(trusted.Reason)}
			})
		}
	}

	return e.requireMFA(ctx, principal, client, decision, assessment, methods)
}

// stepUpThreshold is the risk level from which login requires MFA. An empty
// setting leaves it to high.
func (e *Engine) stepUpThreshold() risk.Level {
	if e.config.MFA.StepUpLevel == "" {
		return risk.LevelHigh
	}
	return risk.ParseLevel(e.config.MFA.StepUpLevel)
}

func (e *Engine) requireMFA(
	ctx context.Context,
	principal Principal,
	client clientInfo,
	decision stepUpDecision,
	assessment risk.Assessment,
	methods []MFAMethod,
) (*LoginResult, error) {
	ticket, err := internal.NewOpaqueToken(pendingTicketBytes)
	if err != nil {
		return nil, unavailable(err)
	}
	expiresAt := e.now().Add(e.config.MFA.PendingLoginTTL)
	err = e.pending.Save(ctx, ticket, &stores.PendingLogin{
		PrincipalID:       principal.ID,
		IP:                client.IP,
		UserAgent:         client.UserAgent,
		DeviceFingerprint: client.Fingerprint,
		RiskScore:         uint8(clampScore(assessment.Score)),
		ExpiresAt:         expiresAt.UnixMilli(),
	})
	if err != nil {
		return nil, unavailable(err)
	}

	e.metricInc(MetricMFARequired)
	e.emitAudit(ctx, auditEventMFARequired, true, principal.ID, "", nil, func() map[string]string {
		return map[string]string{
			"step_up_reason": decision.Reason,
			"risk_level":     assessment.Level.String(),
		}
	})
	return &LoginResult{
		State:            LoginMFARequired,
		PrincipalID:      principal.ID,
		PendingToken:     ticket,
		PendingExpiresAt: expiresAt,
		Methods:          methods,
		StepUpReason:     decision.Reason,
		RiskScore:        assessment.Score,
		RiskLevel:        assessment.Level.String(),
	}, nil
}

// wrongPassword records a failed password and reports a lockout when this
// failure crossed the threshold.
func (e *Engine) wrongPassword(ctx context.Context, email string, principal Principal, client clientInfo, now time.Time) error {
	updated, err := e.creds.RecordFailedAttempt(ctx, principal.ID, LockoutPolicy{
		Threshold: e.config.Login.LockoutThreshold,
		Duration:  e.config.Login.LockoutDuration,
	}, now)
	if err != nil {
		e.logger.Warn("recording failed attempt failed", zap.String("principal_id", principal.ID), zap.Error(err))
	}
	if err == nil && updated.Locked(now) {
		e.loginFailed(ctx, email, principal, client, ErrAccountLocked)
		e.metricInc(MetricLoginLocked)
		return retryAfter(ErrAccountLocked, updated.LockedUntil, now)
	}
	e.loginFailed(ctx, email, principal, client, ErrInvalidCredentials)
	return ErrInvalidCredentials
}

// loginFailed feeds a failed primary authentication to the limiter, the risk
// log, metrics and audit. cause is the internal reason.
func (e *Engine) loginFailed(ctx context.Context, email string, principal Principal, client clientInfo, cause error) {
	if err := e.loginLimiter.RecordFailure(ctx, email, client.IP); err != nil {
		e.logger.Warn("login limiter update failed", zap.Error(err))
	}
	ev := risk.Event{
		Type:        risk.EventLoginFailure,
		PrincipalID: principal.ID,
		IP:          client.IP,
		UserAgent:   client.UserAgent,
		At:          e.now(),
	}
	if principal.Status != 0 {
		ev.AccountStatus = principal.Status.String()
	}
	if _, _, err := e.risk.Record(ctx, ev); err != nil {
		e.logger.Warn("risk event not recorded", zap.String("event_type", string(ev.Type)), zap.Error(err))
	}
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, principal.ID, "", cause, func() map[string]string {
		return map[string]string{"identifier": email}
	})
}

// upgradeCredentialHash rehashes the password under the current Argon2
// parameters. Failures only log.
func (e *Engine) upgradeCredentialHash(ctx context.Context, principal Principal, password string) {
	if !e.config.Password.UpgradeOnLogin || e.credUpdater == nil {
		return
	}
	needs, err := e.passwords.NeedsUpgrade(principal.CredentialHash)
	if err != nil || !needs {
		return
	}
	hash, err := e.passwords.Hash(password)
	if err != nil {
		e.logger.Warn("credential rehash failed", zap.String("principal_id", principal.ID), zap.Error(err))
		return
	}
	if err := e.credUpdater.UpdateCredentialHash(ctx, principal.ID, hash); err != nil {
		e.logger.Warn("credential hash update failed", zap.String("principal_id", principal.ID), zap.Error(err))
		return
	}
	e.emitAudit(ctx, auditEventCredentialHashUpgraded, true, principal.ID, "", nil, nil)
}

// ChallengeMFA starts a challenge for a pending login. SMS and email methods
// get a fresh code queued for delivery; TOTP and backup codes need nothing.
func (e *Engine) ChallengeMFA(ctx context.Context, pendingToken, methodID string) (MFAChallenge, error) {
	if e == nil || e.mfa == nil {
		return MFAChallenge{}, ErrEngineNotReady
	}
	rec, err := e.pendingLogin(ctx, pendingToken)
	if err != nil {
		return MFAChallenge{}, err
	}
	ch, err := e.mfa.Challenge(ctx, rec.PrincipalID, methodID)
	if err != nil {
		mapped := e.mapMFAError(err)
		e.emitAudit(ctx, auditEventMFAChallenge, false, rec.PrincipalID, "", mapped, nil)
		return MFAChallenge{}, mapped
	}
	if ch.Delivered {
		e.metricInc(MetricMFAChallengeSent)
	}
	e.emitAudit(ctx, auditEventMFAChallenge, true, rec.PrincipalID, "", nil, func() map[string]string {
		return map[string]string{"method": string(ch.Kind), "reference": ch.Reference}
	})
	return ch, nil
}

// VerifyMFA completes a pending login. Every verification failure returns
// ErrMFAVerificationFailed; the exhausted (principal, IP) window returns
// ErrRateLimited whatever the code. The ticket is single use and dies after
// MFA.PendingLoginMaxAttempts failures.
func (e *Engine) VerifyMFA(ctx context.Context, req VerifyMFARequest) (*LoginResult, error) {
	if e == nil || e.mfa == nil {
		return nil, ErrEngineNotReady
	}
	rec, err := e.pendingLogin(ctx, req.PendingToken)
	if err != nil {
		return nil, err
	}
	client := resolveClient(ctx, req.IP, req.UserAgent, rec.DeviceFingerprint)
	if client.IP == "" {
		client.IP = rec.IP
	}
	if client.UserAgent == "" {
		client.UserAgent = rec.UserAgent
	}
	ctx = withClient(ctx, client)

	res, err := e.mfa.Verify(ctx, mfa.VerifyRequest{
		PrincipalID:       rec.PrincipalID,
		MethodID:          req.MethodID,
		Code:              req.Code,
		Backup:            req.Backup,
		IP:                client.IP,
		UserAgent:         client.UserAgent,
		DeviceFingerprint: rec.DeviceFingerprint,
	})
	if err != nil {
		mapped := e.mapMFAError(err)
		e.mfaFailed(ctx, rec.PrincipalID, "", mapped)
		if errors.Is(mapped, ErrMFAVerificationFailed) {
			if perr := e.pending.RecordFailure(ctx, req.PendingToken, e.config.MFA.PendingLoginMaxAttempts); perr != nil &&
				!errors.Is(perr, stores.ErrPendingLoginExceeded) && !errors.Is(perr, stores.ErrPendingLoginExpired) {
				e.logger.Warn("pending login failure not recorded", zap.String("principal_id", rec.PrincipalID), zap.Error(perr))
			}
		}
		return nil, mapped
	}

	if _, err := e.pending.Consume(ctx, req.PendingToken); err != nil {
		if errors.Is(err, stores.ErrPendingLoginBackend) {
			return nil, unavailable(err)
		}
		// Another request completed this ticket first.
		return nil, classify(ErrMFAVerificationFailed, err)
	}

	principal, err := e.creds.GetPrincipalByID(ctx, rec.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, mapCredentialError(err)
	}
	if principal.Status != PrincipalActive {
		e.emitAudit(ctx, auditEventLoginFailure, false, principal.ID, "", ErrAccountNotActive, nil)
		return nil, ErrAccountNotActive
	}

	e.metricInc(MetricMFASuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, principal.ID, "", nil, func() map[string]string {
		return map[string]string{"method": string(res.Kind)}
	})
	if res.Kind == mfa.KindBackupCodes {
		e.metricInc(MetricBackupCodeUsed)
		e.emitAudit(ctx, auditEventBackupCodeUsed, true, principal.ID, "", nil, func() map[string]string {
			return map[string]string{"remaining": strconv.Itoa(res.BackupCodesLeft)}
		})
	}

	result, err := e.establish(ctx, principal, client, session.ViaExplicit, int(rec.RiskScore))
	if err != nil {
		return nil, err
	}

	if req.TrustDevice && e.devices != nil && client.Fingerprint != "" {
		d, err := e.devices.Register(ctx, device.RegisterRequest{
			PrincipalID: principal.ID,
			Fingerprint: client.Fingerprint,
			Name:        req.DeviceName,
			SessionID:   result.SessionID,
			IP:          client.IP,
			UserAgent:   client.UserAgent,
		})
		if err != nil {
			e.logger.Warn("trusted device registration failed", zap.String("principal_id", principal.ID), zap.Error(err))
		} else {
			result.TrustedDeviceID = d.ID
			e.metricInc(MetricTrustedDeviceRegistered)
			e.emitAudit(ctx, auditEventTrustedDeviceAdded, true, principal.ID, result.SessionID, nil, func() map[string]string {
				return map[string]string{"device_id": d.ID}
			})
		}
	}
	return result, nil
}

func (e *Engine) pendingLogin(ctx context.Context, ticket string) (*stores.PendingLogin, error) {
	if ticket == "" {
		return nil, ErrMFAVerificationFailed
	}
	rec, err := e.pending.Get(ctx, ticket)
	if err != nil {
		if errors.Is(err, stores.ErrPendingLoginBackend) {
			return nil, unavailable(err)
		}
		return nil, classify(ErrMFAVerificationFailed, err)
	}
	return rec, nil
}

func (e *Engine) mfaFailed(ctx context.Context, principalID, sessionID string, err error) {
	switch {
	case errors.Is(err, ErrRateLimited):
		e.metricInc(MetricMFARateLimited)
		e.emitAudit(ctx, auditEventMFARateLimited, false, principalID, sessionID, err, nil)
		return
	case mfa.ReasonOf(err) == mfa.ReasonReplay:
		e.metricInc(MetricMFAReplay)
	}
	e.metricInc(MetricMFAFailure)
	e.emitAudit(ctx, auditEventMFAFailure, false, principalID, sessionID, err, nil)
}

// establish creates the session and its token family. via records how
// step-up was satisfied, ViaNone when it was not needed.
func (e *Engine) establish(ctx context.Context, principal Principal, client clientInfo, via session.StepUpVia, riskScore int) (*LoginResult, error) {
	now := e.now()
	mask := e.grantedScopes(principal)
	level := e.risk.Policy().LevelFor(riskScore)

	sess := &session.Session{
		PrincipalID:       principal.ID,
		DeviceFingerprint: client.Fingerprint,
		IP:                client.IP,
		UserAgent:         client.UserAgent,
		Scopes:            mask,
		RiskScore:         clampScore(riskScore),
		Suspicious:        level >= risk.LevelHigh,
	}
	if via != session.ViaNone {
		*sess = session.MarkStepUpComplete(*sess, via, now)
	}

	sid, err := e.sessions.Create(ctx, sess)
	if err != nil {
		if sid == "" {
			return nil, mapSessionError(err)
		}
		e.logger.Warn("session limit enforcement failed", zap.String("principal_id", principal.ID), zap.Error(err))
	}

	pair, err := e.tokens.Issue(ctx, token.IssueRequest{
		PrincipalID: principal.ID,
		SessionID:   sid,
		Scope:       e.scopes.Format(mask),
	})
	if err != nil {
		if derr := e.sessions.Delete(ctx, sid); derr != nil {
			e.logger.Warn("orphan session cleanup failed", zap.String("session_id", sid), zap.Error(derr))
		}
		return nil, mapTokenError(err)
	}
	if _, err := e.sessions.BindFamily(ctx, sid, pair.FamilyID); err != nil {
		if rerr := e.tokens.RevokeFamily(ctx, pair.FamilyID, "session_bind_failed"); rerr != nil {
			e.logger.Warn("family cleanup failed", zap.String("family_id", pair.FamilyID), zap.Error(rerr))
		}
		return nil, mapSessionError(err)
	}

	if _, _, err := e.risk.Record(ctx, risk.Event{
		Type:          risk.EventLoginSuccess,
		PrincipalID:   principal.ID,
		IP:            client.IP,
		UserAgent:     client.UserAgent,
		AccountStatus: principal.Status.String(),
		At:            now,
	}); err != nil {
		e.logger.Warn("risk event not recorded", zap.String("event_type", string(risk.EventLoginSuccess)), zap.Error(err))
	}

	e.metricInc(MetricLoginSuccess)
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventLoginSuccess, true, principal.ID, sid, nil, func() map[string]string {
		return map[string]string{"step_up_via": via.String()}
	})

	result := &LoginResult{
		State:            LoginAuthenticated,
		PrincipalID:      principal.ID,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		SessionID:        sid,
		RiskScore:        riskScore,
		RiskLevel:        level.String(),
	}
	if via != session.ViaNone {
		result.StepUpVia = via.String()
	}
	return result, nil
}

// grantedScopes encodes the principal's scopes, dropping names the registry
// does not know.
func (e *Engine) grantedScopes(principal Principal) scope.Mask {
	var mask scope.Mask
	for _, name := range principal.Scopes {
		m, err := e.scopes.Encode([]string{name})
		if err != nil {
			e.logger.Warn("dropping unregistered scope", zap.String("principal_id", principal.ID), zap.String("scope", name))
			continue
		}
		mask |= m
	}
	return mask
}

func clampScore(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
