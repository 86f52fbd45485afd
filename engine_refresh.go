package sentinel

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel/session"
	"github.com/MrEthical07/sentinel/token"
)

// Refresh rotates a refresh token. Presenting a token that was already
// rotated revokes the whole family and returns ErrTokenFamilyCompromised;
// the legitimate holder's newer token stops working too.
func (e *Engine) Refresh(ctx context.Context, req RefreshRequest) (*TokenPair, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	client := resolveClient(ctx, req.IP, req.UserAgent, "")
	ctx = withClient(ctx, client)

	claims, err := e.tokens.ParseRefresh(req.RefreshToken)
	if err != nil {
		mapped := mapTokenError(err)
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", mapped, nil)
		return nil, mapped
	}

	sess, err := e.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		mapped := mapSessionError(err)
		if errors.Is(mapped, ErrSessionNotFound) {
			if rerr := e.tokens.RevokeFamily(ctx, claims.FamilyID, RevokeReasonSessionMissing); rerr != nil {
				e.logger.Warn("family revoke for missing session failed", zap.String("family_id", claims.FamilyID), zap.Error(rerr))
			}
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.PrincipalID, claims.SessionID, mapped, nil)
		}
		return nil, mapped
	}
	if sess.PrincipalID != claims.PrincipalID {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.PrincipalID, claims.SessionID, ErrTokenInvalid, nil)
		return nil, ErrTokenInvalid
	}

	pair, err := e.tokens.RotateRefresh(ctx, req.RefreshToken, token.RequestInfo{IP: client.IP, UserAgent: client.UserAgent})
	if err != nil {
		mapped := mapTokenError(err)
		if errors.Is(mapped, ErrTokenFamilyCompromised) {
			e.metricInc(MetricRefreshReuseDetected)
			e.logger.Warn("refresh token reuse detected",
				zap.String("principal_id", claims.PrincipalID),
				zap.String("family_id", claims.FamilyID),
				zap.String("ip", client.IP),
			)
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, claims.PrincipalID, claims.SessionID, mapped, func() map[string]string {
				return map[string]string{"family_id": claims.FamilyID}
			})
			return nil, mapped
		}
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.PrincipalID, claims.SessionID, mapped, nil)
		return nil, mapped
	}

	if _, err := e.sessions.Touch(ctx, pair.SessionID, session.TouchFields{IP: client.IP, UserAgent: client.UserAgent}); err != nil {
		e.logger.Warn("session touch after refresh failed", zap.String("session_id", pair.SessionID), zap.Error(err))
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, pair.PrincipalID, pair.SessionID, nil, nil)
	return &TokenPair{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		SessionID:        pair.SessionID,
	}, nil
}

// Validate checks an access token. ModeJWTOnly verifies the signature and
// the O(1) denylist; ModeStrict also loads the session so idle expiry,
// eviction and step-up state apply immediately. ModeInherit uses the
// configured mode.
func (e *Engine) Validate(ctx context.Context, accessToken string, mode RouteMode) (*AuthResult, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()
	}

	if mode == ModeInherit {
		mode = e.config.ValidationMode
	}
	if mode != ModeJWTOnly && mode != ModeStrict {
		return nil, ErrInvalidRouteMode
	}

	claims, err := e.tokens.ValidateAccess(ctx, accessToken)
	if err != nil {
		return nil, mapTokenError(err)
	}
	mask, err := e.scopes.Parse(claims.Scope)
	if err != nil {
		return nil, classify(ErrTokenInvalid, err)
	}
	result := &AuthResult{
		PrincipalID: claims.PrincipalID,
		SessionID:   claims.SessionID,
		FamilyID:    claims.FamilyID,
		TokenID:     claims.JTI,
		Scopes:      e.scopes.Names(mask),
		ExpiresAt:   claims.ExpiresAt,
	}
	if mode == ModeJWTOnly {
		return result, nil
	}

	sess, err := e.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, mapSessionError(err)
	}
	if sess.PrincipalID != claims.PrincipalID || sess.FamilyID != claims.FamilyID {
		return nil, ErrTokenRevoked
	}
	if sess.MFAVerified {
		result.StepUpAt = sess.MFAVerifiedAt
	}
	return result, nil
}

// RequireRecentStepUp returns ErrMFARequired unless the session completed
// step-up, explicitly or through a trusted device, within the MFA verified
// window.
func (e *Engine) RequireRecentStepUp(ctx context.Context, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return mapSessionError(err)
	}
	if session.StepUpFresh(*sess, e.now(), e.mfa.VerifiedWindow()) {
		return nil
	}
	e.emitAudit(ctx, auditEventStepUpRequired, false, sess.PrincipalID, sessionID, ErrMFARequired, nil)
	return ErrMFARequired
}

// requireExplicitStepUp guards credential management: the session must
// belong to principalID and have answered an MFA challenge recently.
func (e *Engine) requireExplicitStepUp(ctx context.Context, principalID, sessionID string) (*session.Session, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, mapSessionError(err)
	}
	if sess.PrincipalID != principalID {
		return nil, ErrSessionNotFound
	}
	if !session.ExplicitStepUpWithin(*sess, e.now(), e.mfa.VerifiedWindow()) {
		e.emitAudit(ctx, auditEventStepUpRequired, false, principalID, sessionID, ErrMFARequired, nil)
		return nil, ErrMFARequired
	}
	return sess, nil
}
