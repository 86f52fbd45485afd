package sentinel

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel/internal/useragent"
	"github.com/MrEthical07/sentinel/risk"
)

// Session revocation reasons.
const (
	RevokeReasonLogout         = "logout"
	RevokeReasonLogoutAll      = "logout_all"
	RevokeReasonByOwner        = "revoked_by_principal"
	RevokeReasonSessionMissing = "session_missing"
)

// Logout ends the session of accessToken, or every session of its principal
// when allDevices is set. The access token itself is denylisted. Logging out
// twice with the same token succeeds.
func (e *Engine) Logout(ctx context.Context, accessToken string, allDevices bool) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}
	claims, err := e.tokens.ParseAccess(accessToken)
	if err != nil {
		return mapTokenError(err)
	}

	if err := e.tokens.RevokeToken(ctx, claims.JTI, claims.ExpiresAt); err != nil {
		return mapTokenError(err)
	}

	if allDevices {
		n, err := e.sessions.RevokeAllForPrincipal(ctx, claims.PrincipalID, "", RevokeReasonLogoutAll)
		if err != nil {
			return mapSessionError(err)
		}
		if err := e.tokens.RevokeFamily(ctx, claims.FamilyID, RevokeReasonLogoutAll); err != nil {
			return mapTokenError(err)
		}
		e.metricInc(MetricLogoutAll)
		e.emitAudit(ctx, auditEventLogoutAll, true, claims.PrincipalID, claims.SessionID, nil, func() map[string]string {
			return map[string]string{"sessions": strconv.Itoa(n)}
		})
		return nil
	}

	if err := e.sessions.Revoke(ctx, claims.SessionID, RevokeReasonLogout); err != nil {
		return mapSessionError(err)
	}
	// The session may already be gone; the family still has to die.
	if err := e.tokens.RevokeFamily(ctx, claims.FamilyID, RevokeReasonLogout); err != nil {
		return mapTokenError(err)
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, claims.PrincipalID, claims.SessionID, nil, nil)
	return nil
}

// ListSessions returns the principal's live sessions, most recently used
// first. currentSessionID marks the caller's own session.
func (e *Engine) ListSessions(ctx context.Context, principalID, currentSessionID string) ([]SessionInfo, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	sessions, err := e.sessions.ListForPrincipal(ctx, principalID)
	if err != nil {
		return nil, mapSessionError(err)
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := SessionInfo{
			ID:           s.ID,
			CreatedAt:    s.CreatedAt,
			LastAccessAt: s.LastAccessAt,
			ExpiresAt:    s.ExpiresAt,
			IP:           s.IP,
			Device:       useragent.Label(s.UserAgent),
			MFAVerified:  s.MFAVerified,
			Suspicious:   s.Suspicious,
			Current:      s.ID == currentSessionID,
		}
		if s.MFAVerified {
			info.StepUpVia = s.StepUpVia.String()
		}
		out = append(out, info)
	}
	return out, nil
}

// RevokeSession ends one of the principal's sessions. A session owned by
// someone else reads as ErrSessionNotFound.
func (e *Engine) RevokeSession(ctx context.Context, principalID, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return mapSessionError(err)
	}
	if sess.PrincipalID != principalID {
		return ErrSessionNotFound
	}
	if err := e.sessions.Revoke(ctx, sessionID, RevokeReasonByOwner); err != nil {
		return mapSessionError(err)
	}

	if _, _, err := e.risk.Record(ctx, risk.Event{
		Type:        risk.EventSessionRevoked,
		PrincipalID: principalID,
		IP:          clientIPFromContext(ctx),
		UserAgent:   userAgentFromContext(ctx),
		At:          e.now(),
		Metadata:    map[string]string{"session_id": sessionID},
	}); err != nil {
		e.logger.Warn("risk event not recorded", zap.String("event_type", string(risk.EventSessionRevoked)), zap.Error(err))
	}
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventSessionRevoked, true, principalID, sessionID, nil, nil)
	return nil
}
