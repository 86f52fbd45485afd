package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EnrollTOTP creates a pending authenticator method and returns its secret
// for display. The method is enabled by ConfirmEnrollment.
func (e *Engine) EnrollTOTP(ctx context.Context, principalID, accountName, label string) (TOTPEnrollment, error) {
	if principalID == "" || accountName == "" {
		return TOTPEnrollment{}, fmt.Errorf("%w: principal and account name are required", ErrInvalidMethod)
	}
	key, err := e.cfg.TOTP.generate(accountName)
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	id := uuid.NewString()
	sealed, err := e.sealer.Seal([]byte(key.Secret()), []byte(id))
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if label == "" {
		label = "Authenticator app"
	}
	m := Method{
		ID:          id,
		PrincipalID: principalID,
		Kind:        KindTOTP,
		Label:       label,
		Secret:      sealed,
		CreatedAt:   e.clock.Now(),
	}
	if err := e.methods.CreateMethod(ctx, m); err != nil {
		return TOTPEnrollment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return TOTPEnrollment{MethodID: id, Secret: key.Secret(), URI: key.URL()}, nil
}

// EnrollDelivery creates a pending SMS or email method and sends it a
// confirmation code.
func (e *Engine) EnrollDelivery(ctx context.Context, principalID string, kind Kind, destination, label string) (Challenge, error) {
	if !kind.Delivers() {
		return Challenge{}, fmt.Errorf("%w: %s is not a delivery method", ErrInvalidMethod, kind)
	}
	destination = strings.TrimSpace(destination)
	if !validDestination(kind, destination) {
		return Challenge{}, ErrInvalidDestination
	}
	m := Method{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Kind:        kind,
		Label:       label,
		Destination: destination,
		CreatedAt:   e.clock.Now(),
	}
	if err := e.methods.CreateMethod(ctx, m); err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return e.challenge(ctx, m)
}

// ConfirmEnrollment enables a pending method once the principal proves
// possession with a code. The first confirmed method becomes primary.
func (e *Engine) ConfirmEnrollment(ctx context.Context, principalID, methodID, code, ip string) error {
	now := e.clock.Now()
	req := VerifyRequest{PrincipalID: principalID, MethodID: methodID, Code: code, IP: ip}

	slot, err := e.reserve(ctx, req, now)
	if err != nil {
		return err
	}

	m, err := e.methods.GetMethod(ctx, principalID, methodID)
	if err != nil {
		if errors.Is(err, ErrMethodNotFound) {
			return e.fail(ctx, req, Method{ID: methodID}, ReasonMethodNotFound, slot, now)
		}
		e.release(ctx, req, slot)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !m.Pending() || m.Kind == KindBackupCodes {
		return e.fail(ctx, req, m, ReasonMethodDisabled, slot, now)
	}

	reason, _, err := e.check(ctx, m, req, now)
	if err != nil {
		e.release(ctx, req, slot)
		return err
	}
	if reason != ReasonNone {
		return e.fail(ctx, req, m, reason, slot, now)
	}

	if err := e.methods.EnableMethod(ctx, principalID, methodID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.limiter.Reset(ctx, principalID, ip); err != nil {
		e.logger.Warn("mfa limiter reset failed", zap.String("principal_id", principalID), zap.Error(err))
	}
	e.appendAttempt(ctx, req, m, true, ReasonNone, now)

	enabled, err := e.ListMethods(ctx, principalID)
	if err != nil {
		return err
	}
	for _, other := range enabled {
		if other.Primary {
			return nil
		}
	}
	if err := e.methods.SetPrimary(ctx, principalID, methodID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GenerateBackupCodes replaces the principal's backup codes and returns the
// new set for one-time display. The backup method is created on first use.
func (e *Engine) GenerateBackupCodes(ctx context.Context, principalID string) ([]string, error) {
	all, err := e.methods.ListMethods(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var backup *Method
	hasOther := false
	for i := range all {
		switch {
		case all[i].Kind == KindBackupCodes && all[i].Enabled:
			backup = &all[i]
		case all[i].Enabled:
			hasOther = true
		}
	}
	if !hasOther {
		return nil, ErrNoMethods
	}

	if backup == nil {
		m := Method{
			ID:          uuid.NewString(),
			PrincipalID: principalID,
			Kind:        KindBackupCodes,
			Label:       "Backup codes",
			Enabled:     true,
			CreatedAt:   e.clock.Now(),
		}
		if err := e.methods.CreateMethod(ctx, m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		backup = &m
	}

	codes, hashes, err := newBackupCodes(principalID, e.cfg.BackupCodeCount, e.cfg.BackupCodeLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.methods.ReplaceBackupCodes(ctx, backup.ID, hashes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.logger.Info("backup codes generated", zap.String("principal_id", principalID))
	return codes, nil
}

// DisableMethod disables a method. When it was primary, the oldest remaining
// non-backup method is promoted.
func (e *Engine) DisableMethod(ctx context.Context, principalID, methodID string) error {
	m, err := e.methods.GetMethod(ctx, principalID, methodID)
	if err != nil {
		if errors.Is(err, ErrMethodNotFound) {
			return ErrMethodNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !m.Enabled && !m.Pending() {
		return nil
	}
	if err := e.methods.DisableMethod(ctx, principalID, methodID, e.clock.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !m.Primary {
		return nil
	}

	remaining, err := e.ListMethods(ctx, principalID)
	if err != nil {
		return err
	}
	for _, other := range remaining {
		if other.Kind != KindBackupCodes {
			if err := e.methods.SetPrimary(ctx, principalID, other.ID); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			return nil
		}
	}
	return nil
}

// SetPrimary makes an enabled, non-backup method the principal's primary.
func (e *Engine) SetPrimary(ctx context.Context, principalID, methodID string) error {
	m, err := e.methods.GetMethod(ctx, principalID, methodID)
	if err != nil {
		if errors.Is(err, ErrMethodNotFound) {
			return ErrMethodNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !m.Enabled || m.Kind == KindBackupCodes {
		return ErrInvalidMethod
	}
	if err := e.methods.SetPrimary(ctx, principalID, methodID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
