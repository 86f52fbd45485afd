package sentinel

import (
	"github.com/MrEthical07/sentinel/internal/security"
)

// SecurityReport summarizes the protections the engine enforces.
type SecurityReport = security.Report

// PasswordConfigReport is the Argon2 section of a [SecurityReport].
type PasswordConfigReport = security.PasswordReport

// SecurityReport derives a posture report from the engine's resolved
// configuration. It performs no I/O.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	cfg := e.config
	return security.BuildReport(security.ReportInput{
		ProductionMode:   cfg.ProductionMode,
		SigningAlgorithm: cfg.JWT.SigningMethod,
		ValidationMode:   cfg.ValidationMode.String(),
		StrictMode:       cfg.ValidationMode == ModeStrict,
		AccessTTL:        cfg.JWT.AccessTTL,
		RefreshTTL:       cfg.JWT.RefreshTTL,
		Password: security.PasswordReport{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		},
		MFAAlwaysRequired:       cfg.MFA.AlwaysRequire,
		MFAStepUpLevel:          cfg.MFA.StepUpLevel,
		MFAFailureLimit:         cfg.MFA.MaxFailures,
		MFAFailureWindow:        cfg.MFA.FailureWindow,
		StepUpWindow:            cfg.MFA.VerifiedWindow,
		BackupCodeCount:         cfg.MFA.BackupCodeCount,
		DeviceEnabled:           cfg.Device.Enabled,
		DeviceTrustTTL:          cfg.Device.TrustTTL,
		MaxConcurrentSessions:   cfg.Session.MaxConcurrent,
		SessionAbsoluteLifetime: cfg.Session.AbsoluteLifetime,
		LoginMaxAttempts:        cfg.Login.MaxAttempts,
		LoginWindow:             cfg.Login.Window,
		LockoutThreshold:        cfg.Login.LockoutThreshold,
		LockoutDuration:         cfg.Login.LockoutDuration,
		BlockIPFailures:         e.risk.Policy().BlockIPFailures,
		BlockPrincipalFailures:  e.risk.Policy().BlockPrincipalFailures,
		AuditEnabled:            cfg.Audit.Enabled,
		NotifierConfigured:      e.notifier != nil,
	})
}
