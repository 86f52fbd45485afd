package security

import "time"

type PasswordReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Report summarizes which protections a running engine enforces.
type Report struct {
	ProductionMode          bool
	SigningAlgorithm        string
	ValidationMode          string
	StrictMode              bool
	AccessTTL               time.Duration
	RefreshTTL              time.Duration
	Argon2                  PasswordReport
	MFAAlwaysRequired       bool
	MFAStepUpLevel          string
	MFAFailureLimit         int
	MFAFailureWindow        time.Duration
	StepUpWindow            time.Duration
	BackupCodesEnabled      bool
	TrustedDevicesEnabled   bool
	TrustedDeviceTTL        time.Duration
	RefreshReuseDetection   bool
	SessionCapsActive       bool
	MaxConcurrentSessions   int
	SessionAbsoluteLifetime time.Duration
	RateLimitingActive      bool
	LockoutActive           bool
	RiskBlockingActive      bool
	AuditEnabled            bool
	NotifierConfigured      bool
}

type ReportInput struct {
	ProductionMode          bool
	SigningAlgorithm        string
	ValidationMode          string
	StrictMode              bool
	AccessTTL               time.Duration
	RefreshTTL              time.Duration
	Password                PasswordReport
	MFAAlwaysRequired       bool
	MFAStepUpLevel          string
	MFAFailureLimit         int
	MFAFailureWindow        time.Duration
	StepUpWindow            time.Duration
	BackupCodeCount         int
	DeviceEnabled           bool
	DeviceTrustTTL          time.Duration
	MaxConcurrentSessions   int
	SessionAbsoluteLifetime time.Duration
	LoginMaxAttempts        int
	LoginWindow             time.Duration
	LockoutThreshold        int
	LockoutDuration         time.Duration
	BlockIPFailures         int
	BlockPrincipalFailures  int
	AuditEnabled            bool
	NotifierConfigured      bool
}

func BuildReport(input ReportInput) Report {
	return Report{
		ProductionMode:          input.ProductionMode,
		SigningAlgorithm:        input.SigningAlgorithm,
		ValidationMode:          input.ValidationMode,
		StrictMode:              input.StrictMode,
		AccessTTL:               input.AccessTTL,
		RefreshTTL:              input.RefreshTTL,
		Argon2:                  input.Password,
		MFAAlwaysRequired:       input.MFAAlwaysRequired,
		MFAStepUpLevel:          input.MFAStepUpLevel,
		MFAFailureLimit:         input.MFAFailureLimit,
		MFAFailureWindow:        input.MFAFailureWindow,
		StepUpWindow:            input.StepUpWindow,
		BackupCodesEnabled:      input.BackupCodeCount > 0,
		TrustedDevicesEnabled:   input.DeviceEnabled,
		TrustedDeviceTTL:        input.DeviceTrustTTL,
		RefreshReuseDetection:   true,
		SessionCapsActive:       input.MaxConcurrentSessions > 0,
		MaxConcurrentSessions:   input.MaxConcurrentSessions,
		SessionAbsoluteLifetime: input.SessionAbsoluteLifetime,
		RateLimitingActive:      input.LoginMaxAttempts > 0 && input.LoginWindow > 0,
		LockoutActive:           input.LockoutThreshold > 0 && input.LockoutDuration > 0,
		RiskBlockingActive:      input.BlockIPFailures > 0 || input.BlockPrincipalFailures > 0,
		AuditEnabled:            input.AuditEnabled,
		NotifierConfigured:      input.NotifierConfigured,
	}
}
