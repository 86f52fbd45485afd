// Package mfa owns the step-up challenge/response state machine.
//
// A login that needs step-up moves through
//
//	PrimaryVerified -> MFARequired -> MFAChallenged -> MFAVerified
//
// or skips to MFABypassed when a trusted device is accepted (see package
// device). [Engine.Verify] is the only transition into MFAVerified; on
// success it marks the session through the same step-up path the device
// evaluator uses.
//
// # Single use
//
// TOTP codes are accepted once per time step: the method store advances the
// last accepted counter with a conditional update. Backup codes are consumed
// by a conditional delete keyed by (method, code hash), so N concurrent
// submissions of one code produce exactly one success. OTP challenges for
// SMS and email are deleted in the same transaction that matches them.
//
// # Enumeration
//
// Every failure surfaces as [ErrVerificationFailed]. The specific
// [FailureReason] is kept on [VerificationError] for attempts and audit.
package mfa
