package mfa

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

// TOTPConfig holds authenticator parameters.
type TOTPConfig struct {
	Issuer    string
	Period    uint
	Digits    otp.Digits
	Skew      uint
	Algorithm otp.Algorithm
}

// TOTPEnrollment is returned by EnrollTOTP. Secret and URI are shown to the
// principal once and never stored in plaintext.
type TOTPEnrollment struct {
	MethodID string
	Secret   string
	URI      string
}

func (c TOTPConfig) generate(accountName string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      c.Issuer,
		AccountName: accountName,
		Period:      c.Period,
		Digits:      c.Digits,
		Algorithm:   c.Algorithm,
	})
}

// matchCounter returns the time step in the skew window whose code equals
// code. Each step is checked by hotp so the accepted counter is known and can
// be burned.
func (c TOTPConfig) matchCounter(secret, code string, now time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != c.Digits.Length() {
		return 0, false
	}
	base := now.Unix() / int64(c.Period)
	opts := hotp.ValidateOpts{Digits: c.Digits, Algorithm: c.Algorithm}
	for step := -int64(c.Skew); step <= int64(c.Skew); step++ {
		counter := base + step
		if counter < 0 {
			continue
		}
		ok, err := hotp.ValidateCustom(code, uint64(counter), secret, opts)
		if err == nil && ok {
			return counter, true
		}
	}
	return 0, false
}
