package session

import (
	"testing"
	"time"
)

func TestEncodeDecodeKeepsFields(t *testing.T) {
	in := &Session{
		PrincipalID:       "p-1",
		FamilyID:          "fam-1",
		DeviceFingerprint: "fp",
		IP:                "203.0.113.1",
		UserAgent:         "ua",
		CreatedAt:         time.UnixMilli(1_700_000_000_123).UTC(),
		LastAccessAt:      time.UnixMilli(1_700_000_001_000).UTC(),
		ExpiresAt:         time.UnixMilli(1_700_000_900_000).UTC(),
		Scopes:            5,
		MFAVerified:       true,
		MFAVerifiedAt:     time.UnixMilli(1_700_000_001_000).UTC(),
		StepUpVia:         ViaExplicit,
		Suspicious:        true,
		RiskScore:         42,
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestEncodeRejectsOutOfRangeScore(t *testing.T) {
	if _, err := Encode(&Session{PrincipalID: "p", RiskScore: 101}); err == nil {
		t.Fatalf("expected error for risk score > 100")
	}
}

// FuzzDecode feeds arbitrary bytes to the decoder. Goal: no panics.
func FuzzDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{1})
	if data, err := Encode(&Session{PrincipalID: "p"}); err == nil {
		f.Add(data)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decode(data)
	})
}
