package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrEthical07/sentinel/scope"
)

const sessionFormatVersionCurrent = 1

const (
	flagMFAVerified = 1 << iota
	flagSuspicious
)

// Encode serializes s into the versioned binary format. The session id is not
// part of the payload; it is the Redis key and the sealing additional data.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(sessionFormatVersionCurrent)

	for _, field := range []struct {
		name  string
		value string
	}{
		{"principalID", s.PrincipalID},
		{"familyID", s.FamilyID},
		{"deviceFingerprint", s.DeviceFingerprint},
		{"ip", s.IP},
		{"userAgent", s.UserAgent},
	} {
		if err := writeString(&buf, field.value); err != nil {
			return nil, fmt.Errorf("%s: %w", field.name, err)
		}
	}

	for _, ts := range []time.Time{s.CreatedAt, s.LastAccessAt, s.ExpiresAt, s.MFAVerifiedAt} {
		if err := binary.Write(&buf, binary.BigEndian, unixMilli(ts)); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(&buf, binary.BigEndian, uint64(s.Scopes)); err != nil {
		return nil, err
	}

	var flags byte
	if s.MFAVerified {
		flags |= flagMFAVerified
	}
	if s.Suspicious {
		flags |= flagSuspicious
	}
	buf.WriteByte(flags)
	buf.WriteByte(byte(s.StepUpVia))

	if s.RiskScore < 0 || s.RiskScore > 100 {
		return nil, errors.New("risk score out of range")
	}
	buf.WriteByte(byte(s.RiskScore))

	return buf.Bytes(), nil
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionFormatVersionCurrent {
		return nil, errors.New("invalid session version")
	}

	s := &Session{}
	for _, dst := range []*string{&s.PrincipalID, &s.FamilyID, &s.DeviceFingerprint, &s.IP, &s.UserAgent} {
		if *dst, err = readString(reader); err != nil {
			return nil, err
		}
	}

	for _, dst := range []*time.Time{&s.CreatedAt, &s.LastAccessAt, &s.ExpiresAt, &s.MFAVerifiedAt} {
		var ms int64
		if err := binary.Read(reader, binary.BigEndian, &ms); err != nil {
			return nil, err
		}
		*dst = fromUnixMilli(ms)
	}

	var mask uint64
	if err := binary.Read(reader, binary.BigEndian, &mask); err != nil {
		return nil, err
	}
	s.Scopes = scope.Mask(mask)

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	s.MFAVerified = flags&flagMFAVerified != 0
	s.Suspicious = flags&flagSuspicious != 0

	via, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if via > byte(ViaTrustedDevice) {
		return nil, errors.New("invalid step-up source")
	}
	s.StepUpVia = StepUpVia(via)

	score, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if score > 100 {
		return nil, errors.New("invalid risk score")
	}
	s.RiskScore = int(score)

	if reader.Len() != 0 {
		return nil, errors.New("trailing session bytes")
	}
	if s.PrincipalID == "" {
		return nil, errors.New("session missing principal")
	}

	return s, nil
}

func writeString(buf *bytes.Buffer, v string) error {
	if len(v) > 0xffff {
		return errors.New("value too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(v))); err != nil {
		return err
	}
	buf.WriteString(v)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
