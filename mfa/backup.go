package mfa

import (
	"crypto/sha256"
	"strings"

	"github.com/MrEthical07/sentinel/internal"
)

// BackupCodeAlphabet omits characters that are easy to confuse (0/O, 1/I).
const BackupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newBackupCodes(principalID string, count, length int) ([]string, [][32]byte, error) {
	codes := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)
	for i := 0; i < count; i++ {
		raw, err := internal.NewCode(BackupCodeAlphabet, length)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, formatBackupCode(raw))
		hashes = append(hashes, backupCodeHash(principalID, raw))
	}
	return codes, hashes, nil
}

func formatBackupCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

// CanonicalizeBackupCode strips separators and case from user input.
func CanonicalizeBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

func backupCodeHash(principalID, canonicalCode string) [32]byte {
	data := make([]byte, 0, len(principalID)+1+len(canonicalCode))
	data = append(data, principalID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	return sha256.Sum256(data)
}
