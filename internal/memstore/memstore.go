// Package memstore is a mutex-guarded, in-process implementation of the
// credential, MFA method and trusted-device stores. It backs tests, the
// load generator and the HTTP example; production deployments use
// store/postgres.
package memstore

import (
	"context"
	"crypto/subtle"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/sentinel"
	"github.com/MrEthical07/sentinel/device"
	"github.com/MrEthical07/sentinel/mfa"
)

// Store holds principals, MFA methods, backup codes, attempts and devices.
// The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex

	principals map[string]*sentinel.Principal
	byEmail    map[string]string

	methods  map[string]*mfa.Method
	backup   map[string][][32]byte
	attempts []mfa.Attempt

	devices map[string]*device.Device
}

var (
	_ sentinel.CredentialStore   = (*Store)(nil)
	_ sentinel.CredentialUpdater = (*Store)(nil)
	_ mfa.MethodStore            = (*Store)(nil)
	_ device.Store               = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		principals: make(map[string]*sentinel.Principal),
		byEmail:    make(map[string]string),
		methods:    make(map[string]*mfa.Method),
		backup:     make(map[string][][32]byte),
		devices:    make(map[string]*device.Device),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AddPrincipal inserts or replaces p. Email uniqueness is case-insensitive.
func (s *Store) AddPrincipal(p sentinel.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.principals[p.ID]; ok {
		delete(s.byEmail, normalizeEmail(old.Email))
	}
	cp := p
	cp.Scopes = slices.Clone(p.Scopes)
	s.principals[p.ID] = &cp
	s.byEmail[normalizeEmail(p.Email)] = p.ID
}

// SetStatus changes a principal's lifecycle state.
func (s *Store) SetStatus(principalID string, status sentinel.PrincipalStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.principals[principalID]; ok {
		p.Status = status
	}
}

/*
====================================
CREDENTIALS
====================================
*/

func (s *Store) FindPrincipalByEmail(_ context.Context, email string) (sentinel.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return sentinel.Principal{}, sentinel.ErrPrincipalNotFound
	}
	return s.principalLocked(id)
}

func (s *Store) GetPrincipalByID(_ context.Context, principalID string) (sentinel.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principalLocked(principalID)
}

func (s *Store) principalLocked(id string) (sentinel.Principal, error) {
	p, ok := s.principals[id]
	if !ok {
		return sentinel.Principal{}, sentinel.ErrPrincipalNotFound
	}
	out := *p
	out.Scopes = slices.Clone(p.Scopes)
	return out, nil
}

func (s *Store) RecordFailedAttempt(_ context.Context, principalID string, policy sentinel.LockoutPolicy, at time.Time) (sentinel.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return sentinel.Principal{}, sentinel.ErrPrincipalNotFound
	}
	p.FailedAttempts++
	if policy.Threshold > 0 && p.FailedAttempts >= policy.Threshold {
		p.LockedUntil = at.Add(policy.Duration)
	}
	return s.principalLocked(principalID)
}

func (s *Store) RecordSuccessfulAttempt(_ context.Context, principalID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return sentinel.ErrPrincipalNotFound
	}
	p.FailedAttempts = 0
	p.LockedUntil = time.Time{}
	return nil
}

func (s *Store) IsLocked(_ context.Context, principalID string, at time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return time.Time{}, false, sentinel.ErrPrincipalNotFound
	}
	return p.LockedUntil, p.Locked(at), nil
}

func (s *Store) UpdateCredentialHash(_ context.Context, principalID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return sentinel.ErrPrincipalNotFound
	}
	p.CredentialHash = hash
	return nil
}

/*
====================================
MFA METHODS
====================================
*/

func (s *Store) ListMethods(_ context.Context, principalID string) ([]mfa.Method, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mfa.Method
	for _, m := range s.methods {
		if m.PrincipalID == principalID {
			out = append(out, cloneMethod(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetMethod(_ context.Context, principalID, methodID string) (mfa.Method, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[methodID]
	if !ok || m.PrincipalID != principalID {
		return mfa.Method{}, mfa.ErrMethodNotFound
	}
	return cloneMethod(m), nil
}

func (s *Store) CreateMethod(_ context.Context, m mfa.Method) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneMethod(&m)
	s.methods[m.ID] = &cp
	return nil
}

func (s *Store) EnableMethod(_ context.Context, principalID, methodID string) error {
	return s.mutateMethod(principalID, methodID, func(m *mfa.Method) {
		m.Enabled = true
		m.DisabledAt = time.Time{}
	})
}

func (s *Store) DisableMethod(_ context.Context, principalID, methodID string, at time.Time) error {
	return s.mutateMethod(principalID, methodID, func(m *mfa.Method) {
		m.Enabled = false
		m.Primary = false
		m.DisabledAt = at
	})
}

func (s *Store) SetPrimary(_ context.Context, principalID, methodID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.methods[methodID]
	if !ok || target.PrincipalID != principalID {
		return mfa.ErrMethodNotFound
	}
	for _, m := range s.methods {
		if m.PrincipalID == principalID {
			m.Primary = m.ID == methodID
		}
	}
	return nil
}

func (s *Store) mutateMethod(principalID, methodID string, fn func(*mfa.Method)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[methodID]
	if !ok || m.PrincipalID != principalID {
		return mfa.ErrMethodNotFound
	}
	fn(m)
	return nil
}

func (s *Store) AdvanceTOTPCounter(_ context.Context, methodID string, counter int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[methodID]
	if !ok {
		return false, mfa.ErrMethodNotFound
	}
	if counter <= m.LastCounter {
		return false, nil
	}
	m.LastCounter = counter
	return true, nil
}

func (s *Store) ReplaceBackupCodes(_ context.Context, methodID string, hashes [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.methods[methodID]; !ok {
		return mfa.ErrMethodNotFound
	}
	s.backup[methodID] = slices.Clone(hashes)
	return nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, methodID string, hash [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.backup[methodID]
	for i, h := range codes {
		if subtle.ConstantTimeCompare(h[:], hash[:]) == 1 {
			s.backup[methodID] = slices.Delete(codes, i, i+1)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RemainingBackupCodes(_ context.Context, methodID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backup[methodID]), nil
}

func (s *Store) RecordUsage(_ context.Context, methodID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[methodID]
	if !ok {
		return mfa.ErrMethodNotFound
	}
	m.UseCount++
	m.LastUsedAt = at
	return nil
}

func (s *Store) AppendAttempt(_ context.Context, a mfa.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

// Attempts returns the recorded verification attempts of principalID in
// insertion order.
func (s *Store) Attempts(principalID string) []mfa.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mfa.Attempt
	for _, a := range s.attempts {
		if a.PrincipalID == principalID {
			out = append(out, a)
		}
	}
	return out
}

func cloneMethod(m *mfa.Method) mfa.Method {
	out := *m
	out.Secret = slices.Clone(m.Secret)
	return out
}

/*
====================================
TRUSTED DEVICES
====================================
*/

func (s *Store) FindDevice(_ context.Context, principalID, fingerprint string) (device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.PrincipalID == principalID && d.Fingerprint == fingerprint {
			return *d, nil
		}
	}
	return device.Device{}, device.ErrNotFound
}

func (s *Store) SaveDevice(_ context.Context, d device.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, old := range s.devices {
		if old.PrincipalID == d.PrincipalID && old.Fingerprint == d.Fingerprint {
			delete(s.devices, id)
		}
	}
	cp := d
	s.devices[d.ID] = &cp
	return nil
}

func (s *Store) RecordDeviceUse(_ context.Context, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return device.ErrNotFound
	}
	d.UseCount++
	d.LastUsedAt = at
	return nil
}

func (s *Store) RevokeDevice(_ context.Context, principalID, deviceID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok || d.PrincipalID != principalID {
		return device.ErrNotFound
	}
	if d.Revoked() {
		return nil
	}
	d.RevokedAt = at
	d.RevokedReason = reason
	return nil
}

func (s *Store) ListDevices(_ context.Context, principalID string) ([]device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []device.Device
	for _, d := range s.devices {
		if d.PrincipalID == principalID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SetDeviceLastUsed rewrites a device's last use, for dormancy scenarios.
func (s *Store) SetDeviceLastUsed(deviceID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		d.LastUsedAt = at
	}
}
