package stores

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	otpChallengeRecordVersion1 = 1
	otpChallengeRecordVersion2 = 2
)

var (
	ErrOTPChallengeNotFound = errors.New("otp challenge not found")
	ErrOTPChallengeExpired  = errors.New("otp challenge expired")
	ErrOTPChallengeMismatch = errors.New("otp challenge mismatch")
	ErrOTPChallengeExceeded = errors.New("otp challenge attempts exceeded")
	ErrOTPChallengeBackend  = errors.New("otp challenge backend unavailable")
)

// DeliveryState is the notifier's latest report for a challenge.
type DeliveryState uint8

const (
	DeliveryPending DeliveryState = iota
	DeliveryDelivered
	DeliveryFailed
)

// OTPChallenge is an outstanding one-time code sent to a delivery method.
// The record outlives ExpiresAt by one TTL so late submissions can be told
// apart from ones with no challenge at all.
type OTPChallenge struct {
	CodeHash  [32]byte
	ExpiresAt int64 // unix milliseconds
	Attempts  uint16
	// RefDigest binds the record to the reference quoted by delivery
	// reports, so reports for a superseded challenge do not apply.
	RefDigest [16]byte
	Delivery  DeliveryState
}

// OTPChallengeStore keeps at most one outstanding challenge per
// (principal, method).
type OTPChallengeStore struct {
	redis       redis.UniversalClient
	prefix      string
	maxAttempts int
	now         func() time.Time
}

// NewOTPChallengeStore creates a store. A nil now uses time.Now.
func NewOTPChallengeStore(redisClient redis.UniversalClient, prefix string, maxAttempts int, now func() time.Time) *OTPChallengeStore {
	if prefix == "" {
		prefix = "amc"
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if now == nil {
		now = time.Now
	}
	return &OTPChallengeStore{redis: redisClient, prefix: prefix, maxAttempts: maxAttempts, now: now}
}

func (s *OTPChallengeStore) key(principalID, methodID string) string {
	return s.prefix + ":" + principalID + ":" + methodID
}

func otpDigest(principalID, methodID, code string) [32]byte {
	return sha256.Sum256([]byte(principalID + "\x00" + methodID + "\x00" + code))
}

func refDigest(ref string) [16]byte {
	sum := sha256.Sum256([]byte(ref))
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

// Put replaces any outstanding challenge for the pair with one for code,
// issued under reference ref.
func (s *OTPChallengeStore) Put(ctx context.Context, principalID, methodID, ref, code string, ttl time.Duration) error {
	record := &OTPChallenge{
		CodeHash:  otpDigest(principalID, methodID, code),
		ExpiresAt: s.now().Add(ttl).UnixMilli(),
		RefDigest: refDigest(ref),
	}
	if err := s.redis.Set(ctx, s.key(principalID, methodID), encodeOTPChallenge(record), 2*ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPChallengeBackend, err)
	}
	return nil
}

// Consume verifies code against the outstanding challenge. A match deletes
// the challenge in the same transaction, so a code verifies at most once.
// A mismatch counts an attempt; the challenge is dropped after maxAttempts.
// An expired challenge is dropped and reported as ErrOTPChallengeExpired; one
// whose delivery failed is reported as not found.
func (s *OTPChallengeStore) Consume(ctx context.Context, principalID, methodID, code string) error {
	const maxRetries = 4
	key := s.key(principalID, methodID)
	want := otpDigest(principalID, methodID, code)

	for i := 0; i < maxRetries; i++ {
		var result error
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			record, err := decodeOTPChallenge(data)
			switch {
			case err != nil:
				result = ErrOTPChallengeNotFound
			case s.now().UnixMilli() > record.ExpiresAt:
				result = ErrOTPChallengeExpired
			case record.Delivery == DeliveryFailed:
				// Kept so its delivery state stays readable; it never verifies.
				result = ErrOTPChallengeNotFound
				return nil
			}
			if result != nil {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			if subtle.ConstantTimeCompare(record.CodeHash[:], want[:]) == 1 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			record.Attempts++
			if int(record.Attempts) >= s.maxAttempts {
				result = ErrOTPChallengeExceeded
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}
			result = ErrOTPChallengeMismatch
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SetArgs(ctx, key, encodeOTPChallenge(record), redis.SetArgs{KeepTTL: true})
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrOTPChallengeNotFound
			}
			return fmt.Errorf("%w: %v", ErrOTPChallengeBackend, err)
		}
		return result
	}
	return fmt.Errorf("%w: too much contention", ErrOTPChallengeBackend)
}

// SetDelivery records the notifier's report on the outstanding challenge
// issued under ref, without touching its code, attempts or lifetime. A
// superseded or missing challenge reports ErrOTPChallengeNotFound.
func (s *OTPChallengeStore) SetDelivery(ctx context.Context, principalID, methodID, ref string, state DeliveryState) error {
	const maxRetries = 4
	key := s.key(principalID, methodID)
	want := refDigest(ref)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			record, err := decodeOTPChallenge(data)
			if err != nil || record.RefDigest != want {
				return redis.Nil
			}
			record.Delivery = state
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SetArgs(ctx, key, encodeOTPChallenge(record), redis.SetArgs{KeepTTL: true})
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrOTPChallengeNotFound
			}
			return fmt.Errorf("%w: %v", ErrOTPChallengeBackend, err)
		}
		return nil
	}
	return fmt.Errorf("%w: too much contention", ErrOTPChallengeBackend)
}

// Get returns the outstanding challenge for the pair if it was issued under
// ref.
func (s *OTPChallengeStore) Get(ctx context.Context, principalID, methodID, ref string) (*OTPChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(principalID, methodID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrOTPChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrOTPChallengeBackend, err)
	}
	record, err := decodeOTPChallenge(data)
	if err != nil || record.RefDigest != refDigest(ref) {
		return nil, ErrOTPChallengeNotFound
	}
	return record, nil
}

// Drop removes any outstanding challenge for the pair.
func (s *OTPChallengeStore) Drop(ctx context.Context, principalID, methodID string) error {
	if err := s.redis.Del(ctx, s.key(principalID, methodID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPChallengeBackend, err)
	}
	return nil
}

func encodeOTPChallenge(record *OTPChallenge) []byte {
	buf := make([]byte, 0, 1+32+8+2+16+1)
	buf = append(buf, otpChallengeRecordVersion2)
	buf = append(buf, record.CodeHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(record.ExpiresAt))
	buf = binary.BigEndian.AppendUint16(buf, record.Attempts)
	buf = append(buf, record.RefDigest[:]...)
	buf = append(buf, byte(record.Delivery))
	return buf
}

// decodeOTPChallenge reads version 2 records and the version 1 layout,
// which has no reference digest or delivery byte.
func decodeOTPChallenge(data []byte) (*OTPChallenge, error) {
	const v1Len = 1 + 32 + 8 + 2
	switch {
	case len(data) == v1Len && data[0] == otpChallengeRecordVersion1:
	case len(data) == v1Len+16+1 && data[0] == otpChallengeRecordVersion2:
	default:
		return nil, errors.New("invalid otp challenge record")
	}
	record := &OTPChallenge{}
	r := bytes.NewReader(data[1:])
	if _, err := r.Read(record.CodeHash[:]); err != nil {
		return nil, err
	}
	var exp uint64
	if err := binary.Read(r, binary.BigEndian, &exp); err != nil {
		return nil, err
	}
	record.ExpiresAt = int64(exp)
	if err := binary.Read(r, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if data[0] == otpChallengeRecordVersion2 {
		if _, err := r.Read(record.RefDigest[:]); err != nil {
			return nil, err
		}
		state, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if state > byte(DeliveryFailed) {
			return nil, errors.New("invalid otp challenge delivery state")
		}
		record.Delivery = DeliveryState(state)
	}
	return record, nil
}
