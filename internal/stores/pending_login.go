package stores

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingLoginRecordVersion1 = 1

var (
	ErrPendingLoginNotFound = errors.New("pending login not found")
	ErrPendingLoginExpired  = errors.New("pending login expired")
	ErrPendingLoginExceeded = errors.New("pending login attempts exceeded")
	ErrPendingLoginBackend  = errors.New("pending login backend unavailable")
)

// PendingLogin is the state carried between a successful primary
// authentication and the MFA verification that completes it.
type PendingLogin struct {
	PrincipalID       string
	IP                string
	UserAgent         string
	DeviceFingerprint string
	RiskScore         uint8
	ExpiresAt         int64 // unix milliseconds
	Attempts          uint16
}

// PendingLoginStore persists pending logins under the digest of an opaque
// ticket handed to the client.
type PendingLoginStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewPendingLoginStore creates a store. A nil now uses time.Now.
func NewPendingLoginStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *PendingLoginStore {
	if prefix == "" {
		prefix = "apl"
	}
	if now == nil {
		now = time.Now
	}
	return &PendingLoginStore{redis: redisClient, prefix: prefix, now: now}
}

func (s *PendingLoginStore) key(ticket string) string {
	sum := sha256.Sum256([]byte(ticket))
	return s.prefix + ":" + hex.EncodeToString(sum[:])
}

// Save stores record until its ExpiresAt.
func (s *PendingLoginStore) Save(ctx context.Context, ticket string, record *PendingLogin) error {
	ttl := time.UnixMilli(record.ExpiresAt).Sub(s.now())
	if ttl <= 0 {
		return ErrPendingLoginExpired
	}
	encoded, err := encodePendingLogin(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(ticket), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPendingLoginBackend, err)
	}
	return nil
}

// Get loads a pending login without consuming it.
func (s *PendingLoginStore) Get(ctx context.Context, ticket string) (*PendingLogin, error) {
	data, err := s.redis.Get(ctx, s.key(ticket)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPendingLoginNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPendingLoginBackend, err)
	}
	record, err := decodePendingLogin(data)
	if err != nil {
		_, _ = s.redis.Del(ctx, s.key(ticket)).Result()
		return nil, ErrPendingLoginNotFound
	}
	if s.now().UnixMilli() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(ticket)).Result()
		return nil, ErrPendingLoginExpired
	}
	return record, nil
}

// Consume deletes the ticket and returns its record. Only one caller can
// consume a given ticket.
func (s *PendingLoginStore) Consume(ctx context.Context, ticket string) (*PendingLogin, error) {
	data, err := s.redis.GetDel(ctx, s.key(ticket)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPendingLoginNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPendingLoginBackend, err)
	}
	record, err := decodePendingLogin(data)
	if err != nil {
		return nil, ErrPendingLoginNotFound
	}
	if s.now().UnixMilli() > record.ExpiresAt {
		return nil, ErrPendingLoginExpired
	}
	return record, nil
}

// RecordFailure increments the ticket's attempt counter and deletes it once
// maxAttempts is reached, returning ErrPendingLoginExceeded.
func (s *PendingLoginStore) RecordFailure(ctx context.Context, ticket string, maxAttempts int) error {
	const maxRetries = 4
	key := s.key(ticket)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			record, err := decodePendingLogin(data)
			if err != nil {
				return err
			}

			ttl := time.UnixMilli(record.ExpiresAt).Sub(s.now())
			record.Attempts++
			if int(record.Attempts) >= maxAttempts || ttl <= 0 {
				exceeded = int(record.Attempts) >= maxAttempts
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				if !exceeded {
					return ErrPendingLoginExpired
				}
				return nil
			}

			updated, err := encodePendingLogin(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrPendingLoginNotFound
			}
			if errors.Is(err, ErrPendingLoginExpired) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrPendingLoginBackend, err)
		}
		if exceeded {
			return ErrPendingLoginExceeded
		}
		return nil
	}

	return fmt.Errorf("%w: too much contention", ErrPendingLoginBackend)
}

func encodePendingLogin(record *PendingLogin) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(pendingLoginRecordVersion1)
	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.WriteByte(record.RiskScore)
	for _, s := range []string{record.PrincipalID, record.IP, record.UserAgent, record.DeviceFingerprint} {
		if err := writeString(&buf, s); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodePendingLogin(data []byte) (*PendingLogin, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != pendingLoginRecordVersion1 {
		return nil, errors.New("invalid pending login version")
	}
	record := &PendingLogin{}
	if err := binary.Read(r, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if record.RiskScore, err = r.ReadByte(); err != nil {
		return nil, err
	}
	for _, dst := range []*string{&record.PrincipalID, &record.IP, &record.UserAgent, &record.DeviceFingerprint} {
		if *dst, err = readString(r); err != nil {
			return nil, err
		}
	}
	if r.Len() != 0 {
		return nil, errors.New("trailing pending login bytes")
	}
	if record.PrincipalID == "" {
		return nil, errors.New("pending login without principal")
	}
	return record, nil
}
