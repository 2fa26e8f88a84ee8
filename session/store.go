package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps every transport-level failure.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrSessionNotFound covers both missing and expired records.
	ErrSessionNotFound = errors.New("session not found")
	// ErrProofMismatch means the presented refresh or binding secret did not
	// match the stored hash.
	ErrProofMismatch = errors.New("session proof mismatch")
	// ErrRotationContended is returned when optimistic rotation kept losing
	// to concurrent writers.
	ErrRotationContended = errors.New("session rotation contended")
)

const rotateMaxRetries = 4

const deleteSessionScript = `
local existed = redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// ProofKind selects which stored hash a rotation is checked against.
type ProofKind uint8

const (
	ProofBinding ProofKind = iota + 1
	ProofRefresh
)

// Rotation describes one refresh: the proof presented by the client and the
// hashes of the freshly generated secrets that replace the stored ones.
type Rotation struct {
	Kind            ProofKind
	ProofHash       [32]byte
	NextRefreshHash [32]byte
	NextBindingHash [32]byte
	Now             time.Time
}

// Store is the Redis-backed session store.
//
// Layout: <prefix>:<sid> holds the encoded record with a TTL equal to its
// remaining lifetime; <prefix>u:<uid> is the set of session ids per user.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ms"
	}
	return &Store{redis: rdb, prefix: prefix}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + "u:" + userID
}

// Save writes the record and indexes it under its owner.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("session ttl must be > 0")
	}
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	userKey := s.userKey(sess.UserID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
		pipe.SAdd(ctx, userKey, sess.SessionID)
		pipe.Expire(ctx, userKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads one session. Missing and expired records both yield
// ErrSessionNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID
	if sess.Expired(time.Now()) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// GetMany loads several sessions in one round trip, silently skipping ids
// that are missing, expired or undecodable. Order follows sessionIDs.
func (s *Store) GetMany(ctx context.Context, sessionIDs []string) ([]*Session, error) {
	if len(sessionIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, sid := range sessionIDs {
		cmds[i] = pipe.Get(ctx, s.key(sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := time.Now()
	sessions := make([]*Session, 0, len(sessionIDs))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		sess, err := Decode(data)
		if err != nil {
			continue
		}
		sess.SessionID = sessionIDs[i]
		if sess.Expired(now) {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Delete removes one session and its index entry. It reports whether the
// record still existed.
func (s *Store) Delete(ctx context.Context, userID, sessionID string) (bool, error) {
	n, err := deleteSessionLua.Run(ctx, s.redis, []string{s.key(sessionID), s.userKey(userID)}, sessionID).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n == 1, nil
}

// ListForUser returns every live session of a user and prunes index entries
// whose records already expired.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions, err := s.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	if len(sessions) != len(ids) {
		live := make(map[string]struct{}, len(sessions))
		for _, sess := range sessions {
			live[sess.SessionID] = struct{}{}
		}
		stale := make([]interface{}, 0, len(ids)-len(sessions))
		for _, id := range ids {
			if _, ok := live[id]; !ok {
				stale = append(stale, id)
			}
		}
		if err := s.redis.SRem(ctx, s.userKey(userID), stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return sessions, nil
}

// DeleteAllForUser removes the given sessions and the user's index in one
// transaction. Callers pass the ids they already enumerated so each one can
// be announced before it disappears.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string, sessionIDs []string) error {
	keys := make([]string, 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		keys = append(keys, s.key(sid))
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, s.userKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Rotate checks the presented proof against the stored hash and replaces
// both secret hashes in a WATCH/MULTI transaction. Of two concurrent
// rotations with the same proof at most one succeeds; the loser re-reads the
// rotated record and fails with ErrProofMismatch.
func (s *Store) Rotate(ctx context.Context, sessionID string, rot Rotation) (*Session, error) {
	key := s.key(sessionID)
	if rot.Now.IsZero() {
		rot.Now = time.Now()
	}

	for i := 0; i < rotateMaxRetries; i++ {
		var rotated *Session
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			sess, err := Decode(data)
			if err != nil {
				return err
			}
			sess.SessionID = sessionID
			if sess.Expired(rot.Now) {
				return ErrSessionNotFound
			}

			var stored [32]byte
			switch rot.Kind {
			case ProofBinding:
				if !sess.HasBinding() {
					return ErrProofMismatch
				}
				stored = sess.BindingHash
			case ProofRefresh:
				stored = sess.RefreshHash
			default:
				return ErrProofMismatch
			}
			if subtle.ConstantTimeCompare(stored[:], rot.ProofHash[:]) != 1 {
				return ErrProofMismatch
			}

			ttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return ErrSessionNotFound
			}

			sess.RefreshHash = rot.NextRefreshHash
			sess.BindingHash = rot.NextBindingHash
			sess.LastActiveAt = rot.Now.Unix()

			updated, err := Encode(sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			rotated = sess
			return nil
		}, key)

		switch {
		case err == nil:
			return rotated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, redis.Nil), errors.Is(err, ErrSessionNotFound):
			return nil, ErrSessionNotFound
		case errors.Is(err, ErrProofMismatch), errors.Is(err, ErrSessionCorrupt):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return nil, ErrRotationContended
}

// Ping checks Redis reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
