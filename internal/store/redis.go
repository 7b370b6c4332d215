package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/medlink/backend/internal/model/chat"
	"github.com/zhouzirui/medlink/backend/internal/pkg/keylock"
)

const redisMaxTxRetries = 5

type redisSession struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	State           chat.State `json:"state"`
	AssignedStaffID string     `json:"assigned_staff_id"`
	CreatedAt       time.Time  `json:"created_at"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
}

func (r redisSession) toSession() chat.Session {
	return chat.Session{
		ID:              r.ID,
		UserID:          r.UserID,
		State:           r.State,
		AssignedStaffID: r.AssignedStaffID,
		CreatedAt:       r.CreatedAt,
		LastActivityAt:  r.LastActivityAt,
	}
}

func fromSession(s chat.Session) redisSession {
	return redisSession{
		ID:              s.ID,
		UserID:          s.UserID,
		State:           s.State,
		AssignedStaffID: s.AssignedStaffID,
		CreatedAt:       s.CreatedAt,
		LastActivityAt:  s.LastActivityAt,
	}
}

// RedisStore keeps session metadata, transcripts and a per-state index in Redis.
// Mutations are optimistic WATCH transactions so several API instances can share it.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	keys   *keylock.Locker
	now    func() time.Time
}

// NewRedisStore wraps client. A zero ttl keeps sessions forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chat"
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: prefix,
		keys:   keylock.New(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) sessionKey(id string) string  { return s.prefix + ":session:" + id }
func (s *RedisStore) messagesKey(id string) string { return s.prefix + ":session:" + id + ":messages" }
func (s *RedisStore) stateKey(st chat.State) string {
	return s.prefix + ":state:" + string(st)
}

func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.Wrap(redis.TxFailedErr, "redis transaction retries exhausted")
}

func readMeta(ctx context.Context, c redis.Cmdable, key, id string) (redisSession, error) {
	raw, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return redisSession{}, errors.Wrapf(chat.ErrNotFound, "session %s", id)
	}
	if err != nil {
		return redisSession{}, errors.Wrap(err, "get session")
	}
	var meta redisSession
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return redisSession{}, errors.Wrap(err, "decode session")
	}
	return meta, nil
}

func (s *RedisStore) readMessages(ctx context.Context, c redis.Cmdable, id string, start int64) ([]chat.Message, error) {
	raws, err := c.LRange(ctx, s.messagesKey(id), start, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read messages")
	}
	out := make([]chat.Message, 0, len(raws))
	for _, raw := range raws {
		var msg chat.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, errors.Wrap(err, "decode message")
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) writeMeta(ctx context.Context, pipe redis.Pipeliner, meta redisSession) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	pipe.Set(ctx, s.sessionKey(meta.ID), payload, s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.messagesKey(meta.ID), s.ttl)
	}
	return nil
}

// CreateSession implements Store.
func (s *RedisStore) CreateSession(ctx context.Context, id, userID string) (chat.Session, bool, error) {
	if id == "" {
		return chat.Session{}, false, errors.Wrap(chat.ErrInvalidInput, "session id is required")
	}
	unlock := s.keys.Lock(id)
	defer unlock()

	var created bool
	err := s.watch(ctx, func(tx *redis.Tx) error {
		created = false
		meta, err := readMeta(ctx, tx, s.sessionKey(id), id)
		if err == nil {
			if meta.UserID != userID {
				return errors.Wrapf(chat.ErrConflict, "session %s is bound to another user", id)
			}
			return nil
		}
		if !errors.Is(err, chat.ErrNotFound) {
			return err
		}

		now := s.now()
		meta = redisSession{ID: id, UserID: userID, State: chat.StateBot, CreatedAt: now, LastActivityAt: now}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.writeMeta(ctx, pipe, meta); err != nil {
				return err
			}
			pipe.SAdd(ctx, s.stateKey(chat.StateBot), id)
			return nil
		})
		created = err == nil
		return err
	}, s.sessionKey(id))
	if err != nil {
		return chat.Session{}, false, err
	}

	session, err := s.GetSession(ctx, id)
	return session, created, err
}

// GetSession implements Store.
func (s *RedisStore) GetSession(ctx context.Context, id string) (chat.Session, error) {
	var session chat.Session
	err := s.watch(ctx, func(tx *redis.Tx) error {
		meta, err := readMeta(ctx, tx, s.sessionKey(id), id)
		if err != nil {
			return err
		}
		messages, err := s.readMessages(ctx, tx, id, 0)
		if err != nil {
			return err
		}
		// 空 EXEC 只用来校验 WATCH, 读期间有写入则重试
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Exists(ctx, s.sessionKey(id))
			return nil
		}); err != nil {
			return err
		}
		session = meta.toSession()
		session.Messages = messages
		return nil
	}, s.sessionKey(id), s.messagesKey(id))
	if err != nil {
		return chat.Session{}, err
	}
	return session, nil
}

// AppendMessage implements Store.
func (s *RedisStore) AppendMessage(ctx context.Context, id string, msg chat.Message) (chat.Session, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	err := s.watch(ctx, func(tx *redis.Tx) error {
		meta, err := readMeta(ctx, tx, s.sessionKey(id), id)
		if err != nil {
			return err
		}
		current := meta.toSession()
		last, err := s.readMessages(ctx, tx, id, -1)
		if err != nil {
			return err
		}
		current.Messages = last

		prepared, err := chat.PrepareAppend(current, msg, s.now())
		if err != nil {
			return err
		}
		prepared.ID = uuid.NewString()
		payload, err := json.Marshal(prepared)
		if err != nil {
			return errors.Wrap(err, "encode message")
		}
		if prepared.Timestamp.After(meta.LastActivityAt) {
			meta.LastActivityAt = prepared.Timestamp
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.messagesKey(id), payload)
			return s.writeMeta(ctx, pipe, meta)
		})
		return err
	}, s.sessionKey(id), s.messagesKey(id))
	if err != nil {
		return chat.Session{}, err
	}
	return s.GetSession(ctx, id)
}

// SetEscalationState implements Store.
func (s *RedisStore) SetEscalationState(ctx context.Context, id string, to chat.State, staffID string) (chat.Session, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	err := s.watch(ctx, func(tx *redis.Tx) error {
		meta, err := readMeta(ctx, tx, s.sessionKey(id), id)
		if err != nil {
			return err
		}
		from := meta.State
		updated, err := chat.ApplyTransition(meta.toSession(), to, staffID, s.now())
		if err != nil {
			return err
		}
		next := fromSession(updated)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.writeMeta(ctx, pipe, next); err != nil {
				return err
			}
			if from != next.State {
				pipe.SRem(ctx, s.stateKey(from), id)
				pipe.SAdd(ctx, s.stateKey(next.State), id)
			}
			return nil
		})
		return err
	}, s.sessionKey(id))
	if err != nil {
		return chat.Session{}, err
	}
	return s.GetSession(ctx, id)
}

// ListByState implements Store. Index entries whose session expired are pruned.
func (s *RedisStore) ListByState(ctx context.Context, states ...chat.State) ([]chat.Session, error) {
	var out []chat.Session
	for _, st := range states {
		ids, err := s.client.SMembers(ctx, s.stateKey(st)).Result()
		if err != nil {
			return nil, errors.Wrap(err, "list state index")
		}
		for _, id := range ids {
			meta, err := readMeta(ctx, s.client, s.sessionKey(id), id)
			if errors.Is(err, chat.ErrNotFound) {
				s.client.SRem(ctx, s.stateKey(st), id)
				continue
			}
			if err != nil {
				return nil, err
			}
			if meta.State != st {
				continue
			}
			out = append(out, meta.toSession())
		}
	}
	// set 无序, 与其它驱动保持同一顺序
	sortByCreated(out)
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
