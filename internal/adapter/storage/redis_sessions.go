package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dbpe/kiosk/internal/core/domain"
)

const (
	sessionKeyPrefix  = "kiosk:session:"
	defaultSessionTTL = 30 * time.Minute
)

// Each conditional transition runs as a Lua script so the predicate check
// and the mutation are one atomic server-side operation (find-and-modify).

var markFormOpenedScript = redis.NewScript(`
local key = KEYS[1]

if redis.call('EXISTS', key) == 0 then
	return 0
end
if redis.call('HGET', key, 'status') ~= 'pending' then
	return 0
end
if redis.call('HGET', key, 'retire_sent') == '1' then
	return 0
end

redis.call('HSET', key,
	'retire_sent', '1',
	'status', 'form_shown',
	'form_opened_at', ARGV[1])
return 1
`)

var startProcessingScript = redis.NewScript(`
local key = KEYS[1]

if redis.call('EXISTS', key) == 0 then
	return 0
end
if redis.call('HGET', key, 'slug') ~= ARGV[1] then
	return 0
end
local status = redis.call('HGET', key, 'status')
if status ~= 'pending' and status ~= 'form_shown' then
	return 0
end
if redis.call('HGET', key, 'processing') == '1' then
	return 0
end

redis.call('HSET', key,
	'processing', '1',
	'status', 'processing',
	'processing_started_at', ARGV[2])
return 1
`)

var finalizeScript = redis.NewScript(`
local key = KEYS[1]

if redis.call('EXISTS', key) == 0 then
	return 0
end

redis.call('HSET', key,
	'status', ARGV[1],
	'processing', '0',
	'completed_at', ARGV[2])
return 1
`)

// SessionStore keeps sessions as Redis hashes with a bounded TTL.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionStore{client: client, ttl: ttl}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func (s *SessionStore) Create(ctx context.Context, sess domain.Session) error {
	fields := map[string]interface{}{
		"id":                    sess.ID,
		"slug":                  sess.Slug,
		"short_url":             sess.ShortURL,
		"status":                string(sess.Status),
		"retire_sent":           boolField(sess.RetireSent),
		"processing":            boolField(sess.Processing),
		"created_at":            timeField(sess.CreatedAt),
		"form_opened_at":        "",
		"processing_started_at": "",
		"completed_at":          "",
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(sess.ID), fields)
	pipe.Expire(ctx, sessionKey(sess.ID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return sessionFromHash(fields), nil
}

func (s *SessionStore) TryMarkFormOpened(ctx context.Context, id string) (*domain.Session, error) {
	now := timeField(time.Now().UTC())
	res, err := markFormOpenedScript.Run(ctx, s.client, []string{sessionKey(id)}, now).Int()
	if err != nil {
		return nil, fmt.Errorf("mark form opened: %w", err)
	}
	if res == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

func (s *SessionStore) TryStartProcessing(ctx context.Context, id, slug string) (*domain.Session, error) {
	now := timeField(time.Now().UTC())
	res, err := startProcessingScript.Run(ctx, s.client, []string{sessionKey(id)}, slug, now).Int()
	if err != nil {
		return nil, fmt.Errorf("start processing: %w", err)
	}
	if res == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

func (s *SessionStore) Finalize(ctx context.Context, id string, status domain.SessionStatus) error {
	now := timeField(time.Now().UTC())
	if err := finalizeScript.Run(ctx, s.client, []string{sessionKey(id)}, string(status), now).Err(); err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	return nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func timeField(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimeField(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func sessionFromHash(fields map[string]string) *domain.Session {
	return &domain.Session{
		ID:                  fields["id"],
		Slug:                fields["slug"],
		ShortURL:            fields["short_url"],
		Status:              domain.SessionStatus(fields["status"]),
		RetireSent:          fields["retire_sent"] == "1",
		Processing:          fields["processing"] == "1",
		CreatedAt:           parseTimeField(fields["created_at"]),
		FormOpenedAt:        parseTimeField(fields["form_opened_at"]),
		ProcessingStartedAt: parseTimeField(fields["processing_started_at"]),
		CompletedAt:         parseTimeField(fields["completed_at"]),
	}
}
