package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server. Each operation is a single
// command, so a challenge taken with GETDEL is handed out at most once
// across processes.
type Redis struct {
	client redis.UniversalClient
	prefix string
	cfg    settings
}

// DefaultRedisPrefix namespaces keys written by the Redis store.
const DefaultRedisPrefix = "prjevent:"

// NewRedis wraps an existing client. The caller keeps ownership of client
// unless Close is called.
func NewRedis(client redis.UniversalClient, prefix string, opts ...Option) (*Redis, error) {
	if client == nil {
		return nil, errors.New("session: redis client is required")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Redis{client: client, prefix: prefix, cfg: cfg}, nil
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (r *Redis) sessionKey(token string) string   { return r.prefix + "sess:" + token }
func (r *Redis) challengeKey(token string) string { return r.prefix + "chal:" + token }

func (r *Redis) Create(ctx context.Context, identityID int64, loginCode string) (string, error) {
	now := r.cfg.now().UTC()
	rec := Record{IdentityID: identityID, LoginCode: loginCode, EstablishedAt: now, LastActivity: now}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("session: encode: %w", err)
	}
	for attempt := 0; attempt < createAttempts; attempt++ {
		token, err := NewToken()
		if err != nil {
			return "", err
		}
		ok, err := r.client.SetNX(ctx, r.sessionKey(token), data, r.cfg.sessionTTL).Result()
		if err != nil {
			return "", fmt.Errorf("session: redis setnx: %w", err)
		}
		if ok {
			return token, nil
		}
	}
	return "", errors.New("session: token collision")
}

func (r *Redis) Get(ctx context.Context, token string) (Record, error) {
	rec, err := r.load(ctx, token)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *Redis) load(ctx context.Context, token string) (Record, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("session: redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("session: decode: %w", err)
	}
	rec.Token = token
	if r.cfg.sessionExpired(rec, r.cfg.now()) {
		_ = r.client.Del(ctx, r.sessionKey(token)).Err()
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Touch updates last activity with SET XX KEEPTTL, so a session deleted
// concurrently is never recreated and its absolute expiry is unchanged.
func (r *Redis) Touch(ctx context.Context, token string) error {
	rec, err := r.load(ctx, token)
	if err != nil {
		return err
	}
	rec.LastActivity = r.cfg.now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	err = r.client.SetArgs(ctx, r.sessionKey(token), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("session: redis del: %w", err)
	}
	return nil
}

func (r *Redis) PutChallenge(ctx context.Context, token, text string) error {
	data, err := json.Marshal(Challenge{Text: text, IssuedAt: r.cfg.now().UTC()})
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := r.client.Set(ctx, r.challengeKey(token), data, r.cfg.challengeTTL).Err(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	return nil
}

func (r *Redis) TakeChallenge(ctx context.Context, token string) (Challenge, error) {
	raw, err := r.client.GetDel(ctx, r.challengeKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Challenge{}, ErrNotFound
	}
	if err != nil {
		return Challenge{}, fmt.Errorf("session: redis getdel: %w", err)
	}
	var ch Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return Challenge{}, fmt.Errorf("session: decode: %w", err)
	}
	if r.cfg.challengeExpired(ch, r.cfg.now()) {
		return Challenge{}, ErrNotFound
	}
	return ch, nil
}

// Ping checks connectivity, used by readiness probes.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Store = (*Redis)(nil)
var _ Store = (*Memory)(nil)
