package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"prjevent.org/internal/obs"
)

// Memory is a process-local Store. Every mutation happens under one mutex,
// which is what makes TakeChallenge exactly-once.
type Memory struct {
	mu         sync.Mutex
	sessions   map[string]Record
	challenges map[string]Challenge
	cfg        settings
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Memory{
		sessions:   make(map[string]Record),
		challenges: make(map[string]Challenge),
		cfg:        cfg,
	}
}

func (m *Memory) Create(ctx context.Context, identityID int64, loginCode string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for attempt := 0; attempt < createAttempts; attempt++ {
		token, err := NewToken()
		if err != nil {
			return "", err
		}
		m.mu.Lock()
		if _, taken := m.sessions[token]; taken {
			m.mu.Unlock()
			continue
		}
		now := m.cfg.now().UTC()
		m.sessions[token] = Record{
			Token:         token,
			IdentityID:    identityID,
			LoginCode:     loginCode,
			EstablishedAt: now,
			LastActivity:  now,
		}
		m.mu.Unlock()
		return token, nil
	}
	return "", errors.New("session: token collision")
}

func (m *Memory) Get(ctx context.Context, token string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.liveLocked(token)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Touch(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.liveLocked(token)
	if !ok {
		return ErrNotFound
	}
	rec.LastActivity = m.cfg.now().UTC()
	m.sessions[token] = rec
	return nil
}

func (m *Memory) Delete(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutChallenge(ctx context.Context, token, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.challenges[token] = Challenge{Text: text, IssuedAt: m.cfg.now().UTC()}
	m.mu.Unlock()
	return nil
}

func (m *Memory) TakeChallenge(ctx context.Context, token string) (Challenge, error) {
	if err := ctx.Err(); err != nil {
		return Challenge{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[token]
	if !ok {
		return Challenge{}, ErrNotFound
	}
	delete(m.challenges, token)
	if m.cfg.challengeExpired(ch, m.cfg.now()) {
		return Challenge{}, ErrNotFound
	}
	return ch, nil
}

// liveLocked returns the record for token, dropping it if expired.
func (m *Memory) liveLocked(token string) (Record, bool) {
	rec, ok := m.sessions[token]
	if !ok {
		return Record{}, false
	}
	if m.cfg.sessionExpired(rec, m.cfg.now()) {
		delete(m.sessions, token)
		return Record{}, false
	}
	return rec, true
}

// Len returns the number of stored sessions, expired ones included until
// the next sweep.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes expired sessions and challenges and reports how many were
// dropped. It never extends or creates entries.
func (m *Memory) Sweep() int {
	now := m.cfg.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for token, rec := range m.sessions {
		if m.cfg.sessionExpired(rec, now) {
			delete(m.sessions, token)
			removed++
		}
	}
	for token, ch := range m.challenges {
		if m.cfg.challengeExpired(ch, now) {
			delete(m.challenges, token)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				obs.Log(obs.LevelDebug, "session_sweep", map[string]any{"removed": n})
			}
		}
	}
}
