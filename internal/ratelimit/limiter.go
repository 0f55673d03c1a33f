package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketUsage = []byte("send_quota")

// Level is the scope a send quota is counted in
type Level string

const (
	LevelGlobal    Level = "global"
	LevelRecipient Level = "recipient"
)

// Config contains send quota configuration
type Config struct {
	Global        *LimitConfig  `yaml:"global,omitempty"`        // all outbound messages
	PerRecipient  *LimitConfig  `yaml:"per_recipient,omitempty"` // per phone number
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains quota values. Zero means unlimited.
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Usage is the consumption of one scope in the current UTC hour and day
type Usage struct {
	Hour   time.Time `json:"hour"`
	Day    time.Time `json:"day"`
	Hourly int       `json:"hourly"`
	Daily  int       `json:"daily"`
}

// at returns u moved to the windows containing now, dropping expired counts
func (u Usage) at(now time.Time) Usage {
	hour := now.UTC().Truncate(time.Hour)
	day := startOfDay(now)
	if !u.Hour.Equal(hour) {
		u.Hour, u.Hourly = hour, 0
	}
	if !u.Day.Equal(day) {
		u.Day, u.Daily = day, 0
	}
	return u
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Request describes one outbound send
type Request struct {
	Recipient string // phone number
}

// Result is the outcome of a quota check
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Limiter enforces hourly and daily send quotas. Usage is kept in memory,
// written to bbolt every FlushInterval and on Stop, and reloaded on start.
type Limiter struct {
	db  *bolt.DB
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	usage map[string]Usage
	dirty map[string]bool

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewLimiter loads persisted usage and starts the background flush
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	l := &Limiter{
		db:     db,
		now:    time.Now,
		usage:  make(map[string]Usage),
		dirty:  make(map[string]bool),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg != nil {
		l.cfg = *cfg
	}
	if l.cfg.FlushInterval <= 0 {
		l.cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketUsage)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var u Usage
			if json.Unmarshal(v, &u) == nil {
				l.usage[string(k)] = u
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load send quota usage: %w", err)
	}

	go l.flushLoop()

	return l, nil
}

type scope struct {
	level Level
	key   string
	limit *LimitConfig
}

func (l *Limiter) scopes(req *Request) []scope {
	var out []scope
	if l.cfg.Global != nil {
		out = append(out, scope{LevelGlobal, usageKey(LevelGlobal, ""), l.cfg.Global})
	}
	if l.cfg.PerRecipient != nil && req != nil && req.Recipient != "" {
		out = append(out, scope{LevelRecipient, usageKey(LevelRecipient, req.Recipient), l.cfg.PerRecipient})
	}
	return out
}

// Allow consumes one send from every applicable scope, or from none when any
// scope is exhausted.
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	scopes := l.scopes(req)
	current := make([]Usage, len(scopes))

	for i, s := range scopes {
		u := l.usage[s.key].at(now)
		if s.limit.MessagesPerHour > 0 && u.Hourly >= s.limit.MessagesPerHour {
			return &Result{DeniedBy: s.level, DeniedKey: s.key, RetryAfter: u.Hour.Add(time.Hour).Sub(now)}, nil
		}
		if s.limit.MessagesPerDay > 0 && u.Daily >= s.limit.MessagesPerDay {
			return &Result{DeniedBy: s.level, DeniedKey: s.key, RetryAfter: u.Day.AddDate(0, 0, 1).Sub(now)}, nil
		}
		current[i] = u
	}

	for i, s := range scopes {
		u := current[i]
		u.Hourly++
		u.Daily++
		l.usage[s.key] = u
		l.dirty[s.key] = true
	}

	return &Result{Allowed: true}, nil
}

// Usage returns the consumption of a scope in the current windows. key is
// the phone number for LevelRecipient and ignored for LevelGlobal.
func (l *Limiter) Usage(level Level, key string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage[usageKey(level, key)].at(l.now())
}

// Flush writes changed usage to bbolt and drops scopes idle since before today
func (l *Limiter) Flush() error {
	l.mu.Lock()
	today := startOfDay(l.now())
	writes := make(map[string][]byte, len(l.dirty))
	var stale []string
	for key, u := range l.usage {
		if u.Day.Before(today) {
			stale = append(stale, key)
			delete(l.usage, key)
			continue
		}
		if l.dirty[key] {
			data, err := json.Marshal(u)
			if err != nil {
				l.mu.Unlock()
				return fmt.Errorf("failed to encode usage %s: %w", key, err)
			}
			writes[key] = data
		}
	}
	l.dirty = make(map[string]bool)
	l.mu.Unlock()

	if len(writes) == 0 && len(stale) == 0 {
		return nil
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsage)
		for key, data := range writes {
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		for _, key := range stale {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.mu.Lock()
		for key := range writes {
			l.dirty[key] = true
		}
		l.mu.Unlock()
		return fmt.Errorf("failed to flush send quota usage: %w", err)
	}
	return nil
}

// Stop ends the background flush and persists usage. Safe to call twice.
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		<-l.done
	})
	return l.Flush()
}

func (l *Limiter) flushLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			// retried on the next tick and on Stop
			_ = l.Flush()
		}
	}
}

func usageKey(level Level, key string) string {
	if level == LevelGlobal {
		return string(LevelGlobal)
	}
	return string(level) + ":" + key
}
