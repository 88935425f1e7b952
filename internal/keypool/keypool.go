// Package keypool owns the provider credentials of one replica: an ordered
// pool of generation keys with failover, and one dedicated speech key.
//
// Rate-limit marks are local and advisory. They steer failover order and the
// UI; they never stop a marked key from being selected again.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"canvas-chat/internal/llm"
	"canvas-chat/internal/models"
)

var (
	ErrNoKeys       = errors.New("no API keys configured")
	ErrNoSpeechKey  = errors.New("no speech key configured")
	ErrInvalidIndex = errors.New("key index out of range")
)

// Purpose selects which credential slot a client is bound to.
type Purpose int

const (
	Generation Purpose = iota
	Speech
)

func (p Purpose) String() string {
	if p == Speech {
		return "speech"
	}
	return "generation"
}

// Dialer builds a provider client for one API key.
type Dialer func(apiKey string) llm.API

// UsageRecorder persists cumulative token usage per key slot.
type UsageRecorder interface {
	AddKeyUsage(ctx context.Context, keyIndex int, tokens int) error
	KeyUsage(ctx context.Context) (map[int]int64, error)
}

// Config is the injected credential set.
type Config struct {
	GenerationKeys []string
	SpeechKey      string
	ActiveIndex    int
}

// Handle is a provider client bound to one key slot.
type Handle struct {
	llm.API
	Index   int
	Purpose Purpose
}

// Manager tracks the active generation key, rate-limit marks and usage.
type Manager struct {
	mu          sync.Mutex
	keys        []string
	speechKey   string
	current     int
	rateLimited map[int]bool
	usage       map[int]int64
	cached      map[Purpose]*Handle
	dial        Dialer
	recorder    UsageRecorder

	observers map[int]func(models.KeyStatus)
	nextObs   int
}

// NewManager builds a Manager. An out-of-range ActiveIndex starts at 0.
func NewManager(cfg Config, dial Dialer, recorder UsageRecorder) *Manager {
	keys := make([]string, 0, len(cfg.GenerationKeys))
	for _, k := range cfg.GenerationKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}
	current := cfg.ActiveIndex
	if current < 0 || current >= len(keys) {
		current = 0
	}
	return &Manager{
		keys:        keys,
		speechKey:   cfg.SpeechKey,
		current:     current,
		rateLimited: make(map[int]bool),
		usage:       make(map[int]int64),
		cached:      make(map[Purpose]*Handle),
		dial:        dial,
		recorder:    recorder,
		observers:   make(map[int]func(models.KeyStatus)),
	}
}

// PoolSize is the number of generation keys.
func (m *Manager) PoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// SpeechIndex is the usage slot of the speech key.
func (m *Manager) SpeechIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// ActiveClient returns a client bound to the current key for purpose.
func (m *Manager) ActiveClient(purpose Purpose) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.cached[purpose]; ok {
		return h, nil
	}

	var h *Handle
	switch purpose {
	case Speech:
		if m.speechKey == "" {
			return nil, ErrNoSpeechKey
		}
		h = &Handle{API: m.dial(m.speechKey), Index: len(m.keys), Purpose: Speech}
	default:
		if len(m.keys) == 0 {
			return nil, ErrNoKeys
		}
		h = &Handle{API: m.dial(m.keys[m.current]), Index: m.current, Purpose: Generation}
	}
	m.cached[purpose] = h
	return h, nil
}

// SelectKey makes index the active generation key.
func (m *Manager) SelectKey(index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.keys) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	m.current = index
	delete(m.cached, Generation)
	status := m.statusLocked()
	m.mu.Unlock()

	log.Printf("keypool: selected key=%d", index)
	m.broadcast(status)
	return nil
}

// AdvanceOnFailure marks failed as rate-limited and, if it is still the
// active key, moves to the next generation key. A failure reported for a key
// another request already moved past only adds the mark.
func (m *Manager) AdvanceOnFailure(failed int) int {
	m.mu.Lock()
	if len(m.keys) == 0 {
		m.mu.Unlock()
		return 0
	}
	if failed >= 0 && failed < len(m.keys) {
		m.rateLimited[failed] = true
	}
	if failed == m.current {
		m.current = (m.current + 1) % len(m.keys)
		delete(m.cached, Generation)
	}
	current := m.current
	status := m.statusLocked()
	m.mu.Unlock()

	log.Printf("keypool: key=%d failed, active key=%d", failed, current)
	m.broadcast(status)
	return current
}

// RecordSuccess clears the rate-limit mark of index and persists tokens.
func (m *Manager) RecordSuccess(ctx context.Context, index int, tokens int) {
	m.mu.Lock()
	delete(m.rateLimited, index)
	if tokens > 0 {
		m.usage[index] += int64(tokens)
	}
	status := m.statusLocked()
	m.mu.Unlock()

	if tokens > 0 && m.recorder != nil {
		if err := m.recorder.AddKeyUsage(ctx, index, tokens); err != nil {
			log.Printf("keypool: persist usage key=%d tokens=%d failed: %v", index, tokens, err)
		}
	}
	m.broadcast(status)
}

// LoadUsage seeds the local usage counters from the persisted totals.
func (m *Manager) LoadUsage(ctx context.Context) error {
	if m.recorder == nil {
		return nil
	}
	usage, err := m.recorder.KeyUsage(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for k, v := range usage {
		m.usage[k] = v
	}
	status := m.statusLocked()
	m.mu.Unlock()
	m.broadcast(status)
	return nil
}

// Status returns the current snapshot.
func (m *Manager) Status() models.KeyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Subscribe calls fn with the current snapshot and after every mutation.
func (m *Manager) Subscribe(fn func(models.KeyStatus)) func() {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	status := m.statusLocked()
	m.mu.Unlock()

	fn(status)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Manager) statusLocked() models.KeyStatus {
	limited := make([]int, 0, len(m.rateLimited))
	for idx := range m.rateLimited {
		limited = append(limited, idx)
	}
	sort.Ints(limited)
	usage := make(map[int]int64, len(m.usage))
	for k, v := range m.usage {
		usage[k] = v
	}
	return models.KeyStatus{
		CurrentIndex: m.current,
		PoolSize:     len(m.keys),
		RateLimited:  limited,
		Usage:        usage,
	}
}

func (m *Manager) broadcast(status models.KeyStatus) {
	m.mu.Lock()
	observers := make([]func(models.KeyStatus), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}
}
