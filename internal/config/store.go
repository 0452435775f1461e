package config

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
)

// Watcher is called after a new config has been committed. changed holds the
// keys that triggered the update.
type Watcher func(newCfg *Config, changed map[string]bool)

// Validator vetoes an update by returning an error.
type Validator func(newCfg *Config, changed map[string]bool) error

// Store holds the live config. Readers call Get on every use so hot-reloaded
// values (log level, pool sizes, idle threshold, top-N) take effect.
type Store struct {
	v          atomic.Pointer[Config]
	mu         sync.RWMutex
	nextID     int
	watchers   map[int]Watcher
	validators map[int]Validator
}

func NewStore(cfg *Config) *Store {
	s := &Store{watchers: map[int]Watcher{}, validators: map[int]Validator{}}
	s.v.Store(cfg)
	return s
}

func (s *Store) Get() *Config {
	return s.v.Load()
}

// Update commits newCfg without validation and notifies watchers.
func (s *Store) Update(newCfg *Config, changed map[string]bool) {
	s.v.Store(newCfg)
	s.mu.RLock()
	ws := make([]Watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		ws = append(ws, w)
	}
	s.mu.RUnlock()
	for _, w := range ws {
		w(newCfg, changed)
	}
}

// Watch registers w and returns its unregister func.
func (s *Store) Watch(w Watcher) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = w
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// AddValidator registers a validator. If any validator returns error on update, the update will be discarded.
func (s *Store) AddValidator(v Validator) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.validators[id] = v
	return func() {
		s.mu.Lock()
		delete(s.validators, id)
		s.mu.Unlock()
	}
}

// UpdateValidated runs validators before committing the config. If any validator fails, no change is applied.
func (s *Store) UpdateValidated(newCfg *Config, changed map[string]bool) bool {
	s.mu.RLock()
	vals := make([]Validator, 0, len(s.validators))
	for _, v := range s.validators {
		vals = append(vals, v)
	}
	s.mu.RUnlock()
	for _, v := range vals {
		if err := v(newCfg, changed); err != nil {
			configLogger.Sugar().Warnf("config update rejected: %v", err)
			return false
		}
	}
	s.Update(newCfg, changed)
	return true
}

func cloneConfig(in *Config) *Config {
	out := *in
	return &out
}

var (
	ErrUnknownKey = errors.New("config: key is not tunable at runtime")
	ErrRejected   = errors.New("config: update rejected")
)

// Tunables are the keys that may change at runtime without a restart.
var Tunables = []string{
	"log.level",
	"session.idle_min",
	"analytics.top_n",
	"ratelimit.window_sec",
	"ratelimit.max",
}

// TunableValues reports the live value of every tunable key.
func (s *Store) TunableValues() map[string]string {
	c := s.Get()
	return map[string]string{
		"log.level":            c.Log.Level,
		"session.idle_min":     strconv.Itoa(c.Session.IdleMin),
		"analytics.top_n":      strconv.Itoa(c.Analytics.TopN),
		"ratelimit.window_sec": strconv.Itoa(c.RateLimit.WindowSec),
		"ratelimit.max":        strconv.Itoa(c.RateLimit.Max),
	}
}

// Override applies values on a copy of the live config and commits it
// through the validators, the same path Apollo pushes take.
func (s *Store) Override(values map[string]string) (map[string]bool, error) {
	changed := make(map[string]bool, len(values))
	for k, v := range values {
		if !lo.Contains(Tunables, k) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, k)
		}
		if _, err := strconv.Atoi(v); err != nil && k != "log.level" {
			return nil, fmt.Errorf("%w: %s must be an integer", ErrRejected, k)
		}
		changed[k] = true
	}
	next := cloneConfig(s.Get())
	applyOverrides(func(k string) (string, bool) {
		v, ok := values[k]
		return v, ok
	}, next)
	if !s.UpdateValidated(next, changed) {
		return nil, ErrRejected
	}
	return changed, nil
}
