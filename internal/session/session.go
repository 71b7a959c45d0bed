// Package session holds the unlocked vault key in memory.
//
// The key is never handed out directly. Callers borrow a private copy through
// WithKey, and that copy is wiped when the callback returns, whether it
// returns normally, with an error, or by panicking. Lock wipes the held key;
// borrowers already in flight keep working on their own copies, and any
// WithKey started after Lock fails with common.ErrSessionLocked.
package session

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
)

// Session is safe for concurrent use. The zero value is a locked session.
type Session struct {
	mu      sync.RWMutex
	key     []byte
	vaultID string

	idle  time.Duration
	timer *time.Timer
	gen   uint64

	// afterFunc is a test seam for time.AfterFunc.
	afterFunc func(d time.Duration, f func()) *time.Timer
	onLock    func()
}

// Option configures a Session.
type Option func(*Session)

// WithIdleTimeout locks the session after d without a WithKey call.
// Zero disables auto-lock.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idle = d }
}

// WithOnLock registers a callback run after the session locks, including
// auto-lock. It must not call back into the Session.
func WithOnLock(f func()) Option {
	return func(s *Session) { s.onLock = f }
}

func New(opts ...Option) *Session {
	s := &Session{afterFunc: time.AfterFunc}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Unlock takes ownership of key, wiping whatever key was held before.
func (s *Session) Unlock(vaultID string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	common.WipeByteArray(s.key)
	s.key = key
	s.vaultID = vaultID
	s.resetTimerLocked()
}

// Lock zeroes the key. It is idempotent.
func (s *Session) Lock() {
	s.mu.Lock()
	wasUnlocked := s.key != nil
	s.lockLocked()
	onLock := s.onLock
	s.mu.Unlock()

	if wasUnlocked && onLock != nil {
		onLock()
	}
}

func (s *Session) lockLocked() {
	common.WipeByteArray(s.key)
	s.key = nil
	s.vaultID = ""
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != nil
}

// VaultID returns the id of the unlocked vault, or "" when locked.
func (s *Session) VaultID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vaultID
}

// WithKey runs fn with a private copy of the key. The copy is wiped when fn
// returns.
func (s *Session) WithKey(fn func(key []byte) error) error {
	key, err := s.borrow()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(key)
	return fn(key)
}

func (s *Session) borrow() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		return nil, common.ErrSessionLocked
	}
	s.resetTimerLocked()
	return common.CloneBytes(s.key), nil
}

// Swap replaces the held key only if the session is still unlocked, wiping
// the old one. It reports whether the swap happened.
func (s *Session) Swap(key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		return false
	}
	common.WipeByteArray(s.key)
	s.key = key
	s.resetTimerLocked()
	return true
}

func (s *Session) resetTimerLocked() {
	if s.idle <= 0 {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.afterFunc(s.idle, func() { s.expire(gen) })
}

// expire locks the session if gen still names the active idle timer.
func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.key == nil {
		s.mu.Unlock()
		return
	}
	s.lockLocked()
	onLock := s.onLock
	s.mu.Unlock()

	if onLock != nil {
		onLock()
	}
}
