package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

type HaltReason string

const (
	HaltDailyLoss         HaltReason = "daily_loss"
	HaltReconcileMismatch HaltReason = "reconcile_mismatch"
	HaltOperator          HaltReason = "operator"
	HaltConnectivity      HaltReason = "connectivity"
)

// HaltState is a copy of the halt flag taken under the session lock
type HaltState struct {
	Halted   bool
	Reason   HaltReason
	Detail   string
	HaltedAt time.Time
}

// Session carries the per-run context shared by the loop and the ops API.
// Once halted it stays halted for its lifetime; a new session is a restart.
type Session struct {
	ID        string
	Env       string
	StartedAt time.Time

	tradingEnabled bool

	mu     sync.RWMutex
	halt   HaltState
	onHalt []func(HaltState)

	logger zerolog.Logger
}

// New creates a session with a fresh id
func New(env string, tradingEnabled bool) *Session {
	id := uuid.New().String()
	return &Session{
		ID:             id,
		Env:            env,
		StartedAt:      time.Now().UTC(),
		tradingEnabled: tradingEnabled,
		logger:         zlog.With().Str("component", "session").Str("session_id", id).Logger(),
	}
}

// TradingEnabled reports whether the order submission gate is open
func (s *Session) TradingEnabled() bool {
	return s.tradingEnabled
}

// OnHalt registers a callback invoked once, after the first halt
func (s *Session) OnHalt(fn func(HaltState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHalt = append(s.onHalt, fn)
}

// Halt sets the sticky halt flag. The first reason wins; later calls return false.
func (s *Session) Halt(reason HaltReason, detail string) bool {
	s.mu.Lock()
	if s.halt.Halted {
		existing := s.halt.Reason
		s.mu.Unlock()
		s.logger.Debug().
			Str("reason", string(reason)).
			Str("existing_reason", string(existing)).
			Msg("Session already halted")
		return false
	}
	s.halt = HaltState{
		Halted:   true,
		Reason:   reason,
		Detail:   detail,
		HaltedAt: time.Now().UTC(),
	}
	state := s.halt
	callbacks := append([]func(HaltState){}, s.onHalt...)
	s.mu.Unlock()

	s.logger.Error().
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("Session halted")

	for _, fn := range callbacks {
		fn(state)
	}
	return true
}

// Halted reports whether the session has been halted
func (s *Session) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halt.Halted
}

// HaltState returns a snapshot of the halt flag
func (s *Session) HaltState() HaltState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halt
}
