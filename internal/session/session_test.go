package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaltIsSticky(t *testing.T) {
	s := New("paper", true)
	assert.False(t, s.Halted())
	assert.True(t, s.TradingEnabled())

	require.True(t, s.Halt(HaltDailyLoss, "loss -150 exceeds 100"))
	assert.False(t, s.Halt(HaltOperator, "manual"))

	state := s.HaltState()
	assert.True(t, state.Halted)
	assert.Equal(t, HaltDailyLoss, state.Reason)
	assert.Equal(t, "loss -150 exceeds 100", state.Detail)
	assert.False(t, state.HaltedAt.IsZero())
}

func TestOnHaltFiresOnce(t *testing.T) {
	s := New("paper", false)
	var calls []HaltReason
	s.OnHalt(func(st HaltState) { calls = append(calls, st.Reason) })

	s.Halt(HaltReconcileMismatch, "unexpected order")
	s.Halt(HaltConnectivity, "tick timeout")

	assert.Equal(t, []HaltReason{HaltReconcileMismatch}, calls)
}

func TestConcurrentHaltSingleWinner(t *testing.T) {
	s := New("paper", true)
	var wg sync.WaitGroup
	wins := make(chan HaltReason, 8)
	reasons := []HaltReason{HaltDailyLoss, HaltOperator, HaltConnectivity, HaltReconcileMismatch}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(r HaltReason) {
			defer wg.Done()
			if s.Halt(r, "race") {
				wins <- r
			}
			_ = s.Halted()
		}(reasons[i%len(reasons)])
	}
	wg.Wait()
	close(wins)

	var won []HaltReason
	for r := range wins {
		won = append(won, r)
	}
	require.Len(t, won, 1)
	assert.Equal(t, won[0], s.HaltState().Reason)
}

func TestLateHaltsKeepFirstReason(t *testing.T) {
	s := New("paper", true)
	require.True(t, s.Halt(HaltOperator, "first"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.False(t, s.Halt(HaltConnectivity, "late"))
		}()
		go func() {
			defer wg.Done()
			assert.Equal(t, HaltOperator, s.HaltState().Reason)
		}()
	}
	wg.Wait()
	assert.Equal(t, "first", s.HaltState().Detail)
}
