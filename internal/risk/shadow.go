package risk

import (
	"context"
	"sync"

	"kalshi-arb/internal/store"
	"kalshi-arb/pkg/types"
)

// ShadowLedger is the dry-run stand-in for the persistent day ledger:
// the same Ledger surface, memory only. Paper fills accumulate here so
// the governor's circuits and summaries work, while the real fills and
// portfolio tables stay untouched.
type ShadowLedger struct {
	mu    sync.Mutex
	days  map[string]store.DayState
	fills []types.Fill
}

func NewShadowLedger() *ShadowLedger {
	return &ShadowLedger{days: make(map[string]store.DayState)}
}

func (l *ShadowLedger) AddDailyRealized(ctx context.Context, day string, delta int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.days[day]
	st.Day = day
	st.RealizedCents += delta
	l.days[day] = st
	return st.RealizedCents, nil
}

func (l *ShadowLedger) SetKillEngaged(ctx context.Context, day string, engaged bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.days[day]
	st.Day = day
	st.KillEngaged = engaged
	l.days[day] = st
	return nil
}

func (l *ShadowLedger) GetDayState(ctx context.Context, day string) (store.DayState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.days[day]
	st.Day = day
	return st, nil
}

func (l *ShadowLedger) RecordFill(ctx context.Context, f types.Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fills = append(l.fills, f)
	day := utcDay(f.FilledAt)
	st := l.days[day]
	st.Day = day
	st.Trades++
	l.days[day] = st
	return nil
}

// Fills returns every paper fill recorded so far.
func (l *ShadowLedger) Fills() []types.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.Fill(nil), l.fills...)
}
