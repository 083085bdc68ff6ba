package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcopier/registry"
)

type memStore struct {
	mu     sync.Mutex
	trades map[string]*Trade
	fail   error
}

func (m *memStore) SaveTrades(_ context.Context, trades []*Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.trades == nil {
		m.trades = make(map[string]*Trade)
	}
	for _, t := range trades {
		m.trades[t.ID] = t.Clone()
	}
	return nil
}

func (m *memStore) LoadTrades(_ context.Context) ([]*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t.Clone())
	}
	return out, nil
}

func testSignal() *registry.Signal {
	return &registry.Signal{
		ID:        "sig_1",
		ChannelID: "chan-1",
		Account:   "main",
		Symbol:    "EURUSD",
		Direction: registry.Buy,
		Entry:     1.2000,
		StopLoss:  1.1950,
		Targets:   []float64{1.2050, 1.2100, 1.2150},
	}
}

func TestBuildSplitPlanFractionsSumToOne(t *testing.T) {
	tests := []struct {
		name     string
		percents []float64
		targets  int
		legs     int
	}{
		{"三等分", []float64{33.3, 33.3, 33.4}, 3, 3},
		{"比例多于止盈", []float64{50, 30, 20}, 2, 2},
		{"比例少于止盈", []float64{60, 40}, 3, 3},
		{"无配置平均分配", nil, 3, 3},
		{"无止盈单腿", []float64{50, 50}, 0, 1},
		{"不整除", []float64{1, 1, 1}, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildSplitPlan(LegModeSplit, tt.percents, tt.targets)
			require.NoError(t, err)
			require.Len(t, plan.Legs, tt.legs)
			sum := 0.0
			for _, leg := range plan.Legs {
				assert.Greater(t, leg.Fraction, 0.0)
				sum += leg.Fraction
			}
			assert.InDelta(t, 1.0, sum, Epsilon)
		})
	}

	plan, err := BuildSplitPlan(LegModeSplit, []float64{50, 30, 20}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, plan.Legs[0].Fraction, 1e-9)
	assert.InDelta(t, 0.5, plan.Legs[1].Fraction, 1e-9, "多余比例并入最后一个止盈")

	_, err = BuildSplitPlan("weird", nil, 1)
	assert.Error(t, err)
	_, err = BuildSplitPlan(LegModeSplit, []float64{50, -10}, 2)
	assert.Error(t, err)
}

func TestOpenFromSignalModes(t *testing.T) {
	ctx := context.Background()

	l := New(nil, nil, 0)
	plan, err := BuildSplitPlan(LegModeSplit, []float64{50, 30, 20}, 3)
	require.NoError(t, err)
	legs, err := l.OpenFromSignal(ctx, testSignal(), plan)
	require.NoError(t, err)
	require.Len(t, legs, 3)
	for i, tr := range legs {
		assert.Equal(t, StatusPending, tr.Status)
		require.Len(t, tr.Targets, 1, "split 模式每条腿只有自己的止盈")
		assert.Equal(t, i+1, tr.Targets[0].Index)
	}
	assert.InDelta(t, 1.0, l.SumFractions("sig_1"), Epsilon)

	managed := New(nil, nil, 0)
	plan, err = BuildSplitPlan(LegModeBridgeManaged, []float64{50, 30, 20}, 3)
	require.NoError(t, err)
	single, err := managed.OpenFromSignal(ctx, testSignal(), plan)
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Len(t, single[0].Targets, 3, "bridge_managed 携带完整止盈序列")
	assert.InDelta(t, 0.3, single[0].Targets[1].Fraction, 1e-9)
	assert.Equal(t, 1.0, single[0].Fraction)
}

func openOne(t *testing.T, l *Ledger) *Trade {
	t.Helper()
	plan, err := BuildSplitPlan(LegModeBridgeManaged, nil, 3)
	require.NoError(t, err)
	trades, err := l.OpenFromSignal(context.Background(), testSignal(), plan)
	require.NoError(t, err)
	return trades[0]
}

func TestFillCloseLifecycle(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil, 0)
	tr := openOne(t, l)

	_, err := l.ApplyClose(ctx, tr.ID, Close{Fraction: 0.5})
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending 不能平仓")

	opened, err := l.ApplyFill(ctx, tr.ID, "T-100", 1.2001)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, opened.Status)
	assert.Equal(t, 1.2000, opened.Entry, "限价入场保持信号价")

	again, err := l.ApplyFill(ctx, tr.ID, "T-100", 1.2001)
	require.NoError(t, err, "相同 ticket 重放为空操作")
	assert.Equal(t, opened.UpdatedAt, again.UpdatedAt)

	_, err = l.ApplyFill(ctx, tr.ID, "T-999", 1.2001)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	half, err := l.ApplyClose(ctx, tr.ID, Close{Fraction: 0.5, Profit: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyClosed, half.Status)

	_, err = l.Cancel(ctx, tr.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "部分平仓后不能取消")

	closed, err := l.ApplyClose(ctx, tr.ID, Close{Fraction: 0.4999999, Profit: 5})
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status, "误差范围内视为全部平仓")
	assert.Equal(t, 1.0, closed.ClosedFraction)
	assert.Equal(t, 15.0, closed.RealizedPnL)

	_, err = l.ApplyClose(ctx, tr.ID, Close{Fraction: 1})
	var te *registry.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "closed", te.From)
	assert.True(t, l.AllTerminal("sig_1"))
}

func TestCancelOnlyFromPendingOrOpen(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil, 0)
	tr := openOne(t, l)

	c, err := l.Cancel(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, c.Status)

	_, err = l.Cancel(ctx, tr.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = l.MoveStop(ctx, tr.ID, 1.2)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = l.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBreakevenMarkerOnce(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil, 0)
	tr := openOne(t, l)
	_, err := l.ApplyFill(ctx, tr.ID, "T-1", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.MarkBreakevenApplied(ctx, tr.ID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRatchetTrailOnlyTightens(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil, 0)
	tr := openOne(t, l)
	_, err := l.ApplyFill(ctx, tr.ID, "T-1", 0)
	require.NoError(t, err)

	step := 0.0005
	ok, err := l.RatchetTrail(ctx, tr.ID, 1.1990, step)
	require.NoError(t, err)
	assert.True(t, ok, "比止损 1.1950 收紧")

	ok, _ = l.RatchetTrail(ctx, tr.ID, 1.1993, step)
	assert.False(t, ok, "不足一个步长")

	ok, _ = l.RatchetTrail(ctx, tr.ID, 1.1980, step)
	assert.False(t, ok, "不能放松")

	ok, _ = l.RatchetTrail(ctx, tr.ID, 1.2000, step)
	assert.True(t, ok)

	got, _ := l.Get(tr.ID)
	assert.Equal(t, 1.2000, got.TrailStop)
}

func TestRatchetTrailRespectsTighterStop(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil, 0)
	tr := openOne(t, l)
	_, err := l.ApplyFill(ctx, tr.ID, "T-1", 0)
	require.NoError(t, err)

	step := 0.0005
	ok, err := l.RatchetTrail(ctx, tr.ID, 1.2020, step)
	require.NoError(t, err)
	require.True(t, ok)

	// 止损被单独收紧到移动止损之上
	_, err = l.MoveStop(ctx, tr.ID, 1.2040)
	require.NoError(t, err)

	ok, _ = l.RatchetTrail(ctx, tr.ID, 1.2035, step)
	assert.False(t, ok, "低于当前止损")

	ok, _ = l.RatchetTrail(ctx, tr.ID, 1.2045, step)
	assert.True(t, ok)

	got, _ := l.Get(tr.ID)
	assert.Equal(t, 1.2045, got.TightestStop())
	assert.True(t, got.Loosens(1.2040))
	assert.False(t, got.Loosens(1.2050))
}

func TestTargetsAndTrailingFlag(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil, 0)
	tr := openOne(t, l)

	updated, err := l.SetTarget(ctx, tr.ID, 2, 1.2120)
	require.NoError(t, err)
	tg, ok := updated.Target(2)
	require.True(t, ok)
	assert.Equal(t, 1.2120, tg.Price)

	_, err = l.SetTarget(ctx, tr.ID, 9, 1.3)
	assert.Error(t, err)

	hit, err := l.MarkTargetHit(ctx, tr.ID, 1)
	require.NoError(t, err)
	tg, _ = hit.Target(1)
	assert.True(t, tg.Hit)

	enabled, err := l.EnableTrailing(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, enabled.TrailingEnabled)
}

func TestReconcileRepairAndPersistence(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	l := New(store, nil, 0)
	tr := openOne(t, l)
	_, err := l.Cancel(ctx, tr.ID)
	require.NoError(t, err)

	repaired, err := l.Reconcile(ctx, tr.ID, Repair{Status: StatusOpen, Ticket: "T-7"})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, repaired.Status, "修复迁移允许回退")

	restored := New(store, nil, 0)
	require.NoError(t, restored.Load(ctx))
	got, ok := restored.Get(tr.ID)
	require.True(t, ok)
	assert.Equal(t, "T-7", got.Ticket)
	assert.Len(t, restored.OpenSnapshot(), 1)
}

func TestPersistFailureAbortsTransition(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	l := New(store, nil, 0)
	tr := openOne(t, l)

	store.fail = errors.New("db down")
	_, err := l.ApplyFill(ctx, tr.ID, "T-1", 0)
	require.Error(t, err)

	got, _ := l.Get(tr.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.Ticket)
}
