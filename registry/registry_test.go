package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	saved map[string]*Signal
	fail  error
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]*Signal)}
}

func (m *memStore) SaveSignal(_ context.Context, s *Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saved[s.ID] = s.Clone()
	return nil
}

func (m *memStore) LoadSignals(_ context.Context) ([]*Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Signal, 0, len(m.saved))
	for _, s := range m.saved {
		out = append(out, s.Clone())
	}
	return out, nil
}

func eurusd(msg string, entry float64) NewSignal {
	return NewSignal{
		ChannelID:       "chan-1",
		Account:         "main",
		SourceMessageID: msg,
		Symbol:          "EURUSD",
		Direction:       Buy,
		Entry:           entry,
		StopLoss:        1.1950,
		Targets:         []float64{1.2050, 1.2100},
	}
}

func TestMarkSentTwiceSetsFlagOnce(t *testing.T) {
	ctx := context.Background()
	r := New(newMemStore(), nil, 0)

	s, err := r.Register(ctx, eurusd("m1", 1.2000), DuplicatePolicy{})
	require.NoError(t, err)

	sent, err := r.MarkSent(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, sent.Status)
	assert.True(t, sent.Delivered)

	_, err = r.MarkSent(ctx, s.ID)
	assert.ErrorIs(t, err, ErrAlreadyDelivered)

	got, _ := r.Get(s.ID)
	assert.Equal(t, StatusSent, got.Status, "重复投递不改变状态")
}

func TestMarkSentUnderContention(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil, 0)
	s, err := r.Register(ctx, eurusd("m1", 1.2000), DuplicatePolicy{})
	require.NoError(t, err)

	var ok, already int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.MarkSent(ctx, s.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrAlreadyDelivered):
				atomic.AddInt32(&already, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok, "只有一个调用能设置投递标记")
	assert.Equal(t, int32(31), already)
}

func TestRegisterDuplicateSuppression(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(store, nil, 0)
	policy := DuplicatePolicy{Enabled: true, Tolerance: 0.0005}

	first, err := r.Register(ctx, eurusd("m1", 1.2000), policy)
	require.NoError(t, err)

	_, err = r.Register(ctx, eurusd("m2", 1.2003), policy)
	assert.ErrorIs(t, err, ErrDuplicateSignal)
	assert.Len(t, store.saved, 1, "重复信号不写入存储")

	_, err = r.Register(ctx, eurusd("m3", 1.2010), policy)
	assert.NoError(t, err, "超出容差不算重复")

	sell := eurusd("m4", 1.2000)
	sell.Direction = Sell
	_, err = r.Register(ctx, sell, policy)
	assert.NoError(t, err, "方向不同不算重复")

	_, err = r.Register(ctx, eurusd("m5", 1.2000), DuplicatePolicy{})
	assert.NoError(t, err, "未开启抑制时允许重复")

	// 信号结束后不再参与重复检测
	_, err = r.MarkSent(ctx, first.ID)
	require.NoError(t, err)
	_, err = r.Acknowledge(ctx, first.ID)
	require.NoError(t, err)
	_, err = r.Settle(ctx, first.ID)
	require.NoError(t, err)
	_, err = r.Supersede(ctx, mustFind(t, r, "m3").ID, "test")
	require.NoError(t, err)
	_, err = r.Supersede(ctx, mustFind(t, r, "m5").ID, "test")
	require.NoError(t, err)
	_, err = r.Register(ctx, eurusd("m6", 1.2001), policy)
	assert.NoError(t, err)
}

func mustFind(t *testing.T, r *Registry, msg string) *Signal {
	t.Helper()
	s, ok := r.FindBySourceMessage("chan-1", msg)
	require.True(t, ok)
	return s
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil, 0)
	s, err := r.Register(ctx, eurusd("m1", 1.2), DuplicatePolicy{})
	require.NoError(t, err)

	_, err = r.Acknowledge(ctx, s.ID)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "pending", te.From)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.MarkSent(ctx, s.ID)
	require.NoError(t, err)
	ack, err := r.Acknowledge(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, ack.Status)

	_, err = r.Acknowledge(ctx, s.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "确认只发生一次")
	_, err = r.Supersede(ctx, s.ID, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.MarkSent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectAndResetDelivery(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil, 0)
	s, err := r.Register(ctx, eurusd("m1", 1.2), DuplicatePolicy{})
	require.NoError(t, err)
	_, err = r.MarkSent(ctx, s.ID)
	require.NoError(t, err)

	rejected, err := r.Reject(ctx, s.ID, "bridge offline")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.True(t, rejected.Delivered, "投递标记只能由运维重置")

	reset, err := r.ResetDelivery(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reset.Status)
	assert.False(t, reset.Delivered)

	_, err = r.MarkSent(ctx, s.ID)
	assert.NoError(t, err)
}

func TestStoreFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(store, nil, 0)
	s, err := r.Register(ctx, eurusd("m1", 1.2), DuplicatePolicy{})
	require.NoError(t, err)

	store.fail = errors.New("disk full")
	_, err = r.MarkSent(ctx, s.ID)
	require.Error(t, err)

	got, _ := r.Get(s.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.Delivered)
}

func TestLatestOpenAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(store, nil, 0)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	a, err := r.Register(ctx, eurusd("m1", 1.2), DuplicatePolicy{})
	require.NoError(t, err)
	b, err := r.Register(ctx, eurusd("m2", 1.3), DuplicatePolicy{})
	require.NoError(t, err)

	latest, ok := r.LatestOpen("chan-1")
	require.True(t, ok)
	assert.Equal(t, b.ID, latest.ID)

	_, err = r.Supersede(ctx, b.ID, "replaced")
	require.NoError(t, err)
	latest, ok = r.LatestOpen("chan-1")
	require.True(t, ok)
	assert.Equal(t, a.ID, latest.ID)

	_, ok = r.LatestOpen("other")
	assert.False(t, ok)

	restored := New(store, nil, 0)
	require.NoError(t, restored.Load(ctx))
	got, ok := restored.FindBySourceMessage("chan-1", "m2")
	require.True(t, ok)
	assert.Equal(t, StatusSuperseded, got.Status)
	assert.Len(t, restored.List(Filter{ChannelID: "chan-1"}), 2)
	assert.Len(t, restored.List(Filter{OpenOnly: true}), 1)
}
