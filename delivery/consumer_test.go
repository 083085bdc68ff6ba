package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcopier/bridge"
)

type scriptedBridge struct {
	mu       sync.Mutex
	failures map[string]int // tradeID -> 剩余失败次数
	reject   map[string]bool
	hang     map[string]bool
	calls    []bridge.Instruction
}

func (b *scriptedBridge) Dispatch(ctx context.Context, in bridge.Instruction) (bridge.Ack, error) {
	b.mu.Lock()
	b.calls = append(b.calls, in)
	hang := b.hang[in.TradeID]
	reject := b.reject[in.TradeID]
	fail := b.failures[in.TradeID] > 0
	if fail {
		b.failures[in.TradeID]--
	}
	b.mu.Unlock()

	switch {
	case hang:
		<-ctx.Done()
		return bridge.Ack{}, ctx.Err()
	case reject:
		return bridge.Ack{}, &bridge.Rejection{Reason: "invalid stops"}
	case fail:
		return bridge.Ack{}, errors.New("bridge unavailable")
	}
	return bridge.Ack{Token: in.Token, Ticket: "T-" + in.TradeID, Filled: true, Price: 1.2}, nil
}

func (b *scriptedBridge) Quote(context.Context, string) (bridge.Quote, error) {
	return bridge.Quote{}, nil
}

func (b *scriptedBridge) Positions(context.Context, string) ([]bridge.Position, error) {
	return nil, nil
}

func (b *scriptedBridge) Close() error { return nil }

func (b *scriptedBridge) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type ackRecorder struct {
	mu    sync.Mutex
	acked []Entry
}

func (r *ackRecorder) handle(_ context.Context, e Entry) {
	r.mu.Lock()
	r.acked = append(r.acked, e)
	r.mu.Unlock()
}

func (r *ackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acked)
}

func fastConfig() Config {
	return Config{
		MaxAttempts:   3,
		AckTimeout:    100 * time.Millisecond,
		BackoffMin:    5 * time.Millisecond,
		BackoffMax:    20 * time.Millisecond,
		RateLimit:     1000,
		Burst:         100,
		SweepInterval: 5 * time.Millisecond,
	}
}

func runConsumer(t *testing.T, q *Queue, b bridge.Bridge, onAck AckHandler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer(q, b, onAck)
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestConsumerDeliversAndAcks(t *testing.T) {
	q := NewQueue(fastConfig(), nil)
	b := &scriptedBridge{}
	rec := &ackRecorder{}
	stop := runConsumer(t, q, b, rec.handle)
	defer stop()

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := q.Enqueue(context.Background(), openOrder("main", id), nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, e := range rec.acked {
		assert.Equal(t, uint64(i+1), e.Seq, "同一账户按 FIFO 顺序确认")
		assert.Equal(t, StatusAcked, e.Status)
		assert.Equal(t, "T-"+e.Instruction.TradeID, e.Ack.Ticket)
	}
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	q := NewQueue(fastConfig(), nil)
	b := &scriptedBridge{failures: map[string]int{"t1": 2}}
	rec := &ackRecorder{}
	stop := runConsumer(t, q, b, rec.handle)
	defer stop()

	e, err := q.Enqueue(context.Background(), openOrder("main", "t1"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	got, _ := q.Get(e.Seq)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 3, b.callCount())
}

func TestConsumerReportsExhaustedOnce(t *testing.T) {
	q := NewQueue(fastConfig(), nil)
	var mu sync.Mutex
	var reported []Entry
	q.OnFailed(func(e Entry) {
		mu.Lock()
		reported = append(reported, e)
		mu.Unlock()
	})
	b := &scriptedBridge{failures: map[string]int{"t1": 100}, reject: map[string]bool{"t2": true}}
	stop := runConsumer(t, q, b, nil)
	defer stop()

	_, err := q.Enqueue(context.Background(), openOrder("main", "t1"), nil)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), openOrder("other", "t2"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.Failed()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, reported, 2)
	assert.Equal(t, 4, b.callCount(), "t1 三次，t2 被拒绝一次")
}

func TestConsumerTimesOutHangingBridge(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.AckTimeout = 20 * time.Millisecond
	q := NewQueue(cfg, nil)
	b := &scriptedBridge{hang: map[string]bool{"t1": true}}
	stop := runConsumer(t, q, b, nil)
	defer stop()

	e, err := q.Enqueue(context.Background(), openOrder("main", "t1"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := q.Get(e.Seq)
		return got.Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	got, _ := q.Get(e.Seq)
	assert.Contains(t, got.LastError, ErrDeliveryTimeout.Error())
}

func TestConsumerSkipsObsoleteEntries(t *testing.T) {
	q := NewQueue(fastConfig(), nil)
	e, err := q.Enqueue(context.Background(), openOrder("main", "t1"), nil)
	require.NoError(t, err)
	require.True(t, q.MarkObsolete(e.Seq))

	b := &scriptedBridge{}
	stop := runConsumer(t, q, b, nil)
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Zero(t, b.callCount(), "作废的条目不发送")
}
