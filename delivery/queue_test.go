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
	"signalcopier/resolver"
)

type memJournal struct {
	mu      sync.Mutex
	latest  map[uint64]Entry
	writes  int
	failErr error
}

func newMemJournal() *memJournal {
	return &memJournal{latest: make(map[uint64]Entry)}
}

func (j *memJournal) Record(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failErr != nil {
		return j.failErr
	}
	j.writes++
	j.latest[e.Seq] = e
	return nil
}

func (j *memJournal) Recover(context.Context) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, 0, len(j.latest))
	for _, e := range j.latest {
		out = append(out, e)
	}
	return out, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T, j Journal) (*Queue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	q := NewQueue(Config{
		MaxAttempts: 3,
		AckTimeout:  time.Second,
		BackoffMin:  100 * time.Millisecond,
		BackoffMax:  time.Second,
	}, j)
	q.now = clock.now
	return q, clock
}

func openOrder(account, tradeID string) bridge.Instruction {
	return bridge.Instruction{
		Kind:     bridge.KindOpenOrder,
		Account:  account,
		SignalID: "sig_1",
		TradeID:  tradeID,
		Symbol:   "EURUSD",
		Side:     "buy",
	}
}

func TestEnqueueAssignsIncreasingTokens(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, openOrder("main", "t1"), nil)
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, openOrder("main", "t2"), []resolver.Op{{Kind: resolver.OpClose, TradeID: "t2"}})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.Equal(t, b.Seq, b.Instruction.Token, "token 等于序号")
	assert.Len(t, b.OnAck, 1)

	_, err = q.Enqueue(ctx, bridge.Instruction{Kind: bridge.KindModifyStop, TradeID: "t1"}, nil)
	assert.Error(t, err, "缺少价格的指令不入队")
}

func TestEnqueueJournalFailureRejectsEntry(t *testing.T) {
	j := newMemJournal()
	j.failErr = errors.New("disk full")
	q, _ := newTestQueue(t, j)

	_, err := q.Enqueue(context.Background(), openOrder("main", "t1"), nil)
	require.Error(t, err)
	assert.Empty(t, q.Pending())

	j.failErr = nil
	e, err := q.Enqueue(context.Background(), openOrder("main", "t1"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Seq, "失败的入队不消耗序号")
}

func TestPerAccountFIFOWithRoundRobin(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()
	for _, in := range []bridge.Instruction{
		openOrder("a", "a1"), openOrder("a", "a2"), openOrder("b", "b1"),
	} {
		_, err := q.Enqueue(ctx, in, nil)
		require.NoError(t, err)
	}

	first, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "a1", first.Instruction.TradeID)

	second, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "b1", second.Instruction.TradeID, "账户 a 队首未完成，轮到账户 b")

	_, ok = q.Next()
	assert.False(t, ok, "a2 必须等 a1 完成")

	_, err := q.Ack(first.Seq, bridge.Ack{Ticket: "T-1"})
	require.NoError(t, err)

	third, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "a2", third.Instruction.TradeID)
}

func TestRetryBackoffThenExhaustedReportedOnce(t *testing.T) {
	j := newMemJournal()
	q, clock := newTestQueue(t, j)
	var reported []Entry
	q.OnFailed(func(e Entry) { reported = append(reported, e) })

	_, err := q.Enqueue(context.Background(), openOrder("main", "t1"), nil)
	require.NoError(t, err)

	boom := errors.New("connection reset")

	e, ok := q.Next()
	require.True(t, ok)
	after, err := q.Fail(e.Seq, e.Attempts, boom)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, after.Status)
	assert.Equal(t, clock.t.Add(100*time.Millisecond), after.NextAttemptAt)

	_, ok = q.Next()
	assert.False(t, ok, "退避期间不出队")

	clock.advance(100 * time.Millisecond)
	e, ok = q.Next()
	require.True(t, ok)
	after, err = q.Fail(e.Seq, e.Attempts, boom)
	require.NoError(t, err)
	assert.Equal(t, clock.t.Add(200*time.Millisecond), after.NextAttemptAt, "退避按 2 倍增长")

	clock.advance(200 * time.Millisecond)
	e, ok = q.Next()
	require.True(t, ok)
	assert.Equal(t, 3, e.Attempts)
	after, err = q.Fail(e.Seq, e.Attempts, boom)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, StatusFailed, after.Status)

	clock.advance(time.Hour)
	_, ok = q.Next()
	assert.False(t, ok, "失败条目不再出队")

	_, err = q.Fail(e.Seq, e.Attempts, boom)
	require.NoError(t, err)
	require.Len(t, reported, 1, "失败只上报一次")
	assert.True(t, reported[0].Reported)
	assert.Len(t, q.Failed(), 1)
	assert.Equal(t, StatusFailed, j.latest[e.Seq].Status)
}

func TestRejectionFailsImmediately(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	_, err := q.Enqueue(context.Background(), openOrder("main", "t1"), nil)
	require.NoError(t, err)

	e, _ := q.Next()
	after, err := q.Fail(e.Seq, e.Attempts, &bridge.Rejection{Reason: "market closed"})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, StatusFailed, after.Status)
	assert.Equal(t, 1, after.Attempts)
}

func TestStaleFailureIgnored(t *testing.T) {
	q, clock := newTestQueue(t, nil)
	_, err := q.Enqueue(context.Background(), openOrder("main", "t1"), nil)
	require.NoError(t, err)

	e, _ := q.Next()
	clock.advance(2 * time.Second)
	assert.Equal(t, 1, q.Expire(clock.t))

	clock.advance(time.Second)
	retry, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, 2, retry.Attempts)

	got, err := q.Fail(e.Seq, e.Attempts, errors.New("late failure of attempt 1"))
	require.NoError(t, err)
	assert.Equal(t, StatusInflight, got.Status, "过期尝试的失败不影响当前尝试")
}

func TestLateAckAfterTimeoutAccepted(t *testing.T) {
	q, clock := newTestQueue(t, nil)
	_, err := q.Enqueue(context.Background(), openOrder("main", "t1"), nil)
	require.NoError(t, err)

	e, _ := q.Next()
	clock.advance(2 * time.Second)
	q.Expire(clock.t)

	got, err := q.Ack(e.Seq, bridge.Ack{Ticket: "T-9", Filled: true})
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, got.Status)
	assert.Equal(t, "T-9", got.Ack.Ticket)

	_, err = q.Ack(e.Seq, bridge.Ack{Ticket: "T-9"})
	assert.ErrorIs(t, err, ErrSettled)
	_, err = q.Ack(99, bridge.Ack{})
	assert.ErrorIs(t, err, ErrUnknownEntry)
}

func TestObsoleteEntries(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()
	a, _ := q.Enqueue(ctx, openOrder("main", "t1"), nil)
	b, _ := q.Enqueue(ctx, openOrder("main", "t2"), nil)
	c, _ := q.Enqueue(ctx, openOrder("main", "t3"), nil)

	inflight, _ := q.Next()
	require.Equal(t, a.Seq, inflight.Seq)

	seqs := q.MarkObsoleteWhere(func(e Entry) bool {
		return e.Instruction.Kind == bridge.KindOpenOrder && e.Instruction.TradeID != "t3"
	})
	assert.Equal(t, []uint64{a.Seq, b.Seq}, seqs)
	assert.True(t, q.IsObsolete(a.Seq))
	assert.False(t, q.MarkObsolete(a.Seq), "已作废的条目不重复作废")

	next, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, c.Seq, next.Seq, "作废条目让出队首")

	late, err := q.Ack(a.Seq, bridge.Ack{Ticket: "T-1", Filled: true})
	assert.ErrorIs(t, err, ErrObsolete)
	require.NotNil(t, late.Ack)
	assert.Equal(t, StatusObsolete, late.Status)
}

func TestRecoverFromJournal(t *testing.T) {
	j := newMemJournal()
	q, _ := newTestQueue(t, j)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, openOrder("main", "t1"), nil)
	b, _ := q.Enqueue(ctx, openOrder("main", "t2"), nil)
	c, _ := q.Enqueue(ctx, openOrder("other", "t3"), nil)
	_, _ = q.Next()
	_, _ = q.Next()
	_, err := q.Fail(c.Seq, 1, &bridge.Rejection{Reason: "bad symbol"})
	require.ErrorIs(t, err, ErrDeliveryFailed)

	restarted, _ := newTestQueue(t, j)
	var reported int
	restarted.OnFailed(func(Entry) { reported++ })
	require.NoError(t, restarted.Recover(ctx))

	pending := restarted.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, a.Seq, pending[0].Seq)
	assert.Equal(t, StatusQueued, pending[0].Status, "inflight 重启后重新排队")
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, b.Seq, pending[1].Seq)

	failed := restarted.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, c.Seq, failed[0].Seq)
	assert.Zero(t, reported, "已上报的失败不重复上报")

	next, err := restarted.Enqueue(ctx, openOrder("main", "t4"), nil)
	require.NoError(t, err)
	assert.Equal(t, c.Seq+1, next.Seq, "序号在重启后继续递增")

	e, ok := restarted.Next()
	require.True(t, ok)
	assert.Equal(t, a.Seq, e.Seq)
}
