package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"signalcopier/bridge"
	"signalcopier/logger"
	"signalcopier/metrics"
	"signalcopier/resolver"
)

// Queue 投递队列
// 同一账户内队首未完成时后续条目不出队；账户之间轮询
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	journal  Journal
	backoff  *backoff.Backoff
	seq      uint64
	entries  map[uint64]*Entry
	fifo     map[string][]uint64
	accounts []string
	rr       int
	ready    chan struct{}
	onFailed func(Entry)
	now      func() time.Time
}

// NewQueue 创建投递队列，journal 为 nil 时不持久化
func NewQueue(cfg Config, journal Journal) *Queue {
	cfg = cfg.withDefaults()
	if journal == nil {
		journal = NopJournal{}
	}
	return &Queue{
		cfg:     cfg,
		journal: journal,
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: 2,
			Jitter: false,
		},
		entries: make(map[uint64]*Entry),
		fifo:    make(map[string][]uint64),
		ready:   make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Config 返回生效的队列参数
func (q *Queue) Config() Config {
	return q.cfg
}

// OnFailed 注册失败回调；每个失败条目只回调一次，回调在锁外执行
func (q *Queue) OnFailed(fn func(Entry)) {
	q.mu.Lock()
	q.onFailed = fn
	q.mu.Unlock()
}

// Ready 有条目可能可以出队时收到通知
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Enqueue 入队，token 取序号；日志写入失败时不入队
func (q *Queue) Enqueue(ctx context.Context, instr bridge.Instruction, onAck []resolver.Op) (Entry, error) {
	if err := instr.Validate(); err != nil {
		return Entry{}, err
	}

	q.mu.Lock()
	now := q.now()
	seq := q.seq + 1
	instr.Token = seq
	e := &Entry{
		Seq:         seq,
		Account:     instr.Account,
		Instruction: instr,
		OnAck:       append([]resolver.Op(nil), onAck...),
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.journal.Record(ctx, e.clone()); err != nil {
		q.mu.Unlock()
		return Entry{}, fmt.Errorf("journal entry %d: %w", seq, err)
	}
	q.seq = seq
	q.entries[seq] = e
	if _, ok := q.fifo[e.Account]; !ok {
		q.accounts = append(q.accounts, e.Account)
	}
	q.fifo[e.Account] = append(q.fifo[e.Account], seq)
	q.updateDepth(e.Account)
	out := e.clone()
	q.mu.Unlock()

	metrics.GetPrometheusMetrics().RecordEnqueue(string(instr.Kind))
	logger.Debug("📥 [delivery] 入队 #%d %s %s (账户 %s)", seq, instr.Kind, instr.TradeID, e.Account)
	q.signal()
	return out, nil
}

// Next 取出下一个可投递条目并标记为 inflight
func (q *Queue) Next() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := len(q.accounts)
	for i := 0; i < n; i++ {
		account := q.accounts[(q.rr+i)%n]
		ids := q.fifo[account]
		if len(ids) == 0 {
			continue
		}
		e := q.entries[ids[0]]
		if e.Status != StatusQueued || e.NextAttemptAt.After(now) {
			continue
		}
		q.rr = (q.rr + i + 1) % n

		e.Status = StatusInflight
		e.Attempts++
		e.Deadline = now.Add(q.cfg.AckTimeout)
		e.UpdatedAt = now
		q.record(e)
		return e.clone(), true
	}
	return Entry{}, false
}

// Ack 记录确认
// inflight 或等待重试的条目转为 acked；已作废的条目记录确认并返回 ErrObsolete，由调用方补偿
func (q *Queue) Ack(seq uint64, ack bridge.Ack) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[seq]
	if !ok {
		return Entry{}, fmt.Errorf("%w: #%d", ErrUnknownEntry, seq)
	}
	a := ack
	a.Token = seq
	switch e.Status {
	case StatusInflight, StatusQueued:
		e.Status = StatusAcked
		e.Ack = &a
		e.LastError = ""
		e.UpdatedAt = q.now()
		q.remove(e)
		q.record(e)
		q.signal()
		return e.clone(), nil
	case StatusObsolete:
		if e.Ack == nil {
			e.Ack = &a
			e.UpdatedAt = q.now()
			q.record(e)
		}
		return e.clone(), fmt.Errorf("%w: #%d", ErrObsolete, seq)
	default:
		return e.clone(), fmt.Errorf("%w: #%d is %s", ErrSettled, seq, e.Status)
	}
}

// Fail 记录一次失败尝试
// attempt 与当前尝试次数不一致时忽略（过期的结果）；执行端拒绝或次数用尽时转为 failed
func (q *Queue) Fail(seq uint64, attempt int, cause error) (Entry, error) {
	q.mu.Lock()

	e, ok := q.entries[seq]
	if !ok {
		q.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: #%d", ErrUnknownEntry, seq)
	}
	if e.Status != StatusInflight || e.Attempts != attempt {
		out := e.clone()
		q.mu.Unlock()
		return out, nil
	}

	now := q.now()
	e.LastError = cause.Error()
	e.UpdatedAt = now
	if bridge.IsRejection(cause) || e.Attempts >= q.cfg.MaxAttempts {
		e.Status = StatusFailed
		q.remove(e)
		q.record(e)
		out, notify := q.reportLocked(e)
		q.mu.Unlock()

		logger.Error("❌ [delivery] #%d %s %s 投递失败（%d 次）: %v",
			seq, out.Instruction.Kind, out.Instruction.TradeID, out.Attempts, cause)
		if notify != nil {
			notify(out)
		}
		q.signal()
		return out, fmt.Errorf("%w: #%d: %v", ErrDeliveryFailed, seq, cause)
	}

	wait := q.backoff.ForAttempt(float64(e.Attempts - 1))
	e.Status = StatusQueued
	e.NextAttemptAt = now.Add(wait)
	q.record(e)
	out := e.clone()
	q.mu.Unlock()

	logger.Warn("⚠️ [delivery] #%d %s 第 %d 次投递失败，%v 后重试: %v",
		seq, out.Instruction.Kind, out.Attempts, wait, cause)
	return out, nil
}

// reportLocked 标记已上报并返回需要在锁外执行的回调
func (q *Queue) reportLocked(e *Entry) (Entry, func(Entry)) {
	if e.Reported {
		return e.clone(), nil
	}
	e.Reported = true
	q.record(e)
	return e.clone(), q.onFailed
}

// Expire 把超过期限仍未确认的 inflight 条目按超时失败处理
func (q *Queue) Expire(now time.Time) int {
	q.mu.Lock()
	var due []Entry
	for _, e := range q.entries {
		if e.Status == StatusInflight && now.After(e.Deadline) {
			due = append(due, e.clone())
		}
	}
	q.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })
	for _, e := range due {
		q.Fail(e.Seq, e.Attempts, fmt.Errorf("%w after %v", ErrDeliveryTimeout, q.cfg.AckTimeout))
	}
	return len(due)
}

// MarkObsolete 作废未完成的条目；已完成的条目返回 false
func (q *Queue) MarkObsolete(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[seq]
	if !ok || e.Status.Final() {
		return false
	}
	q.obsoleteLocked(e)
	q.signal()
	return true
}

// MarkObsoleteWhere 作废所有满足条件的未完成条目，返回被作废的序号
func (q *Queue) MarkObsoleteWhere(match func(Entry) bool) []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var seqs []uint64
	for _, e := range q.entries {
		if e.Status.Final() || !match(e.clone()) {
			continue
		}
		q.obsoleteLocked(e)
		seqs = append(seqs, e.Seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) > 0 {
		q.signal()
	}
	return seqs
}

func (q *Queue) obsoleteLocked(e *Entry) {
	e.Status = StatusObsolete
	e.UpdatedAt = q.now()
	q.remove(e)
	q.record(e)
	metrics.GetPrometheusMetrics().RecordDeliveryAttempt(string(e.Instruction.Kind), "obsolete", 0)
	logger.Info("🗑️ [delivery] #%d %s %s 已作废", e.Seq, e.Instruction.Kind, e.Instruction.TradeID)
}

// IsObsolete 条目是否已作废
func (q *Queue) IsObsolete(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[seq]
	return ok && e.Status == StatusObsolete
}

// Get 查询条目
func (q *Queue) Get(seq uint64) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[seq]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Failed 全部失败条目，按序号升序
func (q *Queue) Failed() []Entry {
	return q.filter(func(e *Entry) bool { return e.Status == StatusFailed })
}

// Pending 全部未完成条目，按序号升序
func (q *Queue) Pending() []Entry {
	return q.filter(func(e *Entry) bool { return !e.Status.Final() })
}

func (q *Queue) filter(keep func(*Entry) bool) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if keep(e) {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Depth 账户未完成条目数
func (q *Queue) Depth(account string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo[account])
}

// Recover 从日志恢复队列
// queued/inflight 重新排队（保留尝试次数），failed 保持失败，未上报的失败补报一次
func (q *Queue) Recover(ctx context.Context) error {
	entries, err := q.journal.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover delivery journal: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	var unreported []Entry
	requeued := 0

	q.mu.Lock()
	now := q.now()
	for i := range entries {
		e := entries[i]
		if e.Seq > q.seq {
			q.seq = e.Seq
		}
		switch e.Status {
		case StatusQueued, StatusInflight:
			e.Status = StatusQueued
			e.NextAttemptAt = time.Time{}
			e.Deadline = time.Time{}
			e.UpdatedAt = now
			q.entries[e.Seq] = &e
			if _, ok := q.fifo[e.Account]; !ok {
				q.accounts = append(q.accounts, e.Account)
			}
			q.fifo[e.Account] = append(q.fifo[e.Account], e.Seq)
			q.record(&e)
			requeued++
		case StatusFailed:
			q.entries[e.Seq] = &e
			if !e.Reported {
				e.Reported = true
				q.record(&e)
				unreported = append(unreported, e.clone())
			}
		default:
			// 已确认/已作废的条目只保留序号
		}
	}
	for account := range q.fifo {
		q.updateDepth(account)
	}
	notify := q.onFailed
	lastSeq := q.seq
	q.mu.Unlock()

	if notify != nil {
		for _, e := range unreported {
			notify(e)
		}
	}
	logger.Info("♻️ [delivery] 队列已恢复: 重新排队 %d 条，失败 %d 条，当前序号 %d",
		requeued, len(q.Failed()), lastSeq)
	q.signal()
	return nil
}

// remove 从账户 FIFO 中移除
func (q *Queue) remove(e *Entry) {
	ids := q.fifo[e.Account]
	for i, id := range ids {
		if id == e.Seq {
			q.fifo[e.Account] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	q.updateDepth(e.Account)
}

func (q *Queue) record(e *Entry) {
	// 日志写入在锁内完成，保证同一条目的状态按顺序落盘
	if err := q.journal.Record(context.Background(), e.clone()); err != nil {
		logger.Warn("⚠️ [delivery] 写入投递日志失败 #%d (%s): %v", e.Seq, e.Status, err)
	}
}

func (q *Queue) updateDepth(account string) {
	metrics.GetPrometheusMetrics().SetQueueDepth(account, len(q.fifo[account]))
}
