package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"signalcopier/delivery"
	"signalcopier/logger"
)

// Journal 投递队列日志（SQLite）
// delivery_journal 保存每个条目的最新状态，delivery_transitions 保存全部状态变化
type Journal struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Transition 条目状态变化记录
type Transition struct {
	Seq       uint64    `json:"seq"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	At        time.Time `json:"at"`
}

// NewJournal 创建投递日志
func NewJournal(path string) (*Journal, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	j := &Journal{db: db}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建投递日志表失败: %w", err)
	}
	logger.Info("✅ [storage] 投递日志已打开: %s", path)
	return j, nil
}

func (j *Journal) createTables() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS delivery_journal (
		seq INTEGER PRIMARY KEY,
		account TEXT NOT NULL,
		kind TEXT NOT NULL,
		trade_id TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_journal_status ON delivery_journal(status);

	CREATE TABLE IF NOT EXISTS delivery_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_transitions_seq ON delivery_transitions(seq);
	`)
	return err
}

// Record 写入条目最新状态并追加一条状态变化
func (j *Journal) Record(ctx context.Context, e delivery.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化投递条目失败: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("投递日志已关闭")
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_journal (seq, account, kind, trade_id, status, attempts, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, e.Seq, e.Account, string(e.Instruction.Kind), e.Instruction.TradeID,
		string(e.Status), e.Attempts, string(payload), e.UpdatedAt); err != nil {
		return fmt.Errorf("写入投递条目失败: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_transitions (seq, status, attempts, last_error, at)
		VALUES (?, ?, ?, ?, ?)
	`, e.Seq, string(e.Status), e.Attempts, e.LastError, e.UpdatedAt); err != nil {
		return fmt.Errorf("写入状态变化失败: %w", err)
	}

	return tx.Commit()
}

// Recover 读取全部条目的最新状态，按序号升序
func (j *Journal) Recover(ctx context.Context) ([]delivery.Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx, `SELECT seq, payload FROM delivery_journal ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询投递日志失败: %w", err)
	}
	defer rows.Close()

	var entries []delivery.Entry
	for rows.Next() {
		var seq uint64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var e delivery.Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			logger.Warn("⚠️ [storage] 投递条目 #%d 无法解析，已跳过: %v", seq, err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// History 查询条目的状态变化
func (j *Journal) History(ctx context.Context, seq uint64) ([]Transition, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, status, attempts, COALESCE(last_error, ''), at
		FROM delivery_transitions
		WHERE seq = ?
		ORDER BY id ASC
	`, seq)
	if err != nil {
		return nil, fmt.Errorf("查询状态变化失败: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.Seq, &t.Status, &t.Attempts, &t.LastError, &t.At); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Compact 删除早于 cutoff 的已确认/已作废条目，保留最大序号以保证序号连续递增
func (j *Journal) Compact(ctx context.Context, cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const cond = `status IN ('acked', 'obsolete') AND updated_at < ?
		AND seq < (SELECT MAX(seq) FROM delivery_journal)`
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM delivery_transitions WHERE seq IN (SELECT seq FROM delivery_journal WHERE `+cond+`)
	`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM delivery_journal WHERE `+cond, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("🧹 [storage] 已清理 %d 条历史投递条目", n)
	}
	return n, nil
}

// Close 关闭投递日志
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
