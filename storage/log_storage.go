package storage

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"signalcopier/utils"
)

const (
	logFlushEvery   = time.Second
	logFlushBatch   = 100
	logPendingLimit = 500
	maxLogStreams   = 100
	logStreamBuffer = 100
)

var (
	componentTag = regexp.MustCompile(`\[([a-z_\-]+)\]`)
	signalRef    = regexp.MustCompile(`sig_[0-9a-f]{32}`)
)

// LogStorage 诊断日志库
// WARN 及以上级别的日志落库，按组件和信号归档，供 /api/logs 和 /ws/logs 使用
type LogStorage struct {
	db *sql.DB

	mu      sync.Mutex
	pending []LogRecord
	closed  bool
	dropped atomic.Int64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	streamMu sync.Mutex
	streams  map[chan *LogRecord]struct{}
}

// LogQueryParams 日志查询条件，零值字段不参与过滤
type LogQueryParams struct {
	StartTime time.Time
	EndTime   time.Time
	Level     string
	Component string // engine / delivery / bridge ...
	SignalID  string // 只看某个信号（含其交易）的日志
	Keyword   string
	Limit     int
	Offset    int
}

// LogRecord 日志记录
type LogRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	SignalID  string    `json:"signal_id,omitempty"`
	Message   string    `json:"message"`
}

// NewLogStorage 打开诊断日志库并启动后台刷盘
func NewLogStorage(path string) (*LogStorage, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("打开日志数据库失败: %w", err)
	}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS diag_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		level TEXT NOT NULL,
		component TEXT NOT NULL DEFAULT '',
		signal_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_diag_logs_ts ON diag_logs(ts);
	CREATE INDEX IF NOT EXISTS idx_diag_logs_signal ON diag_logs(signal_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建日志表失败: %w", err)
	}

	ls := &LogStorage{
		db:      db,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		streams: make(map[chan *LogRecord]struct{}),
	}
	go ls.flushLoop()
	return ls, nil
}

// WriteLog 记录一条日志，不阻塞调用方
// 积压超过上限时丢弃最早的记录
func (ls *LogStorage) WriteLog(level, message string) {
	rec := LogRecord{
		Timestamp: utils.NowUTC(),
		Level:     strings.ToUpper(level),
		Message:   message,
	}
	if m := componentTag.FindStringSubmatch(message); m != nil {
		rec.Component = m[1]
	}
	rec.SignalID = signalRef.FindString(message)

	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return
	}
	if len(ls.pending) >= logPendingLimit {
		ls.pending = ls.pending[1:]
		ls.dropped.Add(1)
	}
	ls.pending = append(ls.pending, rec)
	full := len(ls.pending) >= logFlushBatch
	ls.mu.Unlock()

	if full {
		select {
		case ls.wake <- struct{}{}:
		default:
		}
	}
}

// Dropped 因积压被丢弃的日志条数
func (ls *LogStorage) Dropped() int64 { return ls.dropped.Load() }

func (ls *LogStorage) flushLoop() {
	defer close(ls.done)
	ticker := time.NewTicker(logFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ls.stop:
			ls.flush()
			return
		case <-ls.wake:
		case <-ticker.C:
		}
		ls.flush()
	}
}

// flush 写入失败静默处理：日志库不能反过来写日志
func (ls *LogStorage) flush() {
	ls.mu.Lock()
	batch := ls.pending
	ls.pending = nil
	ls.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	tx, err := ls.db.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()
	for i := range batch {
		r := &batch[i]
		res, err := tx.Exec(`INSERT INTO diag_logs (ts, level, component, signal_id, message) VALUES (?, ?, ?, ?, ?)`,
			r.Timestamp, r.Level, r.Component, r.SignalID, r.Message)
		if err != nil {
			return
		}
		r.ID, _ = res.LastInsertId()
	}
	if tx.Commit() != nil {
		return
	}
	ls.broadcast(batch)
}

// Subscribe 订阅新落库的日志
// 订阅数已满时返回已关闭的通道
func (ls *LogStorage) Subscribe() chan *LogRecord {
	ch := make(chan *LogRecord, logStreamBuffer)
	ls.streamMu.Lock()
	defer ls.streamMu.Unlock()
	if ls.streams == nil || len(ls.streams) >= maxLogStreams {
		close(ch)
		return ch
	}
	ls.streams[ch] = struct{}{}
	return ch
}

// Unsubscribe 取消订阅
func (ls *LogStorage) Unsubscribe(ch chan *LogRecord) {
	ls.streamMu.Lock()
	defer ls.streamMu.Unlock()
	if _, ok := ls.streams[ch]; ok {
		delete(ls.streams, ch)
		close(ch)
	}
}

// broadcast 慢订阅者直接跳过
func (ls *LogStorage) broadcast(batch []LogRecord) {
	ls.streamMu.Lock()
	defer ls.streamMu.Unlock()
	for i := range batch {
		rec := batch[i]
		for ch := range ls.streams {
			select {
			case ch <- &rec:
			default:
			}
		}
	}
}

func (p LogQueryParams) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if !p.StartTime.IsZero() {
		add("ts >= ?", p.StartTime)
	}
	if !p.EndTime.IsZero() {
		add("ts <= ?", p.EndTime)
	}
	if p.Level != "" {
		add("level = ?", strings.ToUpper(p.Level))
	}
	if p.Component != "" {
		add("component = ?", strings.ToLower(p.Component))
	}
	if p.SignalID != "" {
		add("signal_id = ?", p.SignalID)
	}
	if p.Keyword != "" {
		add("instr(message, ?) > 0", p.Keyword)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// GetLogs 查询日志，最新的在前；返回本页记录和符合条件的总数
func (ls *LogStorage) GetLogs(params LogQueryParams) ([]*LogRecord, int, error) {
	where, args := params.where()

	var total int
	if err := ls.db.QueryRow("SELECT COUNT(*) FROM diag_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("查询日志总数失败: %w", err)
	}

	limit := params.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}
	rows, err := ls.db.Query("SELECT id, ts, level, component, signal_id, message FROM diag_logs"+where+
		" ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?", append(args, limit, params.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询日志失败: %w", err)
	}
	defer rows.Close()

	logs := make([]*LogRecord, 0, limit)
	for rows.Next() {
		rec := &LogRecord{}
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Level, &rec.Component, &rec.SignalID, &rec.Message); err != nil {
			return nil, 0, fmt.Errorf("读取日志失败: %w", err)
		}
		logs = append(logs, rec)
	}
	return logs, total, rows.Err()
}

// CleanOldLogs 删除 days 天以前的日志
func (ls *LogStorage) CleanOldLogs(days int) (int64, error) {
	res, err := ls.db.Exec(`DELETE FROM diag_logs WHERE ts < ?`, utils.NowUTC().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close 写完积压日志后关闭，之后的 WriteLog 被忽略
func (ls *LogStorage) Close() error {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return nil
	}
	ls.closed = true
	ls.mu.Unlock()

	close(ls.stop)
	<-ls.done

	ls.streamMu.Lock()
	for ch := range ls.streams {
		close(ch)
	}
	ls.streams = nil
	ls.streamMu.Unlock()

	return ls.db.Close()
}
