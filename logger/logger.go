package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota // 调试信息（最详细）
	INFO                  // 一般信息
	WARN                  // 警告信息
	ERROR                 // 错误信息
	FATAL                 // 致命错误
)

var (
	globalLevel LogLevel = INFO
	mu          sync.RWMutex

	base    *zap.Logger
	atom    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logDir  string
	rotator *lumberjack.Logger

	globalLocation *time.Location = time.Local
	locationMu     sync.RWMutex

	// 事件存储写入器（通过函数指针避免循环依赖）
	logStorageWriter func(level, message string)
	logStorageMu     sync.RWMutex
)

func init() {
	rebuild()
}

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel 解析日志级别字符串
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// SetLevel 设置全局日志级别
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	globalLevel = level
	atom.SetLevel(level.zapLevel())
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

// SetLocation 设置日志时区
func SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	locationMu.Lock()
	globalLocation = loc
	locationMu.Unlock()

	mu.Lock()
	rebuild()
	mu.Unlock()
}

// SetLogDir 启用文件日志（JSON 格式，按大小轮转）
// dir 为空时只输出到控制台
func SetLogDir(dir string) error {
	mu.Lock()
	defer mu.Unlock()

	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建日志目录失败: %w", err)
		}
	}
	logDir = dir
	rebuild()
	return nil
}

// rebuild 重建 zap core，调用前必须持有 mu（init 除外）
func rebuild() {
	if rotator != nil {
		rotator.Close()
		rotator = nil
	}

	locationMu.RLock()
	loc := globalLocation
	locationMu.RUnlock()

	timeEncoder := func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.In(loc).Format("2006/01/02 15:04:05"))
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	consoleCfg.EncodeTime = timeEncoder
	consoleCfg.CallerKey = ""
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(os.Stdout), atom),
	}

	if logDir != "" {
		rotator = &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "signalcopier.json"),
			MaxSize:    20,
			MaxBackups: 30,
			MaxAge:     30,
			Compress:   true,
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(rotator), atom))
	}

	base = zap.New(zapcore.NewTee(cores...))
}

// InitLogStorage 设置日志存储写入器（WARN 及以上级别会被写入）
func InitLogStorage(writer func(level, message string)) {
	logStorageMu.Lock()
	defer logStorageMu.Unlock()
	logStorageWriter = writer
}

// Close 刷新并关闭文件日志（程序退出时调用）
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
	if rotator != nil {
		rotator.Close()
		rotator = nil
	}

	logStorageMu.Lock()
	logStorageWriter = nil
	logStorageMu.Unlock()
}

func logf(level LogLevel, format string, args ...interface{}) {
	mu.RLock()
	if level < globalLevel {
		mu.RUnlock()
		return
	}
	l := base
	mu.RUnlock()

	message := fmt.Sprintf(format, args...)
	switch level {
	case DEBUG:
		l.Debug(message)
	case INFO:
		l.Info(message)
	case WARN:
		l.Warn(message)
	case ERROR:
		l.Error(message)
	case FATAL:
		// Fatal 由调用方负责退出，这里只写日志
		l.Error(message)
		_ = l.Sync()
	}

	if level < WARN {
		return
	}

	logStorageMu.RLock()
	writer := logStorageWriter
	logStorageMu.RUnlock()

	if writer != nil {
		go func() {
			defer func() {
				// 存储写入失败不影响主流程
				_ = recover()
			}()
			writer(level.String(), message)
		}()
	}
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	logf(DEBUG, format, args...)
}

// Info 输出一般信息日志
func Info(format string, args ...interface{}) {
	logf(INFO, format, args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	logf(WARN, format, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	logf(ERROR, format, args...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	logf(FATAL, format, args...)
	os.Exit(1)
}

// Fatalf 兼容标准库命名
func Fatalf(format string, args ...interface{}) {
	Fatal(format, args...)
}
