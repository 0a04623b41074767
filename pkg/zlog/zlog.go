package zlog

import (
	"os"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options 日志初始化参数
type Options struct {
	LogPath    string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
}

var (
	mu     sync.RWMutex
	logger = newDefault()
)

func newDefault() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stdout), zapcore.InfoLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// Init 按配置替换全局 logger；未配置 LogPath 时只输出到控制台
func Init(opts Options) {
	level := parseLevel(opts.Level)

	cores := make([]zapcore.Core, 0, 2)
	if strings.TrimSpace(opts.LogPath) != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 10
		}
		maxAge := opts.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 30
		}
		writer := &lumberjack.Logger{
			Filename:   opts.LogPath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   true,
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(writer), level))
	}
	if opts.Console || len(cores) == 0 {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stdout), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()
	_ = old.Sync()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Replace 替换全局 logger，返回恢复原 logger 的函数
func Replace(l *zap.Logger) func() {
	mu.Lock()
	old := logger
	logger = l.WithOptions(zap.AddCallerSkip(1))
	mu.Unlock()
	return func() {
		mu.Lock()
		logger = old
		mu.Unlock()
	}
}

// L 返回底层 zap.Logger
func L() *zap.Logger {
	return current().WithOptions(zap.AddCallerSkip(-1))
}

func Debug(msg string, fields ...zap.Field) {
	current().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	current().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	current().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	current().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	current().Fatal(msg, fields...)
}

// Sync 刷新缓冲
func Sync() error {
	return current().Sync()
}
