package qlog

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// 기본 로거 인스턴스
	logger *zap.Logger
	// 로거 교체를 위한 뮤텍스
	loggerMu sync.RWMutex
)

func init() {
	SetLogger(false, "info")
}

// ParseLevel은 문자열 로그 레벨을 zapcore 레벨로 변환합니다.
// 알 수 없는 값은 info로 처리합니다.
func ParseLevel(logLevel string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLogger는 표준 출력으로 JSON 로그를 남기는 로거를 설정합니다.
// showCallerInfo: 호출 위치 표시 여부
// logLevel: 로그 레벨 (debug, info, warn, error, dpanic, panic, fatal)
func SetLogger(showCallerInfo bool, logLevel string) {
	SetOutput(os.Stdout, showCallerInfo, logLevel)
}

// SetOutput은 지정한 writer로 로그를 남기는 로거를 설정합니다.
func SetOutput(w io.Writer, showCallerInfo bool, logLevel string) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if showCallerInfo {
		encoderConfig.FunctionKey = "func"
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		ParseLevel(logLevel),
	)

	l := zap.New(core)
	if showCallerInfo {
		l = l.WithOptions(zap.AddCaller(), zap.AddCallerSkip(1))
	}
	Replace(l)
}

// Replace는 전역 로거를 교체합니다. 테스트에서 zaptest/observer 로거를 끼워 넣을 때 사용합니다.
func Replace(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// GetLogger는 현재 로거 인스턴스를 반환합니다.
func GetLogger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Named는 이름이 붙은 하위 로거를 반환합니다.
// 반환된 로거는 호출 시점의 전역 로거를 기준으로 만들어집니다.
func Named(name string) *zap.Logger {
	return GetLogger().Named(name)
}

// Debug 로그 메시지를 출력합니다.
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Info 로그 메시지를 출력합니다.
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Warn 로그 메시지를 출력합니다.
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error 로그 메시지를 출력합니다.
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// Sync는 버퍼에 남은 로그를 내보냅니다.
func Sync() error {
	return GetLogger().Sync()
}
