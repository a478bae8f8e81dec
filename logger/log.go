package logger

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
)

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

func build(format string) *zap.Logger {
	enc := encoderConfig()
	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoder = zapcore.NewJSONEncoder(enc)
	default:
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder // 本地调试用彩色
		encoder = zapcore.NewConsoleEncoder(enc)
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

func init() {
	Log = build("console")
}

// Init 按配置设置级别（debug/info/warn/error）与格式（console/json），nodeID 作为常驻字段
func Init(lvl, format, nodeID string) error {
	var l zapcore.Level
	if err := l.Set(strings.ToLower(strings.TrimSpace(lvl))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", lvl, err)
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "" && format != "console" && format != "json" {
		return fmt.Errorf("invalid log format %q", format)
	}
	level.SetLevel(l)
	Log = build(format)
	if nodeID != "" {
		Log = Log.With(zap.String("node", nodeID))
	}
	return nil
}

// LevelHandler GET 查看、PUT {"level":"debug"} 运行期调级，挂在运维端口上
func LevelHandler() http.Handler { return level }

// Named 组件日志，如 logger.Named("orchestrator")
func Named(name string) *zap.Logger { return Log.Named(name) }

// OrDefault 构造函数里的可选 logger：nil 时回落到全局
func OrDefault(l *zap.Logger, name string) *zap.Logger {
	if l != nil {
		return l
	}
	return Named(name)
}

func Info(msg string, fields ...zap.Field)  { Log.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Log.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }
