package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the process logger, set by Init.
var Log = zap.NewNop()

type Config struct {
	Level      string
	Filename   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Init builds the JSON logger, writing to stdout and, when Filename is set, to a
// rotated file. It also replaces zap's globals.
func Init(cfg Config) (*zap.Logger, error) {
	level := new(zapcore.Level)
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder(), writer(cfg), level)
	Log = zap.New(core, zap.AddCaller())
	zap.ReplaceGlobals(Log)
	return Log, nil
}

func encoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

func writer(cfg Config) zapcore.WriteSyncer {
	console := zapcore.AddSync(os.Stdout)
	if cfg.Filename == "" {
		return console
	}

	file := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
	buffered := &zapcore.BufferedWriteSyncer{
		WS:            file,
		Size:          256 * 1024,
		FlushInterval: 5 * time.Second,
	}
	return zapcore.NewMultiWriteSyncer(console, buffered)
}

// Sync flushes buffered entries.
func Sync() {
	_ = Log.Sync()
}
