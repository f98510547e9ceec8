package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Traffic direction tags used on wire-level log lines.
const (
	DirectionReceived = "RECEIVED"
	DirectionSent     = "SENT"
	DirectionSystem   = "SYSTEM"
)

// NewLogger builds a structured zap logger with the provided level string.
func NewLogger(level string) (*zap.Logger, error) {
	lower := strings.ToLower(level)
	var zapLevel zapcore.Level
	if err := zapLevel.Set(lower); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"

	return cfg.Build()
}

// Traffic logs one wire-level line: an envelope received from or sent to a
// user, or a server-side event. userID is "unknown" territory before login.
func Traffic(log *zap.Logger, direction, userID string, payload []byte) {
	if userID == "" {
		userID = "unknown"
	}
	log.Info("frame",
		zap.String("direction", direction),
		zap.String("user_id", userID),
		zap.ByteString("payload", payload),
	)
}
