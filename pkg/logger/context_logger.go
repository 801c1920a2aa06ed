package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	peerIDKey    contextKey = "peer_id"
	meetingIDKey contextKey = "meeting_id"
)

// WithPeer stores the peer id on the context for log enrichment.
func WithPeer(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, peerIDKey, peerID)
}

// WithMeeting stores the meeting id on the context for log enrichment.
func WithMeeting(ctx context.Context, meetingID string) context.Context {
	return context.WithValue(ctx, meetingIDKey, meetingID)
}

// ContextLogger enriches log entries with identifiers carried on the context.
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger.
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext adds context fields to logger.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if peerID, ok := ctx.Value(peerIDKey).(string); ok && peerID != "" {
		fields = append(fields, zap.String("peer_id", peerID))
	}
	if meetingID, ok := ctx.Value(meetingIDKey).(string); ok && meetingID != "" {
		fields = append(fields, zap.String("meeting_id", meetingID))
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// WithError adds error to logger.
func (cl *ContextLogger) WithError(err error) *zap.Logger {
	return cl.logger.With(zap.Error(err))
}
