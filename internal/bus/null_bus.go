package bus

import (
	"context"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/logging"
)

// NullBus is a no-op implementation of the bus interface for when Redis is disabled
type NullBus struct {
	logger *zap.Logger
}

// NewNullBus creates a new null bus instance
func NewNullBus(logger *zap.Logger) *NullBus {
	return &NullBus{logger: logging.OrNop(logger).Named("nullbus")}
}

// Close is a no-op for null bus
func (nb *NullBus) Close() error {
	return nil
}

// PublishSignature logs the signature but doesn't actually publish it
func (nb *NullBus) PublishSignature(ctx context.Context, msg SignatureMessage) error {
	nb.logger.Debug("would publish signature (redis disabled)",
		zap.String("task_id", msg.TaskID), zap.String("plugin", msg.PluginName), zap.Int64("job_id", msg.JobID))
	return nil
}

// ReadSignatures blocks until ctx is cancelled
func (nb *NullBus) ReadSignatures(ctx context.Context, group, consumer string, handler func(ctx context.Context, msg SignatureMessage) error) error {
	nb.logger.Debug("would read signatures (redis disabled)", zap.String("group", group), zap.String("consumer", consumer))
	<-ctx.Done()
	return ctx.Err()
}

// TrimSignatures is a no-op for null bus
func (nb *NullBus) TrimSignatures(ctx context.Context, maxLen int64) error {
	return nil
}

// GetStats returns empty stats for null bus
func (nb *NullBus) GetStats(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{
		"type":   "null",
		"status": "disabled",
	}, nil
}

// HealthCheck always returns nil for null bus
func (nb *NullBus) HealthCheck(ctx context.Context) error {
	return nil
}
