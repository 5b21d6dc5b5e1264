package bus

import (
	"context"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/logging"
)

// SignaturesStream is the stream signatures are published to.
const SignaturesStream = "signatures"

// Bus carries plugin execution signatures to the task workers
type Bus interface {
	// PublishSignature publishes a signature to the signatures stream
	PublishSignature(ctx context.Context, msg SignatureMessage) error

	// ReadSignatures consumes the signatures stream until ctx is cancelled
	ReadSignatures(ctx context.Context, group, consumer string, handler func(ctx context.Context, msg SignatureMessage) error) error

	// TrimSignatures caps the signatures stream at roughly maxLen entries
	TrimSignatures(ctx context.Context, maxLen int64) error

	// GetStats returns basic statistics about the bus
	GetStats(ctx context.Context) (map[string]interface{}, error)

	// HealthCheck performs a health check on the bus connection
	HealthCheck(ctx context.Context) error

	// Close closes the bus connection
	Close() error
}

// NewBus creates a new bus instance based on the Redis URL
// If redisURL is empty or Redis is unreachable, returns a NullBus
func NewBus(redisURL string, logger *zap.Logger) Bus {
	logger = logging.OrNop(logger)

	if redisURL == "" {
		return NewNullBus(logger)
	}

	redisBus, err := NewRedisBus(redisURL, logger)
	if err == nil {
		return redisBus
	}

	logger.Warn("redis unavailable, signatures will not be published", zap.Error(err))
	return NewNullBus(logger)
}
