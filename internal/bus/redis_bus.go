package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/logging"
)

// RedisBus provides Redis Streams-based delivery of signatures
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// SignatureMessage is the wire form of an executable plugin signature
type SignatureMessage struct {
	TaskID        string `json:"task_id"`
	PluginType    string `json:"plugin_type"`
	PluginName    string `json:"plugin_name"`
	ConfigID      int64  `json:"config_id"`
	Module        string `json:"module"`
	UserID        int64  `json:"user_id"`
	JobID         int64  `json:"job_id"`
	RoutingKey    string `json:"routing_key"`
	SoftTimeLimit int    `json:"soft_time_limit"`
	Timestamp     int64  `json:"timestamp"`
}

// Values flattens the message into stream fields
func (m SignatureMessage) Values() map[string]interface{} {
	ts := m.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	return map[string]interface{}{
		"task_id":         m.TaskID,
		"plugin_type":     m.PluginType,
		"plugin_name":     m.PluginName,
		"config_id":       m.ConfigID,
		"module":          m.Module,
		"user_id":         m.UserID,
		"job_id":          m.JobID,
		"routing_key":     m.RoutingKey,
		"soft_time_limit": m.SoftTimeLimit,
		"timestamp":       ts,
	}
}

// ParseSignatureMessage rebuilds a message from stream fields
func ParseSignatureMessage(fields map[string]string) SignatureMessage {
	msg := SignatureMessage{
		TaskID:     fields["task_id"],
		PluginType: fields["plugin_type"],
		PluginName: fields["plugin_name"],
		Module:     fields["module"],
		RoutingKey: fields["routing_key"],
	}
	msg.ConfigID, _ = strconv.ParseInt(fields["config_id"], 10, 64)
	msg.UserID, _ = strconv.ParseInt(fields["user_id"], 10, 64)
	msg.JobID, _ = strconv.ParseInt(fields["job_id"], 10, 64)
	msg.SoftTimeLimit, _ = strconv.Atoi(fields["soft_time_limit"])
	if ts, err := parseTimestamp(fields["timestamp"]); err == nil {
		msg.Timestamp = ts
	}
	return msg
}

// StreamMessage represents a message in a Redis Stream
type StreamMessage struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// StreamHandler is a function that processes stream messages
type StreamHandler func(ctx context.Context, message StreamMessage) error

// NewRedisBus creates a new Redis bus instance
func NewRedisBus(redisURL string, logger *zap.Logger) (*RedisBus, error) {
	client, err := NewRedisClient(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisBus{
		client: client,
		logger: logging.OrNop(logger).Named("redisbus"),
	}, nil
}

// NewRedisClient parses redisURL and pings the server
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Client exposes the underlying connection for components sharing it
func (rb *RedisBus) Client() *redis.Client {
	return rb.client
}

// Close closes the Redis connection
func (rb *RedisBus) Close() error {
	return rb.client.Close()
}

// PublishSignature publishes a signature to the signatures stream
func (rb *RedisBus) PublishSignature(ctx context.Context, msg SignatureMessage) error {
	result := rb.client.XAdd(ctx, &redis.XAddArgs{
		Stream: SignaturesStream,
		Values: msg.Values(),
	})
	if err := result.Err(); err != nil {
		return fmt.Errorf("failed to publish signature: %w", err)
	}

	rb.logger.Debug("published signature",
		zap.String("task_id", msg.TaskID), zap.String("plugin", msg.PluginName), zap.String("queue", msg.RoutingKey))
	return nil
}

// CreateConsumerGroup creates a consumer group for a stream if it doesn't exist
func (rb *RedisBus) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := rb.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s for stream %s: %w", group, stream, err)
	}
	return nil
}

// ReadStream reads messages from a stream using consumer groups
func (rb *RedisBus) ReadStream(ctx context.Context, stream, group, consumer string, handler StreamHandler) error {
	if err := rb.CreateConsumerGroup(ctx, stream, group); err != nil {
		return err
	}

	rb.logger.Info("starting stream reader",
		zap.String("stream", stream), zap.String("group", group), zap.String("consumer", consumer))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result := rb.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    1 * time.Second,
		})
		if err := result.Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rb.logger.Warn("error reading from stream", zap.String("stream", stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, s := range result.Val() {
			for _, message := range s.Messages {
				streamMsg := StreamMessage{ID: message.ID, Fields: make(map[string]string, len(message.Values))}
				for key, value := range message.Values {
					if strValue, ok := value.(string); ok {
						streamMsg.Fields[key] = strValue
					}
				}

				if err := handler(ctx, streamMsg); err != nil {
					rb.logger.Warn("error processing message", zap.String("id", message.ID), zap.Error(err))
					continue
				}

				if err := rb.client.XAck(ctx, s.Stream, group, message.ID).Err(); err != nil {
					rb.logger.Warn("error acknowledging message", zap.String("id", message.ID), zap.Error(err))
				}
			}
		}
	}
}

// ReadSignatures reads from the signatures stream
func (rb *RedisBus) ReadSignatures(ctx context.Context, group, consumer string, handler func(ctx context.Context, msg SignatureMessage) error) error {
	return rb.ReadStream(ctx, SignaturesStream, group, consumer, func(ctx context.Context, message StreamMessage) error {
		return handler(ctx, ParseSignatureMessage(message.Fields))
	})
}

// CleanupOldMessages trims a stream to maxLen entries
func (rb *RedisBus) CleanupOldMessages(ctx context.Context, stream string, maxLen int64) error {
	if err := rb.client.XTrimMaxLen(ctx, stream, maxLen).Err(); err != nil {
		return fmt.Errorf("failed to trim stream %s: %w", stream, err)
	}
	return nil
}

// TrimSignatures trims the signatures stream to maxLen entries
func (rb *RedisBus) TrimSignatures(ctx context.Context, maxLen int64) error {
	if err := rb.CleanupOldMessages(ctx, SignaturesStream, maxLen); err != nil {
		return err
	}
	rb.logger.Debug("trimmed signatures stream", zap.Int64("max_len", maxLen))
	return nil
}

// parseTimestamp parses epoch seconds, epoch milliseconds or RFC3339
func parseTimestamp(timestamp string) (int64, error) {
	if timestamp == "" {
		return time.Now().Unix(), nil
	}

	if n, err := strconv.ParseInt(timestamp, 10, 64); err == nil {
		// 13+ digits are milliseconds
		if n > 1_000_000_000_000 {
			return n / 1000, nil
		}
		return n, nil
	}

	if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		return ts.Unix(), nil
	}

	return time.Now().Unix(), fmt.Errorf("unable to parse timestamp: %s", timestamp)
}

// HealthCheck performs a health check on the Redis connection
func (rb *RedisBus) HealthCheck(ctx context.Context) error {
	return rb.client.Ping(ctx).Err()
}

// GetStats returns basic statistics about the signatures stream
func (rb *RedisBus) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{"type": "redis"}

	if info, err := rb.client.XInfoStream(ctx, SignaturesStream).Result(); err == nil {
		stats["signatures_stream"] = map[string]interface{}{
			"length":         info.Length,
			"first_entry_id": info.FirstEntry.ID,
			"last_entry_id":  info.LastEntry.ID,
		}
	}
	if groups, err := rb.client.XInfoGroups(ctx, SignaturesStream).Result(); err == nil {
		stats["signatures_consumer_groups"] = len(groups)
	}
	return stats, nil
}
