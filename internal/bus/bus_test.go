package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureMessageRoundTripThroughFields(t *testing.T) {
	msg := SignatureMessage{
		TaskID:        "8d6e4a1c-0000-4000-8000-000000000001",
		PluginType:    "analyzer",
		PluginName:    "Classic_DNS",
		ConfigID:      7,
		Module:        "dns.classic.ClassicDNS",
		UserID:        3,
		JobID:         11,
		RoutingKey:    "default",
		SoftTimeLimit: 30,
		Timestamp:     1717243200,
	}
	values := msg.Values()

	// redis returns every field as a string
	fields := make(map[string]string, len(values))
	for k, v := range values {
		fields[k] = fmt.Sprint(v)
	}
	assert.Equal(t, msg, ParseSignatureMessage(fields))
}

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("1717243200000")
	require.NoError(t, err)
	assert.Equal(t, int64(1717243200), ts)

	ts, err = parseTimestamp("2024-06-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1717243200), ts)

	_, err = parseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestNewBusFallsBackToNullBus(t *testing.T) {
	b := NewBus("", nil)
	_, ok := b.(*NullBus)
	assert.True(t, ok)

	b = NewBus("not a url", nil)
	_, ok = b.(*NullBus)
	assert.True(t, ok)

	require.NoError(t, b.PublishSignature(context.Background(), SignatureMessage{TaskID: "x"}))
	require.NoError(t, b.TrimSignatures(context.Background(), 10))
	require.NoError(t, b.HealthCheck(context.Background()))
	stats, err := b.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "null", stats["type"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.ReadSignatures(ctx, "g", "c", nil), context.Canceled)
}
