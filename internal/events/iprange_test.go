package events

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRangeFromNetwork(t *testing.T) {
	tests := []struct {
		network    string
		start, end string
	}{
		{"1.2.3.0/24", "1.2.3.0", "1.2.3.255"},
		{"1.2.3.77/24", "1.2.3.0", "1.2.3.255"},
		{"10.0.0.0/13", "10.0.0.0", "10.7.255.255"},
		{"8.8.8.8/32", "8.8.8.8", "8.8.8.8"},
		{"0.0.0.0/0", "0.0.0.0", "255.255.255.255"},
		{"::ffff:1.2.3.0/120", "1.2.3.0", "1.2.3.255"},
		{"2001:db8::/127", "2001:db8::", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.network, func(t *testing.T) {
			r, err := resolveRange(tt.network, "", "")
			require.NoError(t, err)
			assert.Equal(t, tt.start, r.start.String())
			assert.Equal(t, tt.end, r.end.String())
		})
	}
}

func TestIPKeyOrdering(t *testing.T) {
	a := ipKey(netip.MustParseAddr("1.2.3.255"))
	b := ipKey(netip.MustParseAddr("1.2.4.0"))
	assert.Len(t, a, 4)
	assert.Less(t, string(a), string(b))
	assert.Len(t, ipKey(netip.MustParseAddr("::ffff:1.2.3.4")), 4)
	assert.Len(t, ipKey(netip.MustParseAddr("2001:db8::1")), 16)
}

func TestRangeContains(t *testing.T) {
	r, err := resolveRange("", "10.0.0.1", "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, 4, r.family())
	assert.True(t, r.contains("10.0.0.1"))
	assert.True(t, r.contains(" 10.0.0.9 "))
	assert.False(t, r.contains("10.0.0.10"))
	assert.False(t, r.contains("::a00:5"))
	assert.False(t, r.contains("example.com"))
}
