package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte(`{"node": {"name": "testnode"}}`))
	require.NoError(t, err)
	assert.Equal(t, "testnode", cfg.Node.Name)
	// Unset sections keep defaults.
	assert.Equal(t, 3, cfg.Protocol.SendRetries)
	assert.Equal(t, 0.01, cfg.Bloomfilter.ErrorRate)
	assert.Equal(t, "rank", cfg.Forwarding.Module)
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse([]byte(`{"node": {}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{}`))
	assert.Error(t, err)
}

func TestParseRejectsOutOfRange(t *testing.T) {
	_, err := Parse([]byte(`{"node": {"name": "x", "matching_threshold": 150}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"node": {"name": "x"}, "bloomfilter": {"error_rate": 1.5}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"node": {"name": "x"}, "forwarding": {"module": "bogus"}}`))
	assert.Error(t, err)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"node": {"name": "n1", "matching_threshold": 50, "max_matches": 2},
		"nats": {"url": "nats://localhost:4222"},
		"protocol": {"send_retries": 5},
		"forwarding": {"module": "rank", "asynchronous": true}
	}`))
	require.NoError(t, err)
	assert.Equal(t, uint32(50), cfg.Node.MatchingThreshold)
	assert.Equal(t, uint32(2), cfg.Node.MaxMatches)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 5, cfg.Protocol.SendRetries)
	assert.True(t, cfg.Forwarding.Asynchronous)
}

func TestSafeConfigUpdateValidates(t *testing.T) {
	sc := NewSafeConfig(nil)
	assert.Equal(t, "haggle", sc.Get().Node.Name)

	bad := Default()
	bad.Node.Name = ""
	assert.Error(t, sc.Update(bad))

	good := Default()
	good.Node.Name = "renamed"
	require.NoError(t, sc.Update(good))
	assert.Equal(t, "renamed", sc.Get().Node.Name)
}
