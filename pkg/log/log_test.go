package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersChain(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	// child loggers must be usable inline, without binding first
	WithComponent("queue").Info().Int("claimed", 2).Msg("tasks claimed")
	WithManager("hpc-node1-aaaa").Debug().Msg("heartbeat")
	WithRecordID(7).Error().Msg("iteration failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "queue", first["component"])
	assert.Equal(t, float64(2), first["claimed"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "hpc-node1-aaaa", second["manager"])
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	WithComponent("queue").Debug().Msg("invisible")
	WithComponent("queue").Error().Msg("visible")

	assert.NotContains(t, buf.String(), "invisible")
	assert.Contains(t, buf.String(), "visible")
}
