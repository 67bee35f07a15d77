package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	Init("debug", false)
	var buf bytes.Buffer
	log = log.Output(&buf)
	return &buf
}

func TestWithComponent(t *testing.T) {
	buf := capture(t)

	WithComponent("dispatcher").Info().Msg("tick")

	out := buf.String()
	assert.Contains(t, out, `"component":"dispatcher"`)
	assert.Contains(t, out, `"message":"tick"`)
}

func TestWithDevice(t *testing.T) {
	buf := capture(t)

	WithDevice("worker-a").Warn().Int("count", 3).Msg("slots busy")

	out := buf.String()
	assert.Contains(t, out, `"device_id":"worker-a"`)
	assert.Contains(t, out, `"count":3`)
}

func TestWithTask(t *testing.T) {
	buf := capture(t)

	WithTask(42).Error().Msg("placement lost")

	require.Contains(t, buf.String(), `"task_id":42`)
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)
	Init("warn", false)
	log = log.Output(buf)

	WithComponent("queue").Debug().Msg("hidden")
	WithComponent("queue").Warn().Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}
