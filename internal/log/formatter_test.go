package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormatterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(NewFormatter(true))

	logger.WithField("component", "scheduler").Info("Starting initial sync for tenant")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Starting initial sync for tenant", entry["message"])
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "info", entry["level"])
}

func TestNewFormatterText(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(NewFormatter(false))

	logger.WithField("tenant_id", 5).Warn("Primary store is offline")

	out := buf.String()
	assert.Contains(t, out, "level=warning")
	assert.Contains(t, out, `msg="Primary store is offline"`)
	assert.Contains(t, out, "tenant_id=5")
}
