// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredOutputIsJSON(t *testing.T) {
	var buf bytes.Buffer
	old := Get()
	Set(newLogger(&buf, slog.LevelDebug, false))
	t.Cleanup(func() { Set(old) })

	Infow("connection adopted", "connection", "github")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connection adopted", entry["msg"])
	assert.Equal(t, "github", entry["connection"])
}

func TestUnstructuredOutputIsText(t *testing.T) {
	var buf bytes.Buffer
	old := Get()
	Set(newLogger(&buf, slog.LevelInfo, true))
	t.Cleanup(func() { Set(old) })

	Warnf("probe failed after %d attempts", 3)

	assert.Contains(t, buf.String(), "probe failed after 3 attempts")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	old := Get()
	Set(newLogger(&buf, slog.LevelInfo, false))
	t.Cleanup(func() { Set(old) })

	Debug("noisy")
	assert.Empty(t, buf.String())

	Info("kept")
	assert.Contains(t, buf.String(), "kept")
}
