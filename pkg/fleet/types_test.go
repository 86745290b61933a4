// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionValidate(t *testing.T) {
	t.Parallel()

	valid := Connection{
		Name:     "github",
		Endpoint: "http://localhost:9000/mcp",
		Protocol: ProtocolStreamableHTTP,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Connection)
	}{
		{"empty name", func(c *Connection) { c.Name = "" }},
		{"empty endpoint", func(c *Connection) { c.Endpoint = "" }},
		{"unknown protocol", func(c *Connection) { c.Protocol = "grpc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			conn := valid
			tt.mutate(&conn)
			err := conn.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestIsTimeoutError(t *testing.T) {
	t.Parallel()

	assert.False(t, IsTimeoutError(nil))
	assert.True(t, IsTimeoutError(ErrTimeout))
	assert.True(t, IsTimeoutError(fmt.Errorf("wrapping: %w", ErrTimeout)))
	assert.True(t, IsTimeoutError(errors.New("context deadline exceeded")))
	assert.False(t, IsTimeoutError(errors.New("connection refused")))
}

func TestIsConnectionError(t *testing.T) {
	t.Parallel()

	assert.False(t, IsConnectionError(nil))
	assert.True(t, IsConnectionError(ErrConnectionUnavailable))
	assert.True(t, IsConnectionError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsConnectionError(errors.New("lookup mcp.internal: no such host")))
	assert.False(t, IsConnectionError(errors.New("initialize rejected")))
}
