package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-vault/internal/platform/config"
)

func TestRunReportsListenFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:-1"

	err := run(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.ErrorContains(t, err, "serve")
}
