package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := Setup("marketd", "test", WithOutput(&buf))
	logger.Info("listing created", "instance", "abc")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "listing created", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "marketd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
}

func TestSetupRespectsLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := Setup("marketd", "", WithOutput(&buf), WithLevel(ParseLevel("warn")))
	logger.Info("suppressed")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.NotZero(t, buf.Len())
}

func TestSetupWritesFileSink(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "marketd.log")
	var buf bytes.Buffer
	logger := Setup("marketd", "", WithOutput(&buf), WithFile(FileSink{Path: path, MaxSizeMB: 1}))
	logger.Info("to disk")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to disk")
}

func TestMaskField(t *testing.T) {
	require.Equal(t, "wcap:inst-1:"+RedactedValue, MaskField("withdraw_capability", "wcap:inst-1:deadbeef").Value.String())
	require.Equal(t, RedactedValue, MaskField("jwt_secret", "hunter2").Value.String())
	require.Equal(t, "abc", MaskField("instance", "abc").Value.String())
	require.Equal(t, "", MaskField("token", "").Value.String())
	require.Equal(t, RedactedValue, MaskValue("x"))
}
