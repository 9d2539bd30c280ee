package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("escrow settled",
		slog.String("namespace", "table-1"),
		slog.String("hmac_secret", "s3cret"),
		slog.Group("rpc", slog.String("AuthToken", "abc")))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "escrow settled", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, "table-1", line["namespace"])
	require.Equal(t, RedactedValue, line["hmac_secret"])
	require.Equal(t, map[string]any{"AuthToken": RedactedValue}, line["rpc"])
}

func TestMaskURL(t *testing.T) {
	require.Equal(t, "https://hooks.example.test/…", MaskURL("url", "https://hooks.example.test/T0/B1/xyz").Value.String())
	require.Equal(t, "http://localhost:9000", MaskURL("url", "http://localhost:9000").Value.String())
	require.Equal(t, RedactedValue, MaskURL("url", "not a url").Value.String())
}

func TestShortAddress(t *testing.T) {
	attr := ShortAddress("winner", "esc1qyqszqgpqyqszqgpqyqszqgpqyqszqgp3cfmk5")
	require.Equal(t, "esc1…3cfmk5", attr.Value.String())

	attr = ShortAddress("winner", "garbage")
	require.Equal(t, RedactedValue, attr.Value.String())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}
