package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(raw), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(ln), &m), ln)
		out = append(out, m)
	}
	return out
}

func TestJSONFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "info").With(String("comp", "engine"))
	log.Debug("hidden")
	log.Info("sent", Int64("communication_id", 7), Err(errors.New("x")), Err(nil))

	got := lines(t, buf.String())
	require.Len(t, got, 1)
	assert.Equal(t, "sent", got[0]["message"])
	assert.Equal(t, "engine", got[0]["comp"])
	assert.EqualValues(t, 7, got[0]["communication_id"])
	assert.Equal(t, "x", got[0]["err"])
	assert.Contains(t, got[0]["caller"], "logging_test.go:")
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("dropped")
	assert.False(t, Nop().IsZero())
	assert.False(t, Nop().Enabled(LevelError))
}

func TestServiceFileAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	derived := log.With(String("comp", "runner"))

	derived.Info("too quiet")
	derived.Warn("loud")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	derived.Debug("now visible")
	require.NoError(t, svc.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	got := lines(t, string(raw))
	require.Len(t, got, 2)
	assert.Equal(t, "loud", got[0]["message"])
	assert.Equal(t, "now visible", got[1]["message"])
	assert.Equal(t, "runner", got[1]["comp"])
}
