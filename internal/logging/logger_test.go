package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WarnLevel, &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown", map[string]interface{}{"hop": 2})
	logger.Error("shown too")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, "shown", entries[0]["message"])
	assert.Equal(t, float64(2), entries[0]["hop"])
	assert.Contains(t, entries[0]["caller"], "logging/logger_test.go")
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(DebugLevel, &buf)
	child := base.WithField("tag", "series-1").WithError(errors.New("boom"))

	child.Info("fit failed")
	base.Info("plain")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "series-1", entries[0]["tag"])
	assert.Equal(t, "boom", entries[0]["error"])
	assert.NotContains(t, entries[1], "tag")
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithFormat(InfoLevel, TextFormat, &buf)
	logger.Info("fit completed", map[string]interface{}{"objective": 0.5, "converged": true})

	line := buf.String()
	assert.Contains(t, line, "INFO  fit completed")
	assert.Contains(t, line, "converged=true")
	assert.Contains(t, line, "objective=0.5")
}

func TestLoggerFatalExits(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf)
	code := -1
	logger.exit = func(c int) { code = c }

	logger.Fatal("giving up")
	assert.Equal(t, 1, code)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(&Config{Level: "warning", Format: "console", Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, logger.Level())
	assert.Equal(t, TextFormat, logger.format)

	_, err = NewLogger(&Config{Format: "xml"})
	assert.Error(t, err)

	logger, err = NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, InfoLevel, logger.Level())
}

func TestZapLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(InfoLevel, &buf).WithField("service", "globalfit")
	zl := NewZapLogger(base).Named("fit").With(zap.String("tag", "dilution"))

	zl.Debug("hidden")
	zl.Info("fit completed",
		zap.Float64("objective", 1.5e-12),
		zap.Bool("converged", true),
		zap.Int("hops", 3),
		zap.Duration("duration", 2*time.Second),
	)
	zl.Warn("fit did not converge", zap.Error(errors.New("nan")))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)

	assert.Equal(t, "INFO", entries[0]["level"])
	assert.Equal(t, "fit", entries[0]["logger"])
	assert.Equal(t, "globalfit", entries[0]["service"])
	assert.Equal(t, "dilution", entries[0]["tag"])
	assert.Equal(t, 1.5e-12, entries[0]["objective"])
	assert.Equal(t, true, entries[0]["converged"])
	assert.Equal(t, float64(3), entries[0]["hops"])
	assert.Contains(t, entries[0]["caller"], "logging/logger_test.go")

	assert.Equal(t, "WARN", entries[1]["level"])
	assert.Equal(t, "nan", entries[1]["error"])
}
