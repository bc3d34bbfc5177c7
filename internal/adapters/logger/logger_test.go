package logger_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"go.trai.ch/loom/internal/adapters/logger"
)

func TestLoggerWritesToConfiguredOutput(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New()
	l.SetOutput(&buf)

	l.Info("building")
	l.Warn("slow target")
	l.Error(errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, "building")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "slow target")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "boom")
}
