package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSON(t *testing.T) {
	l := New("debug")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithField("run_id", "r1").Info("run started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "run started", line["msg"])
	assert.Equal(t, "r1", line["run_id"])
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, logrus.InfoLevel, New("loud").GetLevel())
}

func TestDiscard(t *testing.T) {
	e := Discard()
	assert.False(t, e.Logger.IsLevelEnabled(logrus.ErrorLevel))
}
