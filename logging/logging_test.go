package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw      string
		expected zerolog.Level
		ok       bool
	}{
		{"debug", zerolog.DebugLevel, true},
		{" WARN ", zerolog.WarnLevel, true},
		{"", zerolog.InfoLevel, true},
		{"off", zerolog.Disabled, true},
		{"verbose", zerolog.InfoLevel, false},
	}

	for _, tt := range tests {
		lvl, ok := ParseLevel(tt.raw)
		assert.Equal(t, tt.expected, lvl, "level for %q", tt.raw)
		assert.Equal(t, tt.ok, ok, "ok for %q", tt.raw)
	}
}

func TestComponentTagsOutput(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	var buf bytes.Buffer
	Configure(&buf, "info")
	defer ConfigureTests()

	logger := Component("obd-session")
	logger.Info().Msg("status changed")

	assert.Contains(t, buf.String(), "obd-session")
	assert.Contains(t, buf.String(), "status changed")
}
