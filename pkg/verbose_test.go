package fileaudit

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetDebugFlags(t *testing.T) {
	defer SetDebugFlags("")

	testCases := []struct {
		name     string
		input    string
		expected map[string]bool
	}{
		{
			name:     "simple flags",
			input:    "queue,cache",
			expected: map[string]bool{"queue": true, "cache": true},
		},
		{
			name:     "key value format",
			input:    "queue:true,cache:false",
			expected: map[string]bool{"queue": true, "cache": false},
		},
		{
			name:     "mixed format",
			input:    "queue,cache:off,registry:1",
			expected: map[string]bool{"queue": true, "cache": false, "registry": true},
		},
		{
			name:     "case and spacing",
			input:    " Queue , WRITER:No ",
			expected: map[string]bool{"queue": true, "writer": false},
		},
		{
			name:     "empty",
			input:    "",
			expected: map[string]bool{"queue": false},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			SetDebugFlags(tc.input)
			for flag, want := range tc.expected {
				assert.Equal(t, want, IsDebugEnabled(flag), "flag %s", flag)
			}
		})
	}
}

func TestVerboseLog(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer func() {
		SetLogOutput(os.Stderr)
		SetVerboseLevel(0)
		SetDebugFlags("")
	}()

	SetVerboseLevel(1)
	assert.Equal(t, 1, GetVerboseLevel())
	VerboseLog(1, "session %s committed\n", "abc")
	VerboseLog(2, "hidden detail")
	assert.Contains(t, buf.String(), "session abc committed")
	assert.NotContains(t, buf.String(), "hidden detail")

	buf.Reset()
	assert.Nil(t, debugLog("queue"), "disabled flags yield no event")
	SetDebugFlags("queue")
	debugLog("queue").Str("session", "abc").Msg("queue full")
	assert.Contains(t, buf.String(), `"debug":"queue"`)
	assert.Contains(t, buf.String(), "queue full")

	buf.Reset()
	SetVerboseLevel(0)
	Logger().Info().Msg("quiet")
	Logger().Warn().Msg("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}
