package dockerservice

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTimestamped(t *testing.T) {
	in := strings.Join([]string{
		"2024-05-01T10:00:00.000000001Z hello world",
		"2024-05-01T10:00:01.5Z ",
		"no timestamp here",
	}, "\n") + "\n"

	lines := ParseTimestamped(strings.NewReader(in), true)
	require.Len(t, lines, 3)

	require.Equal(t, "hello world", lines[0].Line)
	require.True(t, lines[0].IsError)
	require.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 1, time.UTC), lines[0].TS)

	require.Equal(t, "", lines[1].Line)
	require.False(t, lines[1].TS.IsZero())

	require.Equal(t, "no timestamp here", lines[2].Line)
	require.True(t, lines[2].TS.IsZero())
}

func TestNormalise(t *testing.T) {
	tests := []struct {
		a, b  string
		equal bool
	}{
		{"kbase/sdk", "kbase/sdk:latest", true},
		{"kbase/sdk", "docker.io/kbase/sdk:latest", true},
		{"ubuntu:22.04", "library/ubuntu:22.04", true},
		{"kbase/sdk:1", "kbase/sdk:10", false},
		{"quay.io/kbase/sdk:1", "kbase/sdk:1", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+"=="+tt.b, func(t *testing.T) {
			a, err := normalise(tt.a)
			require.NoError(t, err)
			b, err := normalise(tt.b)
			require.NoError(t, err)
			require.Equal(t, tt.equal, a == b)
		})
	}

	_, err := normalise("Bad Ref!")
	require.Error(t, err)
}

func TestUnixString(t *testing.T) {
	require.Equal(t, "1700000000.000000042", unixString(time.Unix(1700000000, 42)))
}
