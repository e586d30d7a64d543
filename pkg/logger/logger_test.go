package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		debug bool
		want  zerolog.Level
	}{
		{name: "", want: zerolog.InfoLevel},
		{name: "WARN", want: zerolog.WarnLevel},
		{name: "trace", want: zerolog.TraceLevel},
		{name: "bogus", want: zerolog.InfoLevel},
		{name: "error", debug: true, want: zerolog.DebugLevel},
	}
	for _, test := range tests {
		if got := ParseLevel(test.name, test.debug); got != test.want {
			t.Errorf("%q/%v: got %v, want %v", test.name, test.debug, got, test.want)
		}
	}
}

func TestStreamFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf).Stream(7, "abc")
	log.Info().Msg("hi")
	out := buf.String()
	if !strings.Contains(out, `"sid":7`) || !strings.Contains(out, `"uid":"abc"`) {
		t.Errorf("missing stream fields in %s", out)
	}
}
