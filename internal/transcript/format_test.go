package transcript_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/MrWong99/leadflow/internal/transcript"
)

func TestFormat_EmptyHistory(t *testing.T) {
	t.Parallel()
	if got, want := transcript.Format(7, nil), "Serial Number: 7\n\n"; got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormatParse_RoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		turns []transcript.Turn
	}{
		{"empty", nil},
		{"single", []transcript.Turn{{User: "hi", Bot: "hello"}}},
		{"empty bot", []transcript.Turn{{User: "hi", Bot: ""}}},
		{"multiline bot", []transcript.Turn{{User: "plans?", Bot: "Basic\nPro\nEnterprise"}}},
		{"many", []transcript.Turn{
			{User: "Name: Ravi", Bot: "Hi Ravi"},
			{User: "ravi@acme.io", Bot: "Got it"},
			{User: "bye", Bot: "Goodbye!"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			serial, got, err := transcript.Parse(transcript.Format(3, tt.turns))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if serial != 3 {
				t.Errorf("serial = %d, want 3", serial)
			}
			if !reflect.DeepEqual(got, tt.turns) {
				t.Errorf("turns = %#v, want %#v", got, tt.turns)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	sep := strings.Repeat("-", 40)
	tests := []struct {
		name    string
		content string
	}{
		{"no header", "User: hi\nBot: hello\n"},
		{"bad serial", "Serial Number: abc\n\n"},
		{"missing bot", "Serial Number: 1\n\nUser: hi\n\n" + sep + "\n\n"},
		{"missing user", "Serial Number: 1\n\nBot: hello\n\n" + sep + "\n\n"},
	}
	for _, tt := range tests {
		if _, _, err := transcript.Parse(tt.content); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
