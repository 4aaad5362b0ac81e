package transcript_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/leadflow/internal/transcript"
)

func TestFileStore_PersistFirstSerial(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "chat_logs")
	s := transcript.NewFileStore(dir)

	ref, err := s.Persist(context.Background(), []transcript.Turn{{User: "hi", Bot: "hello"}})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	want := filepath.Join(dir, "all_chat_history_sr_1.txt")
	if ref != want {
		t.Errorf("ref = %q, want %q", ref, want)
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	wantContent := "Serial Number: 1\n\nUser: hi\nBot: hello\n\n" + strings.Repeat("-", 40) + "\n\n"
	if string(data) != wantContent {
		t.Errorf("content = %q, want %q", data, wantContent)
	}
}

func TestFileStore_NextSerialFollowsMaximum(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{
		"all_chat_history_sr_1.txt",
		"all_chat_history_sr_3.txt",
		"all_chat_history_sr_notes.txt",
		"unrelated.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s := transcript.NewFileStore(dir)
	ref, err := s.Persist(context.Background(), nil)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if got, want := filepath.Base(ref), "all_chat_history_sr_4.txt"; got != want {
		t.Errorf("file = %q, want %q", got, want)
	}

	data, _ := os.ReadFile(ref)
	if string(data) != "Serial Number: 4\n\n" {
		t.Errorf("empty history content = %q, want header only", data)
	}
}

func TestFileStore_Latest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("missing dir", func(t *testing.T) {
		t.Parallel()
		s := transcript.NewFileStore(filepath.Join(t.TempDir(), "absent"))
		if _, err := s.Latest(ctx); !errors.Is(err, transcript.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("empty dir", func(t *testing.T) {
		t.Parallel()
		s := transcript.NewFileStore(t.TempDir())
		if _, err := s.Latest(ctx); !errors.Is(err, transcript.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("numeric not lexical", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		for _, name := range []string{"all_chat_history_sr_9.txt", "all_chat_history_sr_10.txt", "all_chat_history_sr_2.txt"} {
			if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
				t.Fatal(err)
			}
		}
		s := transcript.NewFileStore(dir)
		ref, err := s.Latest(ctx)
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if got := filepath.Base(ref); got != "all_chat_history_sr_10.txt" {
			t.Errorf("Latest = %q, want all_chat_history_sr_10.txt", got)
		}
	})
}

func TestFileStore_ReadMissing(t *testing.T) {
	t.Parallel()
	s := transcript.NewFileStore(t.TempDir())
	_, err := s.Read(context.Background(), filepath.Join(t.TempDir(), "nope.txt"))
	if !errors.Is(err, transcript.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFileStore_ConcurrentPersistAllocatesDistinctSerials(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := transcript.NewFileStore(dir)

	const n = 12
	refs := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := s.Persist(context.Background(), []transcript.Turn{{User: "u", Bot: "b"}})
			if err != nil {
				t.Errorf("Persist: %v", err)
				return
			}
			refs[i] = ref
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, r := range refs {
		if seen[r] {
			t.Errorf("duplicate ref %q", r)
		}
		seen[r] = true
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != n {
		t.Errorf("files = %d, want %d", len(entries), n)
	}
}

func TestFileStore_PersistThenRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := transcript.NewFileStore(t.TempDir())
	turns := []transcript.Turn{
		{User: "I'm Priya, priya@example.com", Bot: "Thanks Priya!"},
		{User: "bye", Bot: "Goodbye"},
	}
	ref, err := s.Persist(ctx, turns)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	content, err := s.Read(ctx, ref)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	serial, got, err := transcript.Parse(content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if serial != 1 {
		t.Errorf("serial = %d, want 1", serial)
	}
	if len(got) != len(turns) {
		t.Fatalf("turns = %d, want %d", len(got), len(turns))
	}
	for i := range turns {
		if got[i] != turns[i] {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], turns[i])
		}
	}
}

func TestSerialFromName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		serial int
		ok     bool
	}{
		{"all_chat_history_sr_1.txt", 1, true},
		{"all_chat_history_sr_42.txt", 42, true},
		{"all_chat_history_sr_.txt", 0, false},
		{"all_chat_history_sr_x.txt", 0, false},
		{"all_chat_history_sr_-1.txt", 0, false},
		{"all_chat_history_sr_3.log", 0, false},
		{"other_3.txt", 0, false},
	}
	for _, tt := range tests {
		n, ok := transcript.SerialFromName(tt.name)
		if n != tt.serial || ok != tt.ok {
			t.Errorf("SerialFromName(%q) = (%d, %v), want (%d, %v)", tt.name, n, ok, tt.serial, tt.ok)
		}
	}
}
