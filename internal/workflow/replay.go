package workflow

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MrWong99/leadflow/internal/observe"
	"github.com/MrWong99/leadflow/internal/pipeline"
	"github.com/MrWong99/leadflow/internal/session"
	"github.com/MrWong99/leadflow/internal/transcript"
	"github.com/MrWong99/leadflow/pkg/provider/chat"
)

// Classifier decides whether a customer message ends the conversation.
type Classifier interface {
	Classify(ctx context.Context, message string) bool
}

// Script replays scripted customer lines through a live chat backend.
type Script struct {
	// Lines are the customer messages in order. Blank lines are skipped.
	Lines []string

	// Backend answers each line.
	Backend chat.Backend

	// Tracker enforces the turn limit and inactivity timeout.
	Tracker *session.Tracker

	// Classifier, if set, is consulted after every turn the tracker lets
	// through.
	Classifier Classifier

	// Clock defaults to [time.Now].
	Clock func() time.Time
}

// Source selects what the replay chat node produces. Exactly one of
// TranscriptPath and Script must be set.
type Source struct {
	// TranscriptPath is an existing transcript, recorded as-is.
	TranscriptPath string

	// Script is a conversation to play and persist.
	Script *Script
}

// ReplayChatNode returns the batch counterpart of the interactive chat: a
// node that records a transcript reference on the state, either an existing
// one or a freshly persisted replay of src.Script.
func ReplayChatNode(store transcript.Store, src Source) (NodeFunc, error) {
	if store == nil {
		return nil, errors.New("workflow: replay requires a transcript store")
	}
	switch {
	case src.TranscriptPath != "" && src.Script != nil:
		return nil, errors.New("workflow: replay source must be a transcript or a script, not both")
	case src.TranscriptPath != "":
		return existingTranscript(store, src.TranscriptPath), nil
	case src.Script != nil:
		if src.Script.Backend == nil || src.Script.Tracker == nil {
			return nil, errors.New("workflow: script replay requires a chat backend and a tracker")
		}
		return scriptedChat(store, *src.Script), nil
	}
	return nil, errors.New("workflow: replay source is empty")
}

func existingTranscript(store transcript.Store, ref string) NodeFunc {
	return func(ctx context.Context, st *pipeline.State) error {
		if _, err := store.Read(ctx, ref); err != nil {
			return err
		}
		return setTranscript(st, ref)
	}
}

func scriptedChat(store transcript.Store, s Script) NodeFunc {
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}
	return func(ctx context.Context, st *pipeline.State) error {
		defer func() { s.Tracker.Reset(clock()) }()

		thread, err := s.Backend.NewThread(ctx)
		if err != nil {
			return fmt.Errorf("workflow: open chat thread: %w", err)
		}
		defer func() {
			if err := s.Backend.DeleteThread(context.WithoutCancel(ctx), thread); err != nil {
				observe.Logger(ctx).Warn("workflow: discard chat thread", "thread", thread, "err", err)
			}
		}()

		var turns []transcript.Turn
		for _, line := range s.Lines {
			if err := ctx.Err(); err != nil {
				return err
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			arrived := clock()
			bot, err := s.Backend.Send(ctx, thread, line)
			if err != nil {
				observe.Logger(ctx).Warn("workflow: chat backend failed, using fallback reply", "err", err)
				bot = chat.FallbackReply
			}
			turns = append(turns, transcript.Turn{User: line, Bot: bot})

			exit := s.Tracker.RecordTurn(arrived)
			if !exit && s.Classifier != nil {
				exit = s.Classifier.Classify(ctx, line)
			}
			if exit {
				break
			}
		}

		ref, err := store.Persist(ctx, turns)
		if err != nil {
			return err
		}
		return setTranscript(st, ref)
	}
}

func setTranscript(st *pipeline.State, ref string) error {
	if st.TranscriptPath != "" && st.TranscriptPath != ref {
		return fmt.Errorf("workflow: state already references transcript %q", st.TranscriptPath)
	}
	st.TranscriptPath = ref
	return nil
}

// ReadScript reads one customer message per line. Blank lines and lines
// starting with '#' are ignored.
func ReadScript(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("workflow: read script: %w", err)
	}
	return lines, nil
}
