package pipeline

import (
	"context"
	"fmt"

	"github.com/MrWong99/leadflow/internal/observe"
	"github.com/MrWong99/leadflow/internal/transcript"
)

// Resolver locates the transcript a stage should work on.
type Resolver struct {
	store transcript.Store
}

// NewResolver creates a Resolver reading from store.
func NewResolver(store transcript.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the reference and content of the transcript for st. The
// State's own reference wins when it is readable; otherwise the store's
// latest transcript is used. The resolved reference is recorded on st only
// when st had none.
func (r *Resolver) Resolve(ctx context.Context, st *State) (ref, content string, err error) {
	if st.TranscriptPath != "" {
		content, err := r.store.Read(ctx, st.TranscriptPath)
		if err == nil {
			return st.TranscriptPath, content, nil
		}
		observe.Logger(ctx).Warn("pipeline: transcript in state unreadable, using latest",
			"transcript", st.TranscriptPath, "err", err)
	}

	ref, err = r.store.Latest(ctx)
	if err != nil {
		return "", "", fmt.Errorf("pipeline: locate latest transcript: %w", err)
	}
	content, err = r.store.Read(ctx, ref)
	if err != nil {
		return "", "", fmt.Errorf("pipeline: read transcript %s: %w", ref, err)
	}
	if st.TranscriptPath == "" {
		st.TranscriptPath = ref
	}
	return ref, content, nil
}
