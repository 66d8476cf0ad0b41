// Package audittest provides an in-memory diagnostics recorder for tests.
package audittest

import (
	"context"
	"sync"

	"github.com/smallbiznis/payflow/internal/audit/domain"
)

type Recorder struct {
	mu      sync.Mutex
	entries []domain.RecordInput
	err     error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes every later Record call return err without storing the entry.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Record(ctx context.Context, input domain.RecordInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.entries = append(r.entries, input)
	return nil
}

func (r *Recorder) List(context.Context, domain.ListRequest) (domain.ListResponse, error) {
	return domain.ListResponse{}, nil
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []domain.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Kind, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Kind)
	}
	return out
}

func (r *Recorder) Entries() []domain.RecordInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RecordInput(nil), r.entries...)
}
