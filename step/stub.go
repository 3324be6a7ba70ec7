package step

import "context"

// Stub is a minimal Step used by tests and by the built-in factories the
// registry falls back to when no real step implementation is registered
// for a bundled name. It runs to completion immediately, reporting 0 then
// 100 progress.
type Stub struct {
	name     string
	stopped  bool
	canceled bool
}

func NewStub(name string) *Stub { return &Stub{name: name} }

func (s *Stub) Run(ctx context.Context, in Input, onProgress func(progress float64, message string)) (Result, error) {
	onProgress(0, "starting "+s.name)
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}
	onProgress(100, "done")
	return Result{Progress: 100, Message: "ok"}, nil
}

func (s *Stub) Status() string { return s.name }

func (s *Stub) Stop(ctx context.Context) error {
	s.stopped = true
	return nil
}

func (s *Stub) Cancel(ctx context.Context) error {
	s.canceled = true
	return nil
}

func (s *Stub) IngestionUpdate(ctx context.Context, payload map[string]interface{}) error {
	return nil
}

// BundledFactories returns factories for the four bundled step names,
// backed by Stub. The registry's Find falls back to these when the
// extension scan misses an entry.
func BundledFactories() map[string]Factory {
	return map[string]Factory{
		NameFilesystem:           func() Step { return NewStub(NameFilesystem) },
		NameBlarify:              func() Step { return NewStub(NameBlarify) },
		NameSummarizer:           func() Step { return NewStub(NameSummarizer) },
		NameDocumentationGrapher: func() Step { return NewStub(NameDocumentationGrapher) },
	}
}
