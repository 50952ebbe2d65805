package snapshot

import "context"

// Source pulls the full routing configuration from an external store.
// This layer only reads; the store is owned elsewhere.
type Source interface {
	Fetch(ctx context.Context) (Contents, error)
}

// StaticSource serves a fixed set of contents. Used for local development
// and tests, where no external configuration store is available.
type StaticSource struct {
	contents Contents
}

func NewStaticSource(c Contents) *StaticSource {
	return &StaticSource{contents: c}
}

func (s *StaticSource) Fetch(ctx context.Context) (Contents, error) {
	return s.contents, nil
}
