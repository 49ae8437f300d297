package params

import "sync"

type Source string

const (
	SourceRequest Source = "request"
	SourceDefault Source = "default"
)

// DefaultsStore holds the parameter set inherited by requests that carry
// none. One writer at a time, any number of readers; values are copied in
// and out so callers never share state.
type DefaultsStore struct {
	mu      sync.RWMutex
	current *ParameterSet
}

func NewDefaultsStore() *DefaultsStore {
	return &DefaultsStore{}
}

// Get returns the last value passed to Set, or Default() if Set was never
// called.
func (s *DefaultsStore) Get() ParameterSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Default()
	}
	return *s.current
}

func (s *DefaultsStore) Set(p ParameterSet) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = &p
	s.mu.Unlock()
	return nil
}

// Resolve picks the request's own set when present and the stored default
// otherwise. The result is not validated here.
func (s *DefaultsStore) Resolve(req *ParameterSet) (ParameterSet, Source) {
	if req != nil {
		return *req, SourceRequest
	}
	return s.Get(), SourceDefault
}
