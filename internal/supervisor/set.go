package supervisor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// Set is the registry of named supervisors a process owns. It replaces a
// process-wide singleton: callers receive it explicitly.
type Set struct {
	mu    sync.RWMutex
	items map[string]*Supervisor
}

func NewSet(sups ...*Supervisor) *Set {
	s := &Set{items: make(map[string]*Supervisor, len(sups))}
	for _, sup := range sups {
		if sup != nil {
			s.items[sup.Name()] = sup
		}
	}
	return s
}

// Get returns the supervisor registered under name, or a NotFound error.
func (s *Set) Get(name string) (*Supervisor, error) {
	if s == nil {
		return nil, common.NewNotFoundError("backend " + name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.items[name]
	if !ok {
		return nil, common.NewNotFoundError("backend " + name)
	}
	return sup, nil
}

func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.items))
	for n := range s.items {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Set) Statuses() []Status {
	var out []Status
	for _, n := range s.Names() {
		sup, _ := s.Get(n)
		out = append(out, sup.Status())
	}
	return out
}

// StopAll stops every supervisor; used at process exit.
func (s *Set) StopAll(ctx context.Context, timeout time.Duration) error {
	var errs []error
	for _, n := range s.Names() {
		sup, _ := s.Get(n)
		if err := sup.Stop(ctx, timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// KillAll force-stops every supervisor without waiting.
func (s *Set) KillAll() {
	for _, n := range s.Names() {
		sup, _ := s.Get(n)
		sup.Kill()
	}
}
