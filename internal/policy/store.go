package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
)

const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
)

// ChangeFunc observes accepted policy mutations. It runs after the store
// lock is released.
type ChangeFunc func(ctx context.Context, p domain.Policy, change string)

// Store holds the current version of every policy.
type Store struct {
	mu       sync.RWMutex
	policies map[string]domain.Policy
	onChange ChangeFunc
	now      func() time.Time
}

// NewStore returns a store holding DefaultPolicy. onChange may be nil.
func NewStore(onChange ChangeFunc) *Store {
	s := &Store{
		policies: make(map[string]domain.Policy),
		onChange: onChange,
		now:      time.Now,
	}
	def := DefaultPolicy()
	def.Version = 1
	def.UpdatedAt = s.now().UTC()
	s.policies[def.ID] = def
	return s
}

// Seed installs policies loaded at startup without emitting changes.
// Seeded policies replace the built-in default.
func (s *Store) Seed(policies ...domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", p.ID, err)
		}
		if p.Version < 1 {
			p.Version = 1
		}
		p.UpdatedAt = s.now().UTC()
		s.policies[p.ID] = clonePolicy(p)
	}
	return nil
}

func (s *Store) SetOnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Store) Get(id string) (domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[strings.TrimSpace(id)]
	if !ok {
		return domain.Policy{}, fmt.Errorf("%s: %w", id, ErrPolicyNotFound)
	}
	return clonePolicy(p), nil
}

// List returns all policies sorted by id.
func (s *Store) List() []domain.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, clonePolicy(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put creates or replaces a policy. The stored version is always one past
// the previous version; a caller supplied version is ignored.
func (s *Store) Put(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	p.ID = strings.TrimSpace(p.ID)
	if err := p.Validate(); err != nil {
		return domain.Policy{}, err
	}

	s.mu.Lock()
	prev, exists := s.policies[p.ID]
	change := ChangeCreated
	p.Version = 1
	if exists {
		change = ChangeUpdated
		p.Version = prev.Version + 1
	}
	p.UpdatedAt = s.now().UTC()
	s.policies[p.ID] = clonePolicy(p)
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(ctx, clonePolicy(p), change)
	}
	return clonePolicy(p), nil
}

func clonePolicy(p domain.Policy) domain.Policy {
	out := p
	out.AlwaysInclude = append([]string(nil), p.AlwaysInclude...)
	out.Filters.Types = append([]domain.EventType(nil), p.Filters.Types...)
	out.Filters.TagsAny = append([]string(nil), p.Filters.TagsAny...)
	out.Filters.TagsAll = append([]string(nil), p.Filters.TagsAll...)
	return out
}
