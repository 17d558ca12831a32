package policy

import (
	"sync/atomic"

	"github.com/medrelay/admission/internal/settings"
)

// Store holds the resolved policy table for the current generation.
// The table is swapped atomically on reload; readers never observe a
// partially updated generation.
type Store struct {
	snapshot atomic.Pointer[table]
	scale    float64
	disabled bool
	explicit string
	root     string
}

// NewStore builds a store from settings and loads the initial generation.
func NewStore(cfg settings.Config) *Store {
	s := &Store{
		scale:    cfg.Scale,
		disabled: cfg.Disabled,
		explicit: cfg.PolicyPath,
		root:     cfg.ConfigRoot,
	}
	_ = s.Reload()
	return s
}

// Reload rediscovers and reloads the policy document, swapping in a fresh
// generation. It never leaves the store without a usable table.
func (s *Store) Reload() error {
	path := discoverPath(s.explicit, s.root)
	s.snapshot.Store(loadTable(path, s.scale))
	return nil
}

// Resolve returns the effective limit for a (role, operation) pair.
// When enforcement is globally disabled every pair resolves to Unlimited.
func (s *Store) Resolve(role Role, op Operation) Limit {
	if s.disabled {
		return Unlimited
	}
	t := s.snapshot.Load()
	if limit, ok := t.limits[pairKey{role, op}]; ok {
		return limit
	}
	return scaleLimit(globalDefault, s.scale)
}

// Disabled reports whether the global kill switch is active.
func (s *Store) Disabled() bool {
	return s.disabled
}

// GlobalScale returns the scale factor applied to this store's limits.
func (s *Store) GlobalScale() float64 {
	return s.scale
}

// Version returns the policy version of the current generation.
func (s *Store) Version() string {
	return s.snapshot.Load().version
}

// Source reports where the current generation came from.
func (s *Store) Source() string {
	return s.snapshot.Load().source
}

// Path returns the document path backing the current generation, empty when
// running on defaults.
func (s *Store) Path() string {
	return s.snapshot.Load().path
}

// Table returns a copy of the resolved table for inspection.
func (s *Store) Table() map[Role]map[Operation]Limit {
	t := s.snapshot.Load()
	out := make(map[Role]map[Operation]Limit, len(Roles))
	for _, role := range Roles {
		ops := make(map[Operation]Limit, len(Operations))
		for _, op := range Operations {
			if s.disabled {
				ops[op] = Unlimited
				continue
			}
			ops[op] = t.limits[pairKey{role, op}]
		}
		out[role] = ops
	}
	return out
}
