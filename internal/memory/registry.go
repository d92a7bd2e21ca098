package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/dshills/memindex/internal/config"
	"github.com/dshills/memindex/pkg/types"
)

// ErrInvalidAgentID is returned for agent ids that cannot scope a store
var ErrInvalidAgentID = errors.New("invalid agent id")

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Registry lazily creates one Manager per agent id. Agents share the base
// configuration; only the store scope differs.
type Registry struct {
	base *config.Config
	deps Deps

	mu       sync.Mutex
	managers map[string]*Manager
	closed   bool
}

// NewRegistry creates a Registry over base
func NewRegistry(base *config.Config, deps Deps) *Registry {
	return &Registry{
		base:     base,
		deps:     deps,
		managers: make(map[string]*Manager),
	}
}

// DefaultAgent is the agent used when a caller names none
func (r *Registry) DefaultAgent() string {
	return r.base.AgentID
}

// Get returns the manager of agentID ("" = default), creating it on first use
func (r *Registry) Get(ctx context.Context, agentID string) (*Manager, error) {
	if agentID == "" {
		agentID = r.base.AgentID
	}
	if !agentIDPattern.MatchString(agentID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAgentID, agentID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, types.ErrClosed
	}
	if m, ok := r.managers[agentID]; ok {
		return m, nil
	}

	cfg := *r.base
	cfg.AgentID = agentID
	m, err := New(ctx, &cfg, r.deps)
	if err != nil {
		return nil, err
	}
	r.managers[agentID] = m
	return m, nil
}

// Agents returns the ids of the managers created so far
func (r *Registry) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.managers))
	for id := range r.managers {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every manager
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	var errs []error
	for id, m := range r.managers {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", id, err))
		}
	}
	r.managers = make(map[string]*Manager)
	return errors.Join(errs...)
}
