package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/volleyproject/volley/internal/common/volleyerrors"
)

// Pool is the in-memory registry of live tenant identities. A tenant id is
// registered at most once at any time; the id is reserved before the
// provider call so concurrent creates for the same id cannot both proceed.
//
// The registry is process-local and lost on restart; runs are ephemeral so
// agents are never re-attached to.
type Pool struct {
	mu       sync.Mutex
	provider Provider
	agents   map[string]*Identity
}

func NewPool(provider Provider) *Pool {
	return &Pool{
		provider: provider,
		agents:   map[string]*Identity{},
	}
}

// Create provisions a new tenant identity and registers it under tenantID.
func (p *Pool) Create(ctx context.Context, tenantID string) (*Identity, error) {
	p.mu.Lock()
	if _, exists := p.agents[tenantID]; exists {
		p.mu.Unlock()
		return nil, &volleyerrors.ErrAlreadyExists{Type: "tenant", Value: tenantID}
	}
	// Reserve the id before provisioning so a concurrent Create fails fast.
	p.agents[tenantID] = nil
	p.mu.Unlock()

	identity, err := p.provider.Create(ctx, tenantID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		delete(p.agents, tenantID)
		return nil, errors.WithMessagef(err, "failed to provision tenant %s", tenantID)
	}
	p.agents[tenantID] = identity
	log.WithField("tenantId", tenantID).Info("tenant created")
	return identity, nil
}

// Delete tears down the identity registered under tenantID. Safe to call
// while the tenant is still in use by a driver; subsequent sends for it
// simply fail and are logged by the driver.
func (p *Pool) Delete(ctx context.Context, tenantID string) error {
	p.mu.Lock()
	identity, exists := p.agents[tenantID]
	if !exists || identity == nil {
		p.mu.Unlock()
		return &volleyerrors.ErrNotFound{Type: "tenant", Value: tenantID}
	}
	delete(p.agents, tenantID)
	p.mu.Unlock()

	if err := p.provider.Destroy(ctx, identity); err != nil {
		return errors.WithMessagef(err, "failed to tear down tenant %s", tenantID)
	}
	log.WithField("tenantId", tenantID).Info("tenant deleted")
	return nil
}

func (p *Pool) Get(tenantID string) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	identity, exists := p.agents[tenantID]
	if !exists || identity == nil {
		return nil, &volleyerrors.ErrNotFound{Type: "tenant", Value: tenantID}
	}
	return identity, nil
}

// List returns the ids of all fully provisioned tenants, sorted.
func (p *Pool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.agents))
	for id, identity := range p.agents {
		if identity != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
