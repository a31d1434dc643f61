// Package agenttest provides an in-memory agent.Provider for tests.
package agenttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/volleyproject/volley/internal/volley/agent"
)

// Provider is a scriptable in-memory implementation of agent.Provider.
// Connections are symmetric, sends succeed against any known connection and
// deliveries are emitted synchronously unless DeliveryDelay is set.
type Provider struct {
	mu sync.Mutex

	// CreateErrors maps tenant ids to provisioning errors.
	CreateErrors map[string]error
	// ConnectFailures maps "from->to" pair keys to the number of attempts
	// that should fail before one succeeds. Use a large count to make the
	// pair fail permanently.
	ConnectFailures map[string]int
	// SendError, if set, fails every send.
	SendError error
	// DeliveryDelay postpones the delivery event after a send.
	DeliveryDelay time.Duration
	// SuppressDeliveries disables delivery events entirely.
	SuppressDeliveries bool

	identities  map[string]*agent.Identity
	connections map[string][]agent.Connection
	subscribers []func(agent.DeliveryEvent)

	created        []string
	destroyed      []string
	connectCalls   map[string]int
	sendCount      int
	nextThread     int
	deliveryEvents sync.WaitGroup
}

func NewProvider() *Provider {
	return &Provider{
		CreateErrors:    map[string]error{},
		ConnectFailures: map[string]int{},
		identities:      map[string]*agent.Identity{},
		connections:     map[string][]agent.Connection{},
		connectCalls:    map[string]int{},
	}
}

func (p *Provider) Create(ctx context.Context, tenantID string) (*agent.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.CreateErrors[tenantID]; err != nil {
		return nil, err
	}
	identity := &agent.Identity{
		TenantID: tenantID,
		WalletID: "wallet-" + tenantID,
		Token:    "token-" + tenantID,
	}
	p.identities[tenantID] = identity
	p.created = append(p.created, tenantID)
	return identity, nil
}

func (p *Provider) Destroy(ctx context.Context, identity *agent.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.identities[identity.TenantID]; !exists {
		return errors.Errorf("unknown identity %s", identity.TenantID)
	}
	delete(p.identities, identity.TenantID)
	delete(p.connections, identity.TenantID)
	p.destroyed = append(p.destroyed, identity.TenantID)
	return nil
}

func pairKey(from, to string) string {
	return fmt.Sprintf("%s->%s", from, to)
}

func (p *Provider) Connect(ctx context.Context, from *agent.Identity, to *agent.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pairKey(from.TenantID, to.TenantID)
	p.connectCalls[key]++
	if remaining := p.ConnectFailures[key]; remaining > 0 {
		p.ConnectFailures[key] = remaining - 1
		return errors.Errorf("handshake %s failed", key)
	}
	p.addConnectionLocked(from.TenantID, to.TenantID)
	p.addConnectionLocked(to.TenantID, from.TenantID)
	return nil
}

func (p *Provider) addConnectionLocked(owner, peer string) {
	for _, connection := range p.connections[owner] {
		if connection.PeerLabel == peer {
			return
		}
	}
	p.connections[owner] = append(p.connections[owner], agent.Connection{
		ID:        fmt.Sprintf("conn-%s-%s", owner, peer),
		PeerLabel: peer,
		State:     agent.ConnectionStateActive,
	})
}

func (p *Provider) ListConnections(ctx context.Context, identity *agent.Identity) ([]agent.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	connections := make([]agent.Connection, len(p.connections[identity.TenantID]))
	copy(connections, p.connections[identity.TenantID])
	return connections, nil
}

func (p *Provider) Send(ctx context.Context, identity *agent.Identity, connectionID string, payload string) (string, error) {
	p.mu.Lock()
	if p.SendError != nil {
		err := p.SendError
		p.mu.Unlock()
		return "", err
	}
	if _, exists := p.identities[identity.TenantID]; !exists {
		p.mu.Unlock()
		return "", errors.Errorf("identity %s no longer exists", identity.TenantID)
	}
	p.sendCount++
	p.nextThread++
	threadID := fmt.Sprintf("thread-%d", p.nextThread)
	subscribers := make([]func(agent.DeliveryEvent), len(p.subscribers))
	copy(subscribers, p.subscribers)
	delay := p.DeliveryDelay
	suppress := p.SuppressDeliveries
	p.mu.Unlock()

	if !suppress {
		p.deliveryEvents.Add(1)
		go func() {
			defer p.deliveryEvents.Done()
			if delay > 0 {
				time.Sleep(delay)
			}
			event := agent.DeliveryEvent{ThreadID: threadID, Timestamp: time.Now()}
			for _, subscriber := range subscribers {
				subscriber(event)
			}
		}()
	}
	return threadID, nil
}

func (p *Provider) Subscribe(handler func(agent.DeliveryEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, handler)
}

// AwaitDeliveries blocks until all emitted delivery events have been handled.
func (p *Provider) AwaitDeliveries() {
	p.deliveryEvents.Wait()
}

func (p *Provider) Created() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	created := make([]string, len(p.created))
	copy(created, p.created)
	return created
}

func (p *Provider) Destroyed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	destroyed := make([]string, len(p.destroyed))
	copy(destroyed, p.destroyed)
	return destroyed
}

func (p *Provider) ConnectCalls(from, to string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectCalls[pairKey(from, to)]
}

func (p *Provider) SendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendCount
}
