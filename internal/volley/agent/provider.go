package agent

import (
	"context"
	"time"
)

// Connection states as reported by the provider.
const ConnectionStateActive = "active"

// Identity is one live tenant wallet held by the provider.
type Identity struct {
	TenantID string
	// WalletID and Token are provider-side handles; opaque to callers.
	WalletID string
	Token    string
}

// Connection is one pairwise DIDComm connection as seen from one side.
// PeerLabel is the peer's tenant id; implementations normalize whatever
// label scheme the underlying agent uses.
type Connection struct {
	ID        string
	PeerLabel string
	State     string
}

// DeliveryEvent signals that a previously sent message has been confirmed
// delivered. ThreadID correlates it with the send call that produced it.
type DeliveryEvent struct {
	ThreadID  string
	Timestamp time.Time
}

// Provider is the boundary to the underlying secure-messaging agent stack.
// Implementations provision tenant wallets, drive connection handshakes and
// relay messages through the mediator under test.
//
// Delivery confirmations arrive out of band: implementations emit a
// DeliveryEvent to every subscribed handler, decoupled from the Send call
// that initiated the message.
type Provider interface {
	Create(ctx context.Context, tenantID string) (*Identity, error)
	Destroy(ctx context.Context, identity *Identity) error
	Connect(ctx context.Context, from *Identity, to *Identity) error
	ListConnections(ctx context.Context, identity *Identity) ([]Connection, error)
	// Send relays payload over the given connection and returns the
	// delivery thread id.
	Send(ctx context.Context, identity *Identity, connectionID string, payload string) (string, error)
	Subscribe(handler func(DeliveryEvent))
}
