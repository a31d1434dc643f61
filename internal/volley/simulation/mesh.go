package simulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/volleyproject/volley/internal/volley/agent"
)

// ErrConnectionSetupFailed indicates that one pair exhausted its connection
// attempts while the mesh was being built.
type ErrConnectionSetupFailed struct {
	From     string
	To       string
	Attempts uint
	Cause    error
}

func (err *ErrConnectionSetupFailed) Error() string {
	return fmt.Sprintf("failed to connect %s to %s after %d attempts: %v", err.From, err.To, err.Attempts, err.Cause)
}

func (err *ErrConnectionSetupFailed) Unwrap() error {
	return err.Cause
}

// MeshBuilder establishes a connection between every unordered pair of
// tenants. Pairs are attempted concurrently and independently: one pair
// exhausting its retries does not cancel the others, but the build as a
// whole fails once all pairs have settled.
type MeshBuilder struct {
	pool     *agent.Pool
	provider agent.Provider

	// Retry policy, explicit so tests can tighten it.
	MaxAttempts uint
	RetryDelay  time.Duration
}

func NewMeshBuilder(pool *agent.Pool, provider agent.Provider, maxAttempts uint, retryDelay time.Duration) *MeshBuilder {
	return &MeshBuilder{
		pool:        pool,
		provider:    provider,
		MaxAttempts: maxAttempts,
		RetryDelay:  retryDelay,
	}
}

// Build connects all pairs (i, j), i < j, of the given tenants. Pairs that
// already share an established connection are skipped.
func (b *MeshBuilder) Build(ctx context.Context, tenantIDs []string, stop *StopSignal) error {
	wg := &sync.WaitGroup{}
	var mu sync.Mutex
	var failures []error

	for i := 0; i < len(tenantIDs); i++ {
		for j := i + 1; j < len(tenantIDs); j++ {
			from, to := tenantIDs[i], tenantIDs[j]
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := b.connectPair(ctx, from, to, stop); err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	if len(failures) > 0 {
		for _, err := range failures[1:] {
			log.WithError(err).Error("additional mesh failure")
		}
		return failures[0]
	}
	return nil
}

func (b *MeshBuilder) connectPair(ctx context.Context, from, to string, stop *StopSignal) error {
	fromIdentity, err := b.pool.Get(from)
	if err != nil {
		return err
	}
	toIdentity, err := b.pool.Get(to)
	if err != nil {
		return err
	}

	connected, err := b.alreadyConnected(ctx, fromIdentity, to)
	if err != nil {
		return err
	}
	if connected {
		log.WithField("pair", from+"/"+to).Debug("pair already connected, skipping")
		return nil
	}

	err = retry.Do(
		func() error {
			if stop != nil && stop.Stopped() {
				return retry.Unrecoverable(errors.New("stop requested"))
			}
			return b.provider.Connect(ctx, fromIdentity, toIdentity)
		},
		retry.Attempts(b.MaxAttempts),
		retry.Delay(b.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.WithError(err).Warnf("connection attempt %d for %s/%s failed, retrying", attempt+1, from, to)
		}),
	)
	if err != nil {
		if stop != nil && stop.Stopped() {
			return nil
		}
		return &ErrConnectionSetupFailed{From: from, To: to, Attempts: b.MaxAttempts, Cause: err}
	}
	return nil
}

func (b *MeshBuilder) alreadyConnected(ctx context.Context, from *agent.Identity, peer string) (bool, error) {
	connections, err := b.provider.ListConnections(ctx, from)
	if err != nil {
		return false, err
	}
	for _, connection := range connections {
		if connection.PeerLabel == peer && connection.State == agent.ConnectionStateActive {
			return true, nil
		}
	}
	return false, nil
}
