package simulation

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/volleyproject/volley/internal/common/util"
	"github.com/volleyproject/volley/internal/volley/agent"
	"github.com/volleyproject/volley/internal/volley/metrics"
	"github.com/volleyproject/volley/internal/volley/repository"
)

// Driver fires rate-limited message traffic from one tenant to random
// connected peers until the run deadline passes or the stop signal is set.
//
// Two throttles apply: at most maxInFlight sends are outstanding at any
// time, and a new batch of up to batchSize sends is enqueued every rate
// interval rather than all at once. Individual send failures are logged and
// never terminate the driver.
type Driver struct {
	pool     *agent.Pool
	provider agent.Provider
	messages repository.MessageRepository
	metrics  *metrics.Metrics
	rand     *rand.Rand

	testID      string
	tenantID    string
	batchSize   int
	rate        time.Duration
	maxInFlight int
	stop        *StopSignal
}

func NewDriver(
	pool *agent.Pool,
	provider agent.Provider,
	messages repository.MessageRepository,
	simulationMetrics *metrics.Metrics,
	random *rand.Rand,
	testID string,
	tenantID string,
	batchSize int,
	rate time.Duration,
	maxInFlight int,
	stop *StopSignal,
) *Driver {
	return &Driver{
		pool:        pool,
		provider:    provider,
		messages:    messages,
		metrics:     simulationMetrics,
		rand:        random,
		testID:      testID,
		tenantID:    tenantID,
		batchSize:   batchSize,
		rate:        rate,
		maxInFlight: maxInFlight,
		stop:        stop,
	}
}

// Run drives batches until ctx's deadline or the stop signal, then waits for
// all in-flight sends to finish before returning.
func (d *Driver) Run(ctx context.Context) {
	driverLog := log.WithField("tenantId", d.tenantID).WithField("testId", d.testID)

	ticker := time.NewTicker(d.rate)
	defer ticker.Stop()

	sem := make(chan struct{}, d.maxInFlight)
	wg := &sync.WaitGroup{}

	for {
		if d.stop.Stopped() || ctx.Err() != nil {
			break
		}
		// A batch the deadline would immediately cut off is not worth starting.
		if util.CloseToDeadline(ctx, d.rate) {
			break
		}
		d.sendBatch(ctx, sem, wg, driverLog)
		select {
		case <-ctx.Done():
		case <-ticker.C:
			continue
		}
		break
	}

	// Drain: a send already dispatched runs to completion even after stop.
	wg.Wait()
	driverLog.Info("driver finished")
}

func (d *Driver) sendBatch(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, driverLog *log.Entry) {
	for i := 0; i < d.batchSize; i++ {
		if d.stop.Stopped() || ctx.Err() != nil {
			return
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.sendOne(ctx, driverLog)
		}()
	}
}

func (d *Driver) sendOne(ctx context.Context, driverLog *log.Entry) {
	identity, err := d.pool.Get(d.tenantID)
	if err != nil {
		// Tenant torn down mid-run, expected near cleanup.
		driverLog.WithError(err).Debug("sender no longer registered")
		return
	}

	peer, ok, err := d.pickPeer(ctx, identity)
	if err != nil {
		driverLog.WithError(err).Warn("failed to query connections")
		return
	}
	if !ok {
		// No eligible peer yet, expected while the mesh is still forming.
		driverLog.Debug("no connected peer available, skipping send")
		return
	}

	payload := uuid.NewString()
	threadID, err := d.provider.Send(ctx, identity, peer.ID, payload)
	if err != nil {
		d.metrics.SendErrors.Inc()
		driverLog.WithError(err).Warnf("failed to send to %s", peer.PeerLabel)
		return
	}
	d.metrics.MessagesSent.Inc()

	record := &repository.MessageRecord{
		Sender:   d.tenantID,
		Receiver: peer.PeerLabel,
		Payload:  payload,
		SentTime: time.Now().UTC(),
	}
	if err := d.messages.AddMessage(d.testID, threadID, record); err != nil {
		driverLog.WithError(err).Errorf("failed to persist message record for thread %s", threadID)
	}
}

// pickPeer selects a uniformly random active connection. Connection state is
// queried live on every send: peers may still be connecting or may have been
// deleted since the last batch.
func (d *Driver) pickPeer(ctx context.Context, identity *agent.Identity) (agent.Connection, bool, error) {
	connections, err := d.provider.ListConnections(ctx, identity)
	if err != nil {
		return agent.Connection{}, false, err
	}
	eligible := make([]agent.Connection, 0, len(connections))
	for _, connection := range connections {
		if connection.State == agent.ConnectionStateActive {
			eligible = append(eligible, connection)
		}
	}
	if len(eligible) == 0 {
		return agent.Connection{}, false, nil
	}
	return eligible[d.rand.Intn(len(eligible))], true, nil
}
