package simulation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/volleyproject/volley/internal/common/util"
	"github.com/volleyproject/volley/internal/volley/agent"
	"github.com/volleyproject/volley/internal/volley/configuration"
	"github.com/volleyproject/volley/internal/volley/metrics"
	"github.com/volleyproject/volley/internal/volley/repository"
)

// TestRequest is a validated simulation configuration. Validation happens at
// the API layer; the orchestrator trusts what it is given.
type TestRequest struct {
	Name             string
	Description      string
	Agents           int
	AgentPrefix      string
	MessagesPerBatch int
	Duration         time.Duration
	Rate             time.Duration
}

type StartResult struct {
	TestID string
	Status repository.TestStatus
}

type StopResult struct {
	// Active is false when no run with the given id was in progress.
	Active bool
}

type ActivationResult struct {
	TenantIDs    []string
	CleanupDelay time.Duration
}

// Orchestrator coordinates one simulation run end to end: agent creation,
// mesh building, message driving, status persistence and cleanup. The run
// body executes as an unsupervised background goroutine; callers poll via
// the test record for the outcome.
type Orchestrator struct {
	pool     *agent.Pool
	provider agent.Provider
	tests    repository.TestRepository
	messages repository.MessageRepository
	mesh     *MeshBuilder
	metrics  *metrics.Metrics
	config   configuration.SimulationConfig
	rand     *rand.Rand

	mu    sync.Mutex
	stops map[string]*StopSignal
}

func NewOrchestrator(
	pool *agent.Pool,
	provider agent.Provider,
	tests repository.TestRepository,
	messages repository.MessageRepository,
	mesh *MeshBuilder,
	simulationMetrics *metrics.Metrics,
	config configuration.SimulationConfig,
) *Orchestrator {
	return &Orchestrator{
		pool:     pool,
		provider: provider,
		tests:    tests,
		messages: messages,
		mesh:     mesh,
		metrics:  simulationMetrics,
		config:   config,
		rand:     util.NewThreadsafeRand(time.Now().UnixNano()),
		stops:    map[string]*StopSignal{},
	}
}

// SimulateTest persists the initial test record, registers a stop signal and
// launches the run in the background. It returns as soon as the record is
// stored, regardless of the configured duration.
func (o *Orchestrator) SimulateTest(request TestRequest) (*StartResult, error) {
	testID := util.NewULID()
	now := time.Now().UTC()
	record := &repository.TestRecord{
		ID:          testID,
		Name:        request.Name,
		Description: request.Description,
		Config: repository.TestConfig{
			Agents:           request.Agents,
			AgentPrefix:      request.AgentPrefix,
			MessagesPerBatch: request.MessagesPerBatch,
			DurationMs:       request.Duration.Milliseconds(),
			RateMs:           request.Rate.Milliseconds(),
		},
		StartTime:        now,
		EstimatedEndTime: now.Add(request.Duration),
		Status:           repository.TestRunning,
	}
	if err := o.tests.CreateTest(record); err != nil {
		return nil, errors.WithMessage(err, "failed to persist test record")
	}

	stop := NewStopSignal()
	o.mu.Lock()
	o.stops[testID] = stop
	o.mu.Unlock()

	o.metrics.ActiveRuns.Inc()
	go o.runTest(testID, request, stop)

	log.WithField("testId", testID).Infof("simulation %q started", request.Name)
	return &StartResult{TestID: testID, Status: repository.TestRunning}, nil
}

// StopSimulation flips the run's stop signal and persists the stopping
// status. Stopping is cooperative: the call acknowledges the request, it
// does not wait for the run to halt. Unknown or already finished runs are
// reported as inactive, not as errors.
func (o *Orchestrator) StopSimulation(testID string) (*StopResult, error) {
	o.mu.Lock()
	stop, active := o.stops[testID]
	o.mu.Unlock()
	if !active {
		log.Infof("no active simulation %s to stop", testID)
		return &StopResult{Active: false}, nil
	}

	stop.Stop()
	if _, err := o.tests.UpdateTest(testID, func(record *repository.TestRecord) {
		record.Status = repository.TestStopping
	}); err != nil {
		return nil, errors.WithMessagef(err, "failed to persist stopping status for %s", testID)
	}
	log.WithField("testId", testID).Info("stop requested")
	return &StopResult{Active: true}, nil
}

// ActivateTenants re-creates the agents of a previously persisted test
// outside a full run body, so externally driven traffic can reach them, and
// schedules their one-shot deferred deletion.
func (o *Orchestrator) ActivateTenants(testID string, cleanupDelay *time.Duration) (*ActivationResult, error) {
	record, err := o.tests.GetTest(testID)
	if err != nil {
		return nil, err
	}

	delay := o.config.CleanupDelay
	if cleanupDelay != nil {
		delay = *cleanupDelay
	}

	created, err := o.createAgents(record.Config.AgentPrefix, record.Config.Agents)
	if err != nil {
		o.deleteAgents(created)
		return nil, errors.WithMessagef(err, "failed to activate tenants for %s", testID)
	}

	if delay <= 0 {
		o.deleteAgents(created)
	} else {
		// Fire and forget, failures are only logged.
		time.AfterFunc(delay, func() {
			log.WithField("testId", testID).Info("deactivating tenants")
			o.deleteAgents(created)
		})
	}
	return &ActivationResult{TenantIDs: created, CleanupDelay: delay}, nil
}

// runTest is the background run body. Fatal setup failures settle the run
// as failed; the cleanup phase runs regardless of how the body exits.
func (o *Orchestrator) runTest(testID string, request TestRequest, stop *StopSignal) {
	runLog := log.WithField("testId", testID)

	defer func() {
		o.mu.Lock()
		delete(o.stops, testID)
		o.mu.Unlock()
		o.metrics.ActiveRuns.Dec()
	}()

	var created []string
	defer func() {
		o.cleanup(runLog, created)
	}()
	defer func() {
		if r := recover(); r != nil {
			runLog.Errorf("run body panicked: %v", r)
			o.settleFailed(testID, fmt.Errorf("%v", r))
		}
	}()

	created, err := o.createAgents(request.AgentPrefix, request.Agents)
	if err != nil {
		o.settleFailed(testID, err)
		return
	}
	runLog.Infof("created %d agents", len(created))

	// Give the provider time to finish registering agents with the mediator.
	time.Sleep(time.Duration(len(created)) * o.config.AgentReadinessPause)
	if stop.Stopped() {
		o.settle(testID, repository.TestStopped)
		return
	}

	if err := o.mesh.Build(context.Background(), created, stop); err != nil {
		o.settleFailed(testID, err)
		return
	}
	runLog.Info("connection mesh established")

	time.Sleep(o.config.AgentReadinessPause)
	if stop.Stopped() {
		o.settle(testID, repository.TestStopped)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), request.Duration)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, tenantID := range created {
		driver := NewDriver(
			o.pool, o.provider, o.messages, o.metrics, o.rand,
			testID, tenantID,
			request.MessagesPerBatch, request.Rate, o.config.MaxConcurrentMessages,
			stop,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			driver.Run(ctx)
		}()
	}
	// All drivers fully drained before the final status is written.
	wg.Wait()

	if stop.Stopped() {
		o.settle(testID, repository.TestStopped)
	} else {
		o.settle(testID, repository.TestCompleted)
	}
}

func (o *Orchestrator) createAgents(prefix string, count int) ([]string, error) {
	limit := o.config.MaxConcurrentAgentCreation
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	wg := &sync.WaitGroup{}
	var mu sync.Mutex
	// Indexed by slot so the returned order is the numbering order, not the
	// completion order; mesh pairs depend on it.
	slots := make([]string, count)
	var result *multierror.Error

	for i := 0; i < count; i++ {
		slot := i
		tenantID := fmt.Sprintf("%s-%d", prefix, i+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			_, err := o.pool.Create(context.Background(), tenantID)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
				return
			}
			slots[slot] = tenantID
		}()
	}
	wg.Wait()

	created := make([]string, 0, count)
	for _, tenantID := range slots {
		if tenantID != "" {
			created = append(created, tenantID)
		}
	}
	return created, result.ErrorOrNil()
}

func (o *Orchestrator) cleanup(runLog *log.Entry, created []string) {
	if len(created) == 0 {
		return
	}
	if o.config.CleanupDelay > 0 {
		// Let in-flight delivery confirmations land before tearing down.
		runLog.Infof("waiting %s before cleanup", o.config.CleanupDelay)
		time.Sleep(o.config.CleanupDelay)
	}
	runLog.Infof("cleaning up %d agents", len(created))
	o.deleteAgents(created)
}

// deleteAgents tears down the given tenants, logging failures without
// propagating them. Cleanup never escalates a run's status.
func (o *Orchestrator) deleteAgents(tenantIDs []string) {
	for _, tenantID := range tenantIDs {
		if err := o.pool.Delete(context.Background(), tenantID); err != nil {
			log.WithError(err).Errorf("failed to delete tenant %s", tenantID)
		}
	}
}

func (o *Orchestrator) settle(testID string, status repository.TestStatus) {
	now := time.Now().UTC()
	_, err := o.tests.UpdateTest(testID, func(record *repository.TestRecord) {
		record.Status = status
		record.EndTime = &now
	})
	if err != nil {
		log.WithError(err).Errorf("failed to persist final status %s for test %s", status, testID)
		return
	}
	log.WithField("testId", testID).Infof("simulation settled as %s", status)
}

func (o *Orchestrator) settleFailed(testID string, cause error) {
	now := time.Now().UTC()
	_, err := o.tests.UpdateTest(testID, func(record *repository.TestRecord) {
		record.Status = repository.TestFailed
		record.EndTime = &now
		record.Error = cause.Error()
	})
	if err != nil {
		log.WithError(err).Errorf("failed to persist failure for test %s", testID)
	}
	log.WithError(cause).Errorf("simulation %s failed", testID)
}
