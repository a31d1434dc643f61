package simulation

import (
	log "github.com/sirupsen/logrus"

	"github.com/volleyproject/volley/internal/volley/agent"
	"github.com/volleyproject/volley/internal/volley/metrics"
	"github.com/volleyproject/volley/internal/volley/repository"
)

// DeliveryRecorder handles the provider's asynchronous delivery
// confirmations. It only sees a bare thread id: the owning test is looked up
// through the message repository's thread index, the record is patched with
// processing fields and the test counters are incremented.
//
// This handler is the one writer of test statistics; the orchestrator never
// touches them, so the two sides write disjoint keys.
type DeliveryRecorder struct {
	messages repository.MessageRepository
	tests    repository.TestRepository
	metrics  *metrics.Metrics
}

func NewDeliveryRecorder(messages repository.MessageRepository, tests repository.TestRepository, simulationMetrics *metrics.Metrics) *DeliveryRecorder {
	return &DeliveryRecorder{
		messages: messages,
		tests:    tests,
		metrics:  simulationMetrics,
	}
}

func (r *DeliveryRecorder) Record(event agent.DeliveryEvent) {
	testID, processingTimeMs, ok, err := r.messages.MarkProcessed(event.ThreadID, event.Timestamp)
	if err != nil {
		log.WithError(err).Errorf("failed to record delivery for thread %s", event.ThreadID)
		return
	}
	if !ok {
		// Unknown thread or duplicate confirmation; nothing to count.
		log.Debugf("ignoring delivery confirmation for thread %s", event.ThreadID)
		return
	}
	if err := r.tests.IncrementStats(testID, 1, processingTimeMs); err != nil {
		log.WithError(err).Errorf("failed to increment stats for test %s", testID)
		return
	}
	r.metrics.MessagesDelivered.Inc()
	r.metrics.ProcessingTime.Observe(float64(processingTimeMs) / 1000)
}
