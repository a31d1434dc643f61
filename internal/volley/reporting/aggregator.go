package reporting

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/volleyproject/volley/internal/volley/repository"
)

// AgentMessage is one message projected into the per-agent metrics view.
type AgentMessage struct {
	Receiver         string `json:"receiver"`
	Payload          string `json:"payload"`
	ProcessingTimeMs *int64 `json:"processingTimeMs"`
}

// Totals are derived from the precomputed per-test counters, not from a
// message scan. Zero-valued when no deliveries have been recorded yet.
type Totals struct {
	TotalMessages           int64 `json:"totalMessages"`
	AverageProcessingTimeMs int64 `json:"averageProcessingTimeMs"`
}

// Aggregator answers metric queries from the ledger and writes report files.
type Aggregator struct {
	tests      repository.TestRepository
	messages   repository.MessageRepository
	reportsDir string
}

func NewAggregator(tests repository.TestRepository, messages repository.MessageRepository, reportsDir string) *Aggregator {
	return &Aggregator{
		tests:      tests,
		messages:   messages,
		reportsDir: reportsDir,
	}
}

// MessagesByTest returns every message record stored for the test, in store
// scan order. A test with no messages yields an empty slice, not an error.
func (a *Aggregator) MessagesByTest(testID string) ([]*repository.MessageRecord, error) {
	return a.messages.GetMessages(testID)
}

// MetricsByAgent groups the test's messages by sending tenant.
func (a *Aggregator) MetricsByAgent(testID string) (map[string][]AgentMessage, error) {
	messages, err := a.messages.GetMessages(testID)
	if err != nil {
		return nil, err
	}
	grouped := map[string][]AgentMessage{}
	for _, message := range messages {
		grouped[message.Sender] = append(grouped[message.Sender], AgentMessage{
			Receiver:         message.Receiver,
			Payload:          message.Payload,
			ProcessingTimeMs: message.ProcessingTimeMs,
		})
	}
	return grouped, nil
}

// Totals reads the per-test counters and derives the average processing
// time. A test with no recorded statistics yields zero totals.
func (a *Aggregator) Totals(testID string) (*Totals, error) {
	stats, err := a.tests.GetStats(testID)
	if err != nil {
		return nil, err
	}
	if stats == nil || stats.TotalMessages == 0 {
		return &Totals{}, nil
	}
	average := int64(math.Round(float64(stats.TotalProcessingTimeMs) / float64(stats.TotalMessages)))
	return &Totals{
		TotalMessages:           stats.TotalMessages,
		AverageProcessingTimeMs: average,
	}, nil
}

func (a *Aggregator) Tests() ([]*repository.TestRecord, error) {
	return a.tests.ListTests()
}

type report struct {
	Test    *repository.TestRecord    `json:"test"`
	Metrics map[string][]AgentMessage `json:"metrics"`
	Totals  *Totals                   `json:"totals"`
}

type consolidatedReport struct {
	Test     *repository.TestRecord      `json:"test"`
	Totals   *Totals                     `json:"totals"`
	Messages []*repository.MessageRecord `json:"messages"`
}

// GenerateReport writes the per-agent metrics report for the test and
// returns the file path.
func (a *Aggregator) GenerateReport(testID string) (string, error) {
	record, err := a.tests.GetTest(testID)
	if err != nil {
		return "", err
	}
	metricsByAgent, err := a.MetricsByAgent(testID)
	if err != nil {
		return "", err
	}
	totals, err := a.Totals(testID)
	if err != nil {
		return "", err
	}
	return a.writeReport(testID+"-report.json", &report{
		Test:    record,
		Metrics: metricsByAgent,
		Totals:  totals,
	})
}

// GenerateConsolidatedReport writes the totals plus every raw message
// record and returns the file path.
func (a *Aggregator) GenerateConsolidatedReport(testID string) (string, error) {
	record, err := a.tests.GetTest(testID)
	if err != nil {
		return "", err
	}
	totals, err := a.Totals(testID)
	if err != nil {
		return "", err
	}
	messages, err := a.messages.GetMessages(testID)
	if err != nil {
		return "", err
	}
	return a.writeReport(testID+"-consolidated-report.json", &consolidatedReport{
		Test:     record,
		Totals:   totals,
		Messages: messages,
	})
}

// ClearDatabase unconditionally wipes the whole ledger. Harness reset
// between simulation campaigns, not for production use.
func (a *Aggregator) ClearDatabase() error {
	log.Warn("wiping the whole ledger")
	return a.tests.Clear()
}

func (a *Aggregator) writeReport(filename string, content interface{}) (string, error) {
	if err := os.MkdirAll(a.reportsDir, 0o755); err != nil {
		return "", errors.WithMessagef(err, "failed to create reports directory %s", a.reportsDir)
	}
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(a.reportsDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.WithMessagef(err, "failed to write report %s", path)
	}
	log.Infof("report written to %s", path)
	return path, nil
}
