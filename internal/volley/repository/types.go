package repository

import (
	"time"
)

type TestStatus string

const (
	TestRunning   TestStatus = "running"
	TestStopping  TestStatus = "stopping"
	TestCompleted TestStatus = "completed"
	TestStopped   TestStatus = "stopped"
	TestFailed    TestStatus = "failed"
)

// Terminal reports whether a test can no longer change status.
func (s TestStatus) Terminal() bool {
	return s == TestCompleted || s == TestStopped || s == TestFailed
}

// TestConfig is the configuration snapshot stored with a test record.
type TestConfig struct {
	Agents           int    `json:"agents"`
	AgentPrefix      string `json:"agentPrefix"`
	MessagesPerBatch int    `json:"messagesPerBatch"`
	DurationMs       int64  `json:"durationMs"`
	RateMs           int64  `json:"rateMs"`
}

// TestRecord identifies one simulation run. Created when the run starts and
// mutated only through TestRepository.UpdateTest; immutable once Status is
// terminal.
type TestRecord struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Config           TestConfig `json:"config"`
	StartTime        time.Time  `json:"startTime"`
	EstimatedEndTime time.Time  `json:"estimatedEndTime"`
	Status           TestStatus `json:"status"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// TestStats are the per-test delivery counters. They live under a separate
// key from the test record so the delivery handler and the orchestrator
// never write to the same value.
type TestStats struct {
	TotalMessages         int64 `json:"totalMessages"`
	TotalProcessingTimeMs int64 `json:"totalProcessingTimeMs"`
}

// MessageRecord is one message send that obtained a delivery thread id.
// Processing fields are absent until delivery is confirmed and are patched
// at most once.
type MessageRecord struct {
	Sender           string     `json:"sender"`
	Receiver         string     `json:"receiver"`
	Payload          string     `json:"payload"`
	SentTime         time.Time  `json:"sentTime"`
	ProcessedTime    *time.Time `json:"processedTime,omitempty"`
	ProcessingTimeMs *int64     `json:"processingTimeMs,omitempty"`
}
