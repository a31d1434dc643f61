package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volleyproject/volley/internal/volley/agent"
	"github.com/volleyproject/volley/internal/volley/agent/agenttest"
	"github.com/volleyproject/volley/internal/volley/configuration"
	"github.com/volleyproject/volley/internal/volley/metrics"
	"github.com/volleyproject/volley/internal/volley/reporting"
	"github.com/volleyproject/volley/internal/volley/repository"
	"github.com/volleyproject/volley/internal/volley/simulation"
)

func TestSimulate_RejectsInvalidConfig(t *testing.T) {
	withServer(t, func(e *echo.Echo, f *fixture) {
		for _, body := range []string{
			`{"agents": 1, "messagesPerBatch": 10, "durationMs": 1000, "rateMs": 100}`,
			`{"agents": 3, "messagesPerBatch": 0, "durationMs": 1000, "rateMs": 100}`,
			`{"agents": 3, "messagesPerBatch": 10, "durationMs": 0, "rateMs": 100}`,
			`{"agents": 3, "messagesPerBatch": 10, "durationMs": 1000, "rateMs": -1}`,
		} {
			response := request(e, http.MethodPost, "/api/v1/simulate", body)
			assert.Equal(t, http.StatusBadRequest, response.Code, body)
		}
	})
}

func TestSimulate_StartsRun(t *testing.T) {
	withServer(t, func(e *echo.Echo, f *fixture) {
		response := request(e, http.MethodPost, "/api/v1/simulate",
			`{"agents": 2, "messagesPerBatch": 1, "durationMs": 50, "rateMs": 10}`)
		require.Equal(t, http.StatusAccepted, response.Code)

		parsed := &SimulateResponse{}
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), parsed))
		assert.NotEmpty(t, parsed.TestID)
		assert.Equal(t, "running", parsed.Status)

		require.Eventually(t, func() bool {
			record, err := f.tests.GetTest(parsed.TestID)
			return err == nil && record.Status.Terminal()
		}, 10*time.Second, 10*time.Millisecond)
	})
}

func TestStop_UnknownRunIsAcknowledged(t *testing.T) {
	withServer(t, func(e *echo.Echo, f *fixture) {
		response := request(e, http.MethodPost, "/api/v1/simulate/unknown/stop", "")
		require.Equal(t, http.StatusOK, response.Code)

		parsed := &StopResponse{}
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), parsed))
		assert.False(t, parsed.Active)
	})
}

func TestTotals_EmptyWithoutStatistics(t *testing.T) {
	withServer(t, func(e *echo.Echo, f *fixture) {
		response := request(e, http.MethodGet, "/api/v1/tests/01test/totals", "")
		require.Equal(t, http.StatusOK, response.Code)

		totals := &reporting.Totals{}
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), totals))
		assert.Zero(t, totals.TotalMessages)
	})
}

func TestReport_UnknownTestIs404(t *testing.T) {
	withServer(t, func(e *echo.Echo, f *fixture) {
		response := request(e, http.MethodPost, "/api/v1/tests/unknown/report", "")
		assert.Equal(t, http.StatusNotFound, response.Code)
	})
}

func TestWebhook_FeedsDeliveryRecorder(t *testing.T) {
	withServer(t, func(e *echo.Echo, f *fixture) {
		sent := time.Now().UTC().Add(-10 * time.Millisecond)
		require.NoError(t, f.messages.AddMessage("01test", "thread-1", &repository.MessageRecord{
			Sender: "Agent-1", Receiver: "Agent-2", Payload: "Hello", SentTime: sent,
		}))

		response := request(e, http.MethodPost, "/webhooks/topic/basicmessages",
			`{"thread_id": "thread-1", "state": "received"}`)
		require.Equal(t, http.StatusOK, response.Code)

		records, err := f.messages.GetMessages("01test")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.NotNil(t, records[0].ProcessingTimeMs)
	})
}

type fixture struct {
	tests    repository.TestRepository
	messages repository.MessageRepository
}

// sink adapts the delivery recorder to the webhook surface the way the
// acapy client does, without a live admin API.
type sink struct {
	recorder *simulation.DeliveryRecorder
}

func (s *sink) HandleWebhook(topic string, body []byte) {
	if topic != "basicmessages" {
		return
	}
	message := struct {
		ThreadID string `json:"thread_id"`
		State    string `json:"state"`
	}{}
	if err := json.Unmarshal(body, &message); err != nil || message.State != "received" {
		return
	}
	s.recorder.Record(agent.DeliveryEvent{ThreadID: message.ThreadID, Timestamp: time.Now()})
}

func withServer(t *testing.T, action func(e *echo.Echo, f *fixture)) {
	t.Helper()
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer redisClient.Close()

	tests := repository.NewRedisTestRepository(redisClient)
	messages := repository.NewRedisMessageRepository(redisClient)
	provider := agenttest.NewProvider()
	pool := agent.NewPool(provider)
	simulationMetrics := metrics.New(prometheus.NewRegistry())

	config := configuration.SimulationConfig{
		MaxConcurrentMessages:      5,
		MaxConcurrentAgentCreation: 2,
		MeshMaxAttempts:            3,
		MeshRetryDelay:             time.Millisecond,
	}
	mesh := simulation.NewMeshBuilder(pool, provider, config.MeshMaxAttempts, config.MeshRetryDelay)
	orchestrator := simulation.NewOrchestrator(pool, provider, tests, messages, mesh, simulationMetrics, config)
	recorder := simulation.NewDeliveryRecorder(messages, tests, simulationMetrics)
	provider.Subscribe(recorder.Record)
	aggregator := reporting.NewAggregator(tests, messages, t.TempDir())

	e := echo.New()
	NewServer(orchestrator, aggregator, &sink{recorder: recorder}).Register(e)

	action(e, &fixture{tests: tests, messages: messages})
}

func request(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	recorder := httptest.NewRecorder()
	e.ServeHTTP(recorder, req)
	return recorder
}
