package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-hive/hivecore/pkg/config"
	"github.com/agent-hive/hivecore/pkg/core"
	"github.com/agent-hive/hivecore/pkg/models"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Snapshot.Enabled = false

	c, err := core.New(cfg, core.Options{})
	require.NoError(t, err)

	return NewServer(cfg, c, nil)
}

// do runs a request through the full router so path params, binding, and
// error mapping behave as in production.
func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRegisterAgentEndpoint(t *testing.T) {
	s := newTestServer(t)

	t.Run("creates agent and reports placement", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/agents",
			`{"id":"worker-1","type":"researcher","capabilities":["search"]}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		body := decodeBody(t, rec)
		assert.Equal(t, "worker-1", body["agent_id"])
		assert.NotEmpty(t, body["node_id"])
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/agents",
			`{"id":"worker-1","type":"researcher"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("missing id rejected", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/agents", `{"type":"researcher"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "agent id")
	})

	t.Run("missing type rejected", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/agents", `{"id":"worker-2"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list includes registered agent", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/v1/agents", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var agents []models.Agent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
		require.Len(t, agents, 1)
		assert.Equal(t, "worker-1", agents[0].ID)
	})
}

func TestUnregisterAgentEndpoint(t *testing.T) {
	s := newTestServer(t)

	_, err := s.core.RegisterAgent(&models.Agent{ID: "worker-1", Type: "researcher"})
	require.NoError(t, err)

	rec := do(s, http.MethodDelete, "/api/v1/agents/worker-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, s.core.Registry.Count())

	rec = do(s, http.MethodDelete, "/api/v1/agents/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	s := newTestServer(t)

	_, err := s.core.RegisterAgent(&models.Agent{ID: "worker-1", Type: "researcher"})
	require.NoError(t, err)

	rec := do(s, http.MethodPost, "/api/v1/agents/worker-1/heartbeat", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodPost, "/api/v1/agents/ghost/heartbeat", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDispatchTaskEndpoint(t *testing.T) {
	s := newTestServer(t)

	t.Run("no agents queues the task", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/tasks", `{"id":"t1","type":"analysis"}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		body := decodeBody(t, rec)
		assert.Equal(t, "queued", body["status"])
		assert.Equal(t, 1, s.core.Dispatcher.GlobalQueueSize())
	})

	t.Run("healthy agent gets the task", func(t *testing.T) {
		_, err := s.core.RegisterAgent(&models.Agent{ID: "worker-1", Type: "researcher"})
		require.NoError(t, err)

		rec := do(s, http.MethodPost, "/api/v1/tasks",
			`{"id":"t2","type":"analysis","priority":"high"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		body := decodeBody(t, rec)
		assert.Equal(t, "assigned", body["status"])
		assert.Equal(t, "worker-1", body["agent_id"])
	})

	t.Run("generates task id when absent", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/tasks", `{"type":"analysis"}`)
		body := decodeBody(t, rec)
		assert.NotEmpty(t, body["task_id"])
	})

	t.Run("missing type rejected", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/tasks", `{"id":"t3"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid priority rejected", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/tasks",
			`{"id":"t4","type":"analysis","priority":"urgent"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "priority")
	})
}

func TestCompleteTaskEndpoint(t *testing.T) {
	s := newTestServer(t)

	_, err := s.core.RegisterAgent(&models.Agent{ID: "worker-1", Type: "researcher"})
	require.NoError(t, err)

	rec := do(s, http.MethodPost, "/api/v1/tasks", `{"id":"t1","type":"analysis"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("records completion", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/agents/worker-1/completions",
			`{"task_id":"t1","execution_time_ms":1200}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		agent, ok := s.core.Registry.Get("worker-1")
		require.True(t, ok)
		assert.Equal(t, 0, agent.InFlight)
	})

	t.Run("missing task_id rejected", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/agents/worker-1/completions",
			`{"execution_time_ms":100}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("negative execution time rejected", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/agents/worker-1/completions",
			`{"task_id":"t1","execution_time_ms":-5}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestProposeEndpoint(t *testing.T) {
	s := newTestServer(t)

	t.Run("no voters conflicts", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/proposals",
			`{"kind":"leader-election","proposer_id":"operator"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("healthy voters approve", func(t *testing.T) {
		for _, id := range []string{"a1", "a2", "a3"} {
			_, err := s.core.RegisterAgent(&models.Agent{ID: id, Type: "researcher"})
			require.NoError(t, err)
		}

		rec := do(s, http.MethodPost, "/api/v1/proposals",
			`{"kind":"leader-election","proposer_id":"operator"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		body := decodeBody(t, rec)
		assert.Equal(t, string(models.DecisionApproved), body["decision"])
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/proposals",
			`{"kind":"gossip","proposer_id":"operator"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "proposal kind")
	})

	t.Run("missing proposer rejected", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/proposals", `{"kind":"leader-election"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestInterventionEndpoints(t *testing.T) {
	s := newTestServer(t)

	var interventionID string

	t.Run("send stores pending intervention", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/interventions",
			`{"swarm_id":"swarm-a","action":"pause","message":"hold on"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		body := decodeBody(t, rec)
		assert.Equal(t, string(models.InterventionPending), body["status"])
		interventionID, _ = body["id"].(string)
		require.NotEmpty(t, interventionID)
	})

	t.Run("unknown action rejected", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/interventions",
			`{"swarm_id":"swarm-a","action":"self-destruct"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list requires swarm_id", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/v1/interventions", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list returns pending for swarm", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/v1/interventions?swarm_id=swarm-a", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var list []models.Intervention
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		require.Len(t, list, 1)
		assert.Equal(t, interventionID, list[0].ID)
	})

	t.Run("get returns the stored intervention", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/v1/interventions/"+interventionID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, interventionID, body["id"])
	})

	t.Run("ack then apply", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/interventions/"+interventionID+"/ack",
			`{"agent_id":"worker-1"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = do(s, http.MethodPost, "/api/v1/interventions/"+interventionID+"/apply",
			`{"agent_id":"worker-1","detail":"paused the swarm"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		stored, ok := s.core.Interventions.Get(interventionID)
		require.True(t, ok)
		assert.Equal(t, models.InterventionApplied, stored.Status)
	})

	t.Run("ack requires agent_id", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/api/v1/interventions/"+interventionID+"/ack", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown intervention is 404", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/v1/interventions/ghost", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = do(s, http.MethodPost, "/api/v1/interventions/ghost/ack", `{"agent_id":"worker-1"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSystemEndpoints(t *testing.T) {
	s := newTestServer(t)

	_, err := s.core.RegisterAgent(&models.Agent{ID: "worker-1", Type: "researcher"})
	require.NoError(t, err)

	t.Run("health", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, float64(1), body["agents"])
	})

	t.Run("metrics", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/v1/metrics", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, float64(1), body["total_agents_managed"])
		assert.Equal(t, float64(1), body["healthy_agents"])
	})

	t.Run("nodes", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/v1/nodes", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "worker-1")
	})

	t.Run("queued tasks", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/api/v1/tasks/queued", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, float64(0), body["size"])
	})

	t.Run("security headers applied", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/health", "")
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})
}
