package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/faroslabs/faros/internal/agent"
	"github.com/faroslabs/faros/internal/api/mocks"
	"github.com/faroslabs/faros/internal/command"
	"github.com/golang/mock/gomock"
)

const testOperatorToken = "test-operator-token"
const testAgentKey = "fk_test-agent-key"

func newMockServer(t *testing.T) (*Server, *mocks.MockCommandService, *mocks.MockAgentDirectory) {
	t.Helper()

	ctrl := gomock.NewController(t)
	cmds := mocks.NewMockCommandService(ctrl)
	agents := mocks.NewMockAgentDirectory(ctrl)

	s := New(Config{
		Listen:         "127.0.0.1:0",
		OperatorTokens: []string{testOperatorToken},
	}, cmds, agents, nil, slog.Default())
	return s, cmds, agents
}

func doRequest(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)
	return rr
}

func expectAgentKey(agents *mocks.MockAgentDirectory) {
	agents.EXPECT().ResolveKey(gomock.Any(), testAgentKey).Return(&agent.Agent{
		ID:   "a1",
		Name: "rover-1",
	}, nil).AnyTimes()
}

func TestHandleHealthz(t *testing.T) {
	s, cmds, _ := newMockServer(t)
	cmds.EXPECT().QueueDepth(gomock.Any()).Return(3, nil)

	rr := doRequest(t, s, "GET", "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp HealthzResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.QueueDepth != 3 {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestHandleEnqueueUnknownAgent(t *testing.T) {
	s, _, agents := newMockServer(t)
	agents.EXPECT().Get(gomock.Any(), "ghost").Return(nil, agent.ErrNotFound)

	rr := doRequest(t, s, "POST", "/api/agents/ghost/commands", testOperatorToken,
		EnqueueRequest{Type: "Status"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHandleEnqueueValidation(t *testing.T) {
	s, cmds, agents := newMockServer(t)
	agents.EXPECT().Get(gomock.Any(), "a1").Return(&agent.Agent{ID: "a1"}, nil).Times(2)
	cmds.EXPECT().Enqueue(gomock.Any(), "a1", command.Type("Reboot"), gomock.Any()).
		Return(nil, command.ErrValidation)

	// Missing type is rejected before the service is touched.
	rr := doRequest(t, s, "POST", "/api/agents/a1/commands", testOperatorToken,
		EnqueueRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing type: status = %d, want 400", rr.Code)
	}

	rr = doRequest(t, s, "POST", "/api/agents/a1/commands", testOperatorToken,
		EnqueueRequest{Type: "Reboot"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown type: status = %d, want 400", rr.Code)
	}
}

func TestHandleEnqueueCreated(t *testing.T) {
	s, cmds, agents := newMockServer(t)
	agents.EXPECT().Get(gomock.Any(), "a1").Return(&agent.Agent{ID: "a1"}, nil)

	now := time.Now().UTC()
	cmds.EXPECT().Enqueue(gomock.Any(), "a1", command.TypeStatus, gomock.Any()).
		Return(&command.Command{
			ID:         "c1",
			AgentID:    "a1",
			Type:       command.TypeStatus,
			Status:     command.StatusQueued,
			TTLSeconds: 30,
			CreatedAt:  now,
		}, nil)

	rr := doRequest(t, s, "POST", "/api/agents/a1/commands", testOperatorToken,
		EnqueueRequest{Type: "Status"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rr.Code)
	}

	var env CommandEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.ID != "c1" || env.Status != "queued" || env.Result != nil {
		t.Fatalf("unexpected envelope: %#v", env)
	}
}

func TestHandleOutputErrorMapping(t *testing.T) {
	s, cmds, agents := newMockServer(t)
	expectAgentKey(agents)

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", command.ErrNotFound, http.StatusNotFound},
		{"validation", command.ErrValidation, http.StatusBadRequest},
		{"state conflict", command.ErrStateConflict, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmds.EXPECT().AppendOutput(gomock.Any(), "c1", "a1", "line").Return(tc.err)

			rr := doRequest(t, s, "POST", "/api/agent/commands/c1/output", testAgentKey,
				OutputRequest{Text: "line"})
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestHandleOutputSuccess(t *testing.T) {
	s, cmds, agents := newMockServer(t)
	expectAgentKey(agents)
	cmds.EXPECT().AppendOutput(gomock.Any(), "c1", "a1", "deploying").Return(nil)

	rr := doRequest(t, s, "POST", "/api/agent/commands/c1/output", testAgentKey,
		OutputRequest{Text: "deploying"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
}

func TestHandleAckConflict(t *testing.T) {
	s, cmds, agents := newMockServer(t)
	expectAgentKey(agents)
	cmds.EXPECT().Ack(gomock.Any(), "c1", "a1", true, "done").
		Return(nil, command.ErrStateConflict)

	rr := doRequest(t, s, "POST", "/api/agent/commands/c1/ack", testAgentKey,
		AckRequest{Success: true, Message: "done"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestHandlePollReturnsEntries(t *testing.T) {
	s, cmds, agents := newMockServer(t)
	expectAgentKey(agents)

	deliveredAt := time.Now().UTC()
	cmds.EXPECT().Poll(gomock.Any(), "a1").Return([]*command.Command{
		{
			ID:          "c1",
			AgentID:     "a1",
			Type:        command.TypeModelDeploy,
			Payload:     json.RawMessage(`{"group":"drivetrain"}`),
			Status:      command.StatusInProgress,
			DeliveredAt: &deliveredAt,
		},
	}, nil, nil)

	rr := doRequest(t, s, "GET", "/api/agent/commands", testAgentKey, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var entries []PollEntry
	if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].CommandID != "c1" || entries[0].Type != "ModelDeploy" {
		t.Fatalf("unexpected entries: %#v", entries)
	}
}

func TestHandleHeartbeat(t *testing.T) {
	s, _, agents := newMockServer(t)
	expectAgentKey(agents)
	agents.EXPECT().Heartbeat(gomock.Any(), "a1", gomock.Any()).Return(nil)

	rr := doRequest(t, s, "POST", "/api/agent/heartbeat", testAgentKey,
		HeartbeatRequest{Metrics: json.RawMessage(`{"cpu":0.2}`)})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}
