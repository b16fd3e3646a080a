package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumenic/factsheet/internal/auth"
	"github.com/lumenic/factsheet/internal/extractor"
	"github.com/lumenic/factsheet/internal/model"
	"github.com/lumenic/factsheet/internal/orchestrator"
	"github.com/lumenic/factsheet/internal/schema"
	"github.com/lumenic/factsheet/internal/server"
	"github.com/lumenic/factsheet/internal/storage"
)

type fakeExtractor struct {
	candidates []extractor.Candidate
}

func (f *fakeExtractor) Extract(_ context.Context, _ extractor.Request) (extractor.Result, error) {
	return extractor.Result{Candidates: f.candidates}, nil
}

func newTestServer(t *testing.T, fx *fakeExtractor) (*server.Server, *orchestrator.Orchestrator) {
	t.Helper()

	sch, err := schema.New(map[string]schema.Field{
		"name": schema.Nullable(schema.String()),
		"role": schema.Nullable(schema.String()),
	}, true)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	adapter := storage.NewMemoryAdapter(100, 50)

	var client extractor.Client
	if fx != nil {
		client = fx
	}

	orch := orchestrator.New(adapter, client, orchestrator.Config{}, logger)
	require.NoError(t, orch.RegisterSchema(sch, model.DefaultPolicy()))

	broker := server.NewBroker(orch, nil, logger)
	handlers := server.NewHandlers(server.HandlersDeps{
		Orchestrator: orch,
		Broker:       broker,
		Logger:       logger,
		Version:      "test",
		StorageKind:  "memory",
	})

	gate := auth.NewGate("s3cret")
	srv := server.New(server.ServerConfig{
		Handlers:           handlers,
		Broker:             broker,
		Gate:               gate,
		Logger:             logger,
		CORSAllowedOrigins: []string{"*"},
	})
	return srv, orch
}

func doRequest(t *testing.T, srv *server.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer s3cret")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_PatchThenGet(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/v1/subjects/user-1/patch", map[string]any{
		"facts": map[string]any{"name": "Ada"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var patchResp model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patchResp))

	rec = doRequest(t, srv, http.MethodGet, "/v1/subjects/user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var getResp model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &getResp))
	data := getResp.Data.(map[string]any)
	profile := data["profile"].(map[string]any)
	require.Equal(t, "Ada", profile["name"])
}

func TestServer_GetUnknownSubjectReturns404(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/v1/subjects/nobody", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	require.Equal(t, model.ErrCodeNotFound, apiErr.Error.Code)
}

func TestServer_ObserveSyncWithExtraction(t *testing.T) {
	fx := &fakeExtractor{candidates: []extractor.Candidate{{Field: "role", Value: "engineer", Confidence: 0.9}}}
	srv, _ := newTestServer(t, fx)

	rec := doRequest(t, srv, http.MethodPost, "/v1/subjects/user-2/observe", map[string]any{
		"input": "I work as an engineer.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp.Data.(map[string]any)
	profile := data["profile"].(map[string]any)
	require.Equal(t, "engineer", profile["role"])
}

func TestServer_ObserveWithoutExtractorConfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/v1/subjects/user-3/observe", map[string]any{
		"input": "anything",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PatchIdempotentReplay(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/subjects/user-4/patch", bytes.NewReader(mustJSON(t, map[string]any{
		"facts": map[string]any{"name": "Grace"},
	})))
	req.Header.Set("Authorization", "Bearer s3cret")
	req.Header.Set("Idempotency-Key", "req-abc")
	rec1 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec1, req)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/subjects/user-4/patch", bytes.NewReader(mustJSON(t, map[string]any{
		"facts": map[string]any{"name": "Grace"},
	})))
	req2.Header.Set("Authorization", "Bearer s3cret")
	req2.Header.Set("Idempotency-Key", "req-abc")
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	// Each envelope carries its own request id and timestamp; the replayed payload must match.
	var resp1, resp2 model.APIResponse
	require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &resp1))
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp2))
	require.Equal(t, resp1.Data, resp2.Data)
}

func TestServer_RejectsMissingAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/subjects/user-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_HealthBypassesAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
}

func TestServer_HistoryAfterPatch(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	doRequest(t, srv, http.MethodPost, "/v1/subjects/user-5/patch", map[string]any{
		"facts": map[string]any{"name": "Linus"},
	})

	rec := doRequest(t, srv, http.MethodGet, "/v1/subjects/user-5/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp.Data.(map[string]any)
	entries := data["entries"].([]any)
	require.NotEmpty(t, entries)
}

func TestServer_FactsForPromptAndFilters(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	doRequest(t, srv, http.MethodPost, "/v1/subjects/user-6/patch", map[string]any{
		"facts": map[string]any{"name": "Margaret", "role": "admiral"},
	})

	rec := doRequest(t, srv, http.MethodGet, "/v1/subjects/user-6/facts-for-prompt?select=name", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/v1/subjects/user-6/filters?select=name,role", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp.Data.(map[string]any)
	filters := data["filters"].(map[string]any)
	require.Equal(t, "admiral", filters["role"])
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
