package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/routes/duplicates"
	"github.com/Ramsey-B/fern/pkg/routes/entity"
	"github.com/Ramsey-B/fern/pkg/routes/history"
	"github.com/Ramsey-B/fern/pkg/routes/resolve"
	"github.com/Ramsey-B/fern/pkg/scanner"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

type apiHelper struct {
	t *testing.T
	e *echo.Echo
}

func newAPIHelper(t *testing.T) *apiHelper {
	logger := logging.Discard()
	st := memory.New()
	c := cache.NewSharded(2, 100)
	normalizer := normalizers.NewEntityNormalizer(nil)
	matcher := matching.NewMatcher(matching.DefaultConfig())
	loc := locator.New(logger, st, locator.DefaultConfig())
	publisher := events.NewPublisher(nil, logger)
	manager := merging.NewManager(logger, st, normalizer, loc, c, publisher)

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())
	Mount(e, Handlers{
		Resolve:    resolve.NewHandler(resolver.New(logger, st, normalizer, matcher, loc, c, publisher, resolver.DefaultConfig())),
		Entity:     entity.NewHandler(manager),
		History:    history.NewHandler(manager),
		Duplicates: duplicates.NewHandler(scanner.New(logger, st, loc, matcher, scanner.DefaultConfig())),
	})
	return &apiHelper{t: t, e: e}
}

func (h *apiHelper) do(method, path string, body any, out any) int {
	h.t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reqBody = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(middleware.HeaderUserID, "analyst-1")
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)

	if out != nil {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestAPI_ResolveMergeSplitRollback(t *testing.T) {
	h := newAPIHelper(t)

	var first, second models.Resolution
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/resolve", map[string]any{
		"name": "Apple, Inc.", "entity_type": "company", "identifiers": map[string]string{"ticker": "AAPL"},
	}, &first))
	assert.Equal(t, models.MethodCreated, first.Method)

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/resolve", map[string]any{
		"name": "APPLE INC", "entity_type": "company", "identifiers": map[string]string{"ticker": "AAPL"},
	}, &second))
	assert.Equal(t, first.CanonicalID, second.CanonicalID)
	assert.Equal(t, models.MethodExactID, second.Method)
	assert.Equal(t, 1.0, second.Confidence)

	var other models.CanonicalEntity
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/entities", map[string]any{
		"name": "Apple Computer", "entity_type": "company",
	}, &other))

	var merged models.MergeResult
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/entities/merge", map[string]any{
		"source_id": other.ID, "target_id": first.CanonicalID, "reason": "dup",
	}, &merged))
	assert.Equal(t, 1, merged.AliasesTransferred)

	var aliases models.EntityAliases
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/entities/"+other.ID+"/aliases", nil, &aliases))
	assert.Equal(t, first.CanonicalID, aliases.CanonicalID)
	assert.Equal(t, other.ID, aliases.RedirectedFrom)
	assert.Len(t, aliases.Aliases, 2)

	var history []models.MergeHistory
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/entities/"+first.CanonicalID+"/history", nil, &history))
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, models.HistoryActionMerge, last.Action)
	assert.Equal(t, "analyst-1", last.PerformedBy)

	var event models.MergeHistory
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/history/"+merged.HistoryID, nil, &event))
	assert.Equal(t, merged.HistoryID, event.ID)

	var rolledBack models.MergeHistory
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/history/"+merged.HistoryID+"/rollback", nil, &rolledBack))
	assert.Equal(t, merged.HistoryID, rolledBack.RollbackOf)

	var errBody middleware.ErrorResponse
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/v1/history/"+merged.HistoryID+"/rollback", nil, &errBody))
	assert.NotEmpty(t, errBody.Message)

	var split models.SplitResult
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/entities/"+first.CanonicalID+"/aliases", map[string]any{
		"alias": "Apple Records",
	}, nil))
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/entities/"+first.CanonicalID+"/split", map[string]any{
		"aliases": []string{"apple records"}, "new_name": "Apple Records", "reason": "different company",
	}, &split))
	assert.NotEmpty(t, split.NewEntityID)
}

func TestAPI_Errors(t *testing.T) {
	h := newAPIHelper(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"blank name", http.MethodPost, "/api/v1/resolve", map[string]any{"name": "", "entity_type": "company"}, http.StatusBadRequest},
		{"unknown type", http.MethodPost, "/api/v1/resolve", map[string]any{"name": "Acme", "entity_type": "planet"}, http.StatusBadRequest},
		{"suffix only", http.MethodPost, "/api/v1/resolve", map[string]any{"name": "LLC", "entity_type": "company"}, http.StatusBadRequest},
		{"missing entity", http.MethodGet, "/api/v1/entities/nope/aliases", nil, http.StatusNotFound},
		{"self merge", http.MethodPost, "/api/v1/entities/merge", map[string]any{"source_id": "x", "target_id": "x"}, http.StatusBadRequest},
		{"missing history", http.MethodPost, "/api/v1/history/nope/rollback", nil, http.StatusNotFound},
		{"bad band", http.MethodGet, "/api/v1/duplicates?min_confidence=0.9&max_confidence=0.5", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body middleware.ErrorResponse
			assert.Equal(t, tt.code, h.do(tt.method, tt.path, tt.body, &body))
		})
	}
}

func TestAPI_Duplicates(t *testing.T) {
	h := newAPIHelper(t)
	for _, name := range []string{"Microsoft Corporation", "Microsoft Corp"} {
		require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/api/v1/entities", map[string]any{
			"name": name, "entity_type": "company", "location": map[string]string{"state": "WA"},
		}, nil))
	}

	var pairs []models.DuplicatePair
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/duplicates?entity_type=company&limit=10", nil, &pairs))
	require.Len(t, pairs, 1)
	assert.Equal(t, models.MethodNameLocation, pairs[0].Method)
	assert.InDelta(t, 0.89, pairs[0].Confidence, 0.01)
}
