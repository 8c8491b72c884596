package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/growplane/alert"
	"github.com/c360/growplane/interlock"
	"github.com/c360/growplane/outbox"
	"github.com/c360/growplane/storage"
	"github.com/c360/growplane/stream"
	"github.com/c360/growplane/subscription"
	"github.com/c360/growplane/types"
)

type gatewayFixture struct {
	server *Server
	mux    *http.ServeMux
	store  *storage.MemoryTimeSeries
	rules  *storage.MemoryRuleStore
	outbox *outbox.Outbox
	alerts *alert.Engine
}

func newGateway(t *testing.T) *gatewayFixture {
	t.Helper()
	ctx := context.Background()

	streams := storage.NewMemoryStreamStore()
	require.NoError(t, streams.PutStream(ctx, &types.Stream{
		ID:     "temp-veg-1",
		SiteID: "site-1",
		Unit:   types.UnitCelsius,
		Active: true,
	}))
	store := storage.NewMemoryTimeSeries()
	rules := storage.NewMemoryRuleStore()
	engine := alert.NewEngine(alert.Deps{
		Rules:    rules,
		Store:    store,
		Notifier: &storage.RecordingNotifier{},
	})
	box := outbox.NewOutbox(outbox.Deps{
		Transport:  storage.NewScriptedTransport(),
		Interlocks: interlock.NewEvaluator(interlock.DefaultLimits()),
	})

	s := NewServer(Config{Addr: "127.0.0.1:0"}, Deps{
		Streams:       stream.NewRegistry(ctx, stream.Deps{Store: streams}),
		Store:         store,
		Rules:         rules,
		Alerts:        engine,
		Commands:      box,
		Subscriptions: subscription.NewRegistry(),
	})
	return &gatewayFixture{server: s, mux: s.Routes(), store: store, rules: rules, outbox: box, alerts: engine}
}

func (f *gatewayFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestStreamEndpoints(t *testing.T) {
	f := newGateway(t)

	rec := f.do(t, http.MethodGet, "/v1/streams/temp-veg-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var strm types.Stream
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &strm))
	assert.Equal(t, types.UnitCelsius, strm.Unit)

	rec = f.do(t, http.MethodGet, "/v1/streams/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/streams/ph-res-1", types.Stream{
		SiteID: "site-1",
		Name:   "Reservoir pH",
		Unit:   types.UnitPH,
		Active: true,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/streams/ph-res-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestReadingAndRollupQueryEndpoints(t *testing.T) {
	f := newGateway(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.store.WriteReading(ctx, types.Reading{
		StreamID:   "temp-veg-1",
		Value:      24.5,
		SourceTime: now.Add(-time.Hour),
		Quality:    types.QualityGood,
	}))
	f.store.SeedRollup(types.Rollup{
		StreamID:    "temp-veg-1",
		BucketStart: now.Add(-time.Hour),
		BucketWidth: time.Hour,
		Count:       12,
		Avg:         24.1,
		Min:         23.2,
		Max:         25.0,
	})

	// Default range is the trailing 24 hours.
	rec := f.do(t, http.MethodGet, "/v1/streams/temp-veg-1/readings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var readings []types.Reading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &readings))
	require.Len(t, readings, 1)
	assert.Equal(t, 24.5, readings[0].Value)

	rec = f.do(t, http.MethodGet, "/v1/streams/temp-veg-1/rollups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rollups []types.Rollup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rollups))
	require.Len(t, rollups, 1)
	assert.Equal(t, int64(12), rollups[0].Count)

	// An explicit range excluding the data returns an empty set.
	from := now.Add(-30 * time.Minute).Format(time.RFC3339)
	rec = f.do(t, http.MethodGet, "/v1/streams/temp-veg-1/readings?from="+url.QueryEscape(from), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/streams/temp-veg-1/readings?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuleEndpointsRejectInvalidThreshold(t *testing.T) {
	f := newGateway(t)

	// Range rule with min > max must be rejected at save time.
	body := map[string]any{
		"site_id":    "site-1",
		"name":       "bad band",
		"type":       "range",
		"stream_ids": []string{"temp-veg-1"},
		"threshold":  map[string]any{"min": 30, "max": 10},
		"severity":   "warning",
		"active":     true,
	}
	rec := f.do(t, http.MethodPut, "/v1/rules/rule-band", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "min")

	body["threshold"] = map[string]any{"min": 10, "max": 30}
	rec = f.do(t, http.MethodPut, "/v1/rules/rule-band", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/rules/rule-band", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rule types.AlertRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, types.RuleRange, rule.Type)
	assert.Equal(t, types.RangeThreshold{Min: 10, Max: 30}, rule.Threshold)
}

func TestRuleTypeThresholdMismatchRejected(t *testing.T) {
	f := newGateway(t)

	// Declared high but carrying a range-looking threshold decodes as a
	// HighThreshold with zero consecutive, which fails validation.
	body := map[string]any{
		"site_id":    "site-1",
		"name":       "mismatch",
		"type":       "high",
		"stream_ids": []string{"temp-veg-1"},
		"threshold":  map[string]any{"min": 1, "max": 2},
		"severity":   "warning",
		"active":     true,
	}
	rec := f.do(t, http.MethodPut, "/v1/rules/rule-x", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandEndpoints(t *testing.T) {
	f := newGateway(t)

	rec := f.do(t, http.MethodPost, "/v1/commands", types.DeviceCommand{
		EquipmentID: "valve-7",
		Type:        types.CommandOpenValve,
		Priority:    types.PriorityNormal,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["command_id"]
	require.NotEmpty(t, id)

	rec = f.do(t, http.MethodGet, "/v1/commands/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cmd types.DeviceCommand
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmd))
	assert.Equal(t, types.StatusPending, cmd.Status)

	rec = f.do(t, http.MethodGet, "/v1/commands?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/commands/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Cancelling a cancelled command conflicts.
	rec = f.do(t, http.MethodDelete, "/v1/commands/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Structural validation failure surfaces as 400.
	rec = f.do(t, http.MethodPost, "/v1/commands", types.DeviceCommand{Type: types.CommandOpenValve})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertAckEndpoint(t *testing.T) {
	f := newGateway(t)

	rec := f.do(t, http.MethodPost, "/v1/alerts/nonexistent/ack", ackRequest{By: "casey"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/alerts/x/ack", ackRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionSnapshotEndpoint(t *testing.T) {
	f := newGateway(t)

	rec := f.do(t, http.MethodGet, "/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap subscription.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Zero(t, snap.ConnectionCount)
}

func TestRequestIDMiddleware(t *testing.T) {
	f := newGateway(t)
	require.NoError(t, f.server.Initialize())

	handler := f.server.requestID(f.mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/alerts/active", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/v1/alerts/active", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-7", rec.Header().Get("X-Request-ID"))
}
