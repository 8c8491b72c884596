package httpbatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/growplane/ingest"
	"github.com/c360/growplane/storage"
	"github.com/c360/growplane/stream"
	"github.com/c360/growplane/types"
)

func newTestInput(t *testing.T) *Input {
	t.Helper()
	ctx := context.Background()

	streams := storage.NewMemoryStreamStore()
	require.NoError(t, streams.PutStream(ctx, &types.Stream{
		ID:     "co2-flower-2",
		SiteID: "site-1",
		Unit:   types.UnitPPM,
		Active: true,
	}))
	pipeline := ingest.NewPipeline(ctx, ingest.Deps{
		Streams: stream.NewRegistry(ctx, stream.Deps{Store: streams}),
		Store:   storage.NewMemoryTimeSeries(),
	})
	t.Cleanup(func() { pipeline.Close() })

	in := NewInput(Config{Addr: "127.0.0.1:0", MaxBatch: 10}, pipeline, nil)
	require.NoError(t, in.Initialize())
	return in
}

func postBatch(t *testing.T, in *Input, streamID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/v1/streams/%s/readings", streamID), bytes.NewReader(data))
	req.SetPathValue("streamID", streamID)
	rec := httptest.NewRecorder()
	in.handleBatch(rec, req)
	return rec
}

func TestHandleBatchSuccess(t *testing.T) {
	in := newTestInput(t)
	now := time.Now().UTC()

	rec := postBatch(t, in, "co2-flower-2", []batchReading{
		{Value: 1100, SourceTime: now},
		{Value: 1150, SourceTime: now.Add(time.Second)},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var result ingest.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Accepted)
}

func TestHandleBatchMalformedBody(t *testing.T) {
	in := newTestInput(t)

	req := httptest.NewRequest(http.MethodPost,
		"/v1/streams/co2-flower-2/readings", bytes.NewReader([]byte("{not json")))
	req.SetPathValue("streamID", "co2-flower-2")
	rec := httptest.NewRecorder()
	in.handleBatch(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(1), in.requestsFailed.Load())
}

func TestHandleBatchTooLarge(t *testing.T) {
	in := newTestInput(t)
	now := time.Now().UTC()

	big := make([]batchReading, 11)
	for i := range big {
		big[i] = batchReading{Value: 1000, SourceTime: now}
	}
	rec := postBatch(t, in, "co2-flower-2", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandleBatchUnknownStream(t *testing.T) {
	in := newTestInput(t)

	rec := postBatch(t, in, "no-such-stream", []batchReading{
		{Value: 1000, SourceTime: time.Now().UTC()},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBatchEchoesRequestID(t *testing.T) {
	in := newTestInput(t)
	now := time.Now().UTC()

	data, err := json.Marshal([]batchReading{{Value: 900, SourceTime: now}})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost,
		"/v1/streams/co2-flower-2/readings", bytes.NewReader(data))
	req.SetPathValue("streamID", "co2-flower-2")
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	in.handleBatch(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Addr: ":0", MaxBatch: -1}).Validate())
	assert.NoError(t, (&Config{Addr: ":8080"}).Validate())
}
