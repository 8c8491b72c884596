package types

import (
	"fmt"
	"math"
	"time"
)

// QualityCode tags the confidence/freshness of a reading.
type QualityCode string

// Reading quality codes
const (
	// QualityGood means the value is within nominal bounds and fresh
	QualityGood QualityCode = "good"
	// QualityUncertain means the adapter or bounds check flagged low confidence
	QualityUncertain QualityCode = "uncertain"
	// QualityBad means the adapter flagged the payload as unreliable
	QualityBad QualityCode = "bad"
	// QualityStale means the source timestamp lags ingest beyond the staleness threshold
	QualityStale QualityCode = "stale"
)

// Valid reports whether q is a known quality code.
func (q QualityCode) Valid() bool {
	switch q {
	case QualityGood, QualityUncertain, QualityBad, QualityStale:
		return true
	}
	return false
}

// Reading is a single sensor measurement. Immutable once accepted by the
// ingest pipeline.
type Reading struct {
	StreamID   string      `json:"stream_id"`
	Value      float64     `json:"value"`
	SourceTime time.Time   `json:"source_time"`
	IngestTime time.Time   `json:"ingest_time,omitempty"`
	Quality    QualityCode `json:"quality,omitempty"`
	// MessageID is the optional source message identifier used for dedup.
	MessageID string            `json:"message_id,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// DedupKey returns the key under which this reading is deduplicated:
// (stream, message id) when a message id is present, otherwise
// (stream, source timestamp).
func (r *Reading) DedupKey() string {
	if r.MessageID != "" {
		return r.StreamID + "|m|" + r.MessageID
	}
	return r.StreamID + "|t|" + r.SourceTime.UTC().Format(time.RFC3339Nano)
}

// FiniteValue reports whether the value is a usable number.
func (r *Reading) FiniteValue() bool {
	return !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0)
}

// Rollup is a precomputed time-bucketed aggregate of readings, owned by the
// time-series store and read-only to this plane.
type Rollup struct {
	StreamID    string        `json:"stream_id"`
	BucketStart time.Time     `json:"bucket_start"`
	BucketWidth time.Duration `json:"bucket_width"`
	Count       int64         `json:"count"`
	Avg         float64       `json:"avg"`
	Min         float64       `json:"min"`
	Max         float64       `json:"max"`
	StdDev      *float64      `json:"stddev,omitempty"`
	Median      *float64      `json:"median,omitempty"`
}

func (r Rollup) String() string {
	return fmt.Sprintf("rollup[%s %s n=%d avg=%.3f]",
		r.StreamID, r.BucketStart.Format(time.RFC3339), r.Count, r.Avg)
}
