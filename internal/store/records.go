package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/zanderlabs/ingest/internal/payload"
)

// PredictionRecord is one row of the predictions hypertable. Rows come from
// two sources: edge relay features (prediction_type "workload_edge") and
// consumer-originated predictions (defaults "azure_ml").
type PredictionRecord struct {
	Timestamp         time.Time
	SessionID         uuid.UUID
	UserID            string
	PredictionType    string
	ClassifierName    string
	Data              payload.Map
	Confidence        *float64
	ClassifierVersion *string
	ProcessingTimeMS  *float64
}

// RawSampleRecord is one row of the raw_samples hypertable. The data blob is
// the channel vector; acquisition metadata lives on the session row.
type RawSampleRecord struct {
	Timestamp time.Time
	SessionID uuid.UUID
	UserID    string
	Data      payload.Map
}
