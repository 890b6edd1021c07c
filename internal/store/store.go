// Package store persists per-item outcomes keyed by job id, so a retry run
// can skip the items an earlier run already finished.
package store

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/valuation-tools/tabctl/internal/model"
)

// Record is the durable form of one item outcome.
type Record struct {
	JobID     string            `json:"job_id"`
	ItemID    string            `json:"item_id"`
	Index     int               `json:"index"`
	Status    model.Status      `json:"status"`
	Error     string            `json:"error,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store upserts are idempotent: writing the same record twice leaves one record.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	// Get returns nil without error when the record does not exist.
	Get(ctx context.Context, jobID, itemID string) (*Record, error)
	List(ctx context.Context, jobID string) ([]Record, error)
	Close() error
}

func FromOutcome(jobID string, o model.ItemOutcome) Record {
	return Record{
		JobID:     jobID,
		ItemID:    o.ItemID,
		Index:     o.Index,
		Status:    o.Status,
		Error:     o.Error,
		Fields:    o.Fields,
		UpdatedAt: o.Finished,
	}
}

// Succeeded returns the ids of the items stored as SUCCESS.
func Succeeded(records []Record) map[string]struct{} {
	ret := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.Status == model.StatusSuccess {
			ret[r.ItemID] = struct{}{}
		}
	}
	return ret
}

func sortRecords(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		if a.Index != b.Index {
			return a.Index - b.Index
		}
		return strings.Compare(a.ItemID, b.ItemID)
	})
}

func stamp(rec *Record) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
}
