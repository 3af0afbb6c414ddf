// Package ledger is the append-only record of completed pipeline runs.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/onsite-teams/salesintel/internal/model"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	PipelineType model.PipelineType
	LeadID       string
	Since        time.Time
	Limit        int
}

// Store persists run records. Implementations must not update or delete
// existing rows.
type Store interface {
	InsertRun(ctx context.Context, rec model.RunRecord) error
	GetRun(ctx context.Context, id string) (*model.RunRecord, error)
	LatestRun(ctx context.Context, pipelineType model.PipelineType) (*model.RunRecord, error)
	ListRuns(ctx context.Context, f Filter) ([]model.RunRecord, error)
}

// DefaultListLimit caps List when the filter sets no limit.
const DefaultListLimit = 50

// Ledger appends and reads run records.
type Ledger struct {
	store Store
}

// New creates a Ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Record appends rec. A missing ID is generated; Success is derived from
// the error list.
func (l *Ledger) Record(ctx context.Context, rec model.RunRecord) error {
	if rec.PipelineType == "" {
		return eris.New("ledger: pipeline type is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Errors == nil {
		rec.Errors = []string{}
	}
	if rec.Counts == nil {
		rec.Counts = map[string]int{}
	}
	rec.Success = len(rec.Errors) == 0
	if err := l.store.InsertRun(ctx, rec); err != nil {
		return eris.Wrapf(err, "ledger: record %s run", rec.PipelineType)
	}
	return nil
}

// Get returns one run by id.
func (l *Ledger) Get(ctx context.Context, id string) (*model.RunRecord, error) {
	rec, err := l.store.GetRun(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get run %s", id)
	}
	return rec, nil
}

// Latest returns the most recent run of the given type, or nil when none
// exists.
func (l *Ledger) Latest(ctx context.Context, pipelineType model.PipelineType) (*model.RunRecord, error) {
	rec, err := l.store.LatestRun(ctx, pipelineType)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: latest %s run", pipelineType)
	}
	return rec, nil
}

// List returns runs newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]model.RunRecord, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	recs, err := l.store.ListRuns(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list runs")
	}
	return recs, nil
}
