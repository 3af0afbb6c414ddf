// Package store persists leads, pipeline outputs, alerts and the append-only
// logs. PostgresStore is the production backend; SQLiteStore serves local
// runs and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/onsite-teams/salesintel/internal/ledger"
	"github.com/onsite-teams/salesintel/internal/model"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for the pipelines, alerts and
// delivery log.
type Store interface {
	// Leads
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	ListOpenLeads(ctx context.Context) ([]model.Lead, error)
	ListWonLeads(ctx context.Context, industry string) ([]model.Lead, error)
	ListClosedLeadsSince(ctx context.Context, since time.Time) ([]model.Lead, error)
	AssignLead(ctx context.Context, leadID, repID string) error
	ListLeadRows(ctx context.Context) ([]model.LeadRow, error)
	UpdateLeadScore(ctx context.Context, lead model.Lead, scoredAt time.Time) error
	MarkLeadResearched(ctx context.Context, leadID string, at time.Time) error
	UpsertLeads(ctx context.Context, leads []model.SyncedLead) (int64, error)
	LeadIDsByExternal(ctx context.Context, externalIDs []string) (map[string]string, error)

	// Notes, activities and users
	ListNotesByLeads(ctx context.Context, leadIDs []string) ([]model.Note, error)
	ListActivitiesByLeads(ctx context.Context, leadIDs []string) ([]model.Activity, error)
	ListActivitiesSince(ctx context.Context, since time.Time) ([]model.Activity, error)
	UpsertNotes(ctx context.Context, notes []model.Note) (int64, error)
	UpsertActivities(ctx context.Context, acts []model.Activity) (int64, error)
	ListRepsByRole(ctx context.Context, roles ...string) ([]model.Rep, error)
	ListRepsByIDs(ctx context.Context, ids []string) ([]model.Rep, error)

	// Pipeline outputs
	InsertDailyBrief(ctx context.Context, brief model.DailyBrief) error
	InsertAnomaly(ctx context.Context, a model.Anomaly) error
	UpsertLeadResearch(ctx context.Context, r model.LeadResearch) error
	GetLeadResearch(ctx context.Context, leadID string) (*model.LeadResearch, error)

	// Alerts and append-only logs
	SaveNewAlerts(ctx context.Context, targetUserID string, alerts []model.Alert) ([]model.Alert, error)
	InsertDeliveryAttempt(ctx context.Context, a model.DeliveryAttempt) error
	InsertModelCall(ctx context.Context, rec model.ModelCallRecord) error

	// Run ledger
	InsertRun(ctx context.Context, rec model.RunRecord) error
	GetRun(ctx context.Context, id string) (*model.RunRecord, error)
	LatestRun(ctx context.Context, pipelineType model.PipelineType) (*model.RunRecord, error)
	ListRuns(ctx context.Context, f ledger.Filter) ([]model.RunRecord, error)

	// CRM sync watermark
	GetSyncState(ctx context.Context, source string) (*model.SyncState, error)
	SetSyncState(ctx context.Context, st model.SyncState) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the backend named by driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "", "postgres":
		s, err := NewPostgres(ctx, dsn, poolCfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
