package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onsite-teams/salesintel/internal/ledger"
	"github.com/onsite-teams/salesintel/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := newPostgresStore(mock, nil)
	s.now = func() time.Time { return time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC) }
	return s, mock
}

func runRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "pipeline_type", "lead_id", "triggered_by", "started_at", "completed_at",
		"duration_seconds", "counts", "stages", "errors", "success",
	})
}

func TestPostgresStore_GetLead_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetLead(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLead(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	created := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	active := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	var none *time.Time
	rows := pgxmock.NewRows([]string{
		"id", "company_name", "contact_name", "contact_title", "status", "deal_value",
		"source", "region", "industry", "website", "assigned_rep_id",
		"external_id", "created_at", "last_activity_at", "last_scored_at",
		"closed_at", "score_label", "score_numeric", "score_reasoning",
		"score_next_action", "has_research", "last_researched_at",
	}).AddRow(
		"L1", "Acme Builders", "Priya", "Owner", "qualified", 250000.0,
		"referral", "Pune", "construction", "acme.example", "rep-1",
		"00Q1", created, &active, none,
		none, "hot", 82, "Active buyer",
		"Call today", false, none,
	)
	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id = \$1`).
		WithArgs("L1").
		WillReturnRows(rows)

	lead, err := s.GetLead(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Builders", lead.CompanyName)
	assert.Equal(t, model.ScoreHot, lead.ScoreLabel)
	assert.Equal(t, 82, lead.ScoreNumeric)
	require.NotNil(t, lead.LastActivityAt)
	assert.True(t, lead.LastActivityAt.Equal(active))
	assert.Nil(t, lead.LastScoredAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLeadScore(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET score_label = \$1, score_numeric = \$2, score_reasoning = \$3, score_next_action = \$4, last_scored_at = \$5 WHERE id = \$6`).
		WithArgs("warm", 55, "Replied last week", "Send proposal", pgxmock.AnyArg(), "L1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateLeadScore(context.Background(), model.Lead{
		ID:              "L1",
		ScoreLabel:      model.ScoreWarm,
		ScoreNumeric:    55,
		ScoreReasoning:  "Replied last week",
		ScoreNextAction: "Send proposal",
	}, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLeadScore_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateLeadScore(context.Background(), model.Lead{ID: "gone"}, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "gone")
}

func TestPostgresStore_ListOpenLeads_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM leads WHERE status IN \(\$1,\$2,\$3,\$4,\$5\) ORDER BY created_at DESC, id`).
		WithArgs("new", "contacted", "qualified", "proposal", "negotiation").
		WillReturnError(errors.New("connection refused"))

	_, err := s.ListOpenLeads(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list open leads")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListNotesByLeads_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	notes, err := s.ListNotesByLeads(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, notes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AssignLead(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET assigned_rep_id = \$1 WHERE assigned_rep_id = \$2 AND id = \$3`).
		WithArgs("rep-1", "", "lead-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE leads SET assigned_rep_id`).
		WithArgs("rep-1", "", "lead-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.AssignLead(context.Background(), "lead-1", "rep-1"))
	err := s.AssignLead(context.Background(), "lead-2", "rep-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveNewAlerts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT alert_type, title FROM alerts WHERE read_at IS NULL AND target_user_id = \$1`).
		WithArgs("mgr-1").
		WillReturnRows(pgxmock.NewRows([]string{"alert_type", "title"}).AddRow("hot_lead_idle", "a"))
	mock.ExpectExec(`INSERT INTO alerts \(id,alert_type,severity,title,message,target_user_id,lead_id,agent_name,metadata,created_at\)`).
		WithArgs(pgxmock.AnyArg(), "demo_no_followup", pgxmock.AnyArg(), "b", pgxmock.AnyArg(),
			"mgr-1", pgxmock.AnyArg(), "smart_alerts", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	out, err := s.SaveNewAlerts(context.Background(), "mgr-1", []model.Alert{
		{Type: "hot_lead_idle", Severity: model.SeverityCritical, Title: "a", Agent: "smart_alerts"},
		{Type: "demo_no_followup", Severity: model.SeverityHigh, Title: "b", Agent: "smart_alerts"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].Title)
	assert.NotEmpty(t, out[0].ID)
	assert.Equal(t, "mgr-1", out[0].TargetUserID)
	assert.Equal(t, time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC), out[0].CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveNewAlerts_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT alert_type, title FROM alerts`).
		WillReturnRows(pgxmock.NewRows([]string{"alert_type", "title"}))
	mock.ExpectExec(`INSERT INTO alerts`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	out, err := s.SaveNewAlerts(context.Background(), "mgr-1", []model.Alert{{Type: "x"}})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "insert alert")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO pipeline_runs \(id,pipeline_type,lead_id,triggered_by,started_at,completed_at,duration_seconds,counts,stages,errors,success\)`).
		WithArgs("run-1", "daily", "", "cron", pgxmock.AnyArg(), pgxmock.AnyArg(), 1.5,
			`{"leads_scored":3}`, `[]`, `["scoring: batch 0: timeout"]`, false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.InsertRun(context.Background(), model.RunRecord{
		ID:              "run-1",
		PipelineType:    model.PipelineDaily,
		TriggeredBy:     "cron",
		DurationSeconds: 1.5,
		Counts:          map[string]int{model.CountLeadsScored: 3},
		Errors:          []string{"scoring: batch 0: timeout"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestRun_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM pipeline_runs WHERE pipeline_type = \$1 ORDER BY started_at DESC LIMIT 1`).
		WithArgs("daily").
		WillReturnError(pgx.ErrNoRows)

	rec, err := s.LatestRun(context.Background(), model.PipelineDaily)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	started := time.Date(2026, 3, 9, 2, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM pipeline_runs WHERE pipeline_type = \$1 AND lead_id = \$2 ORDER BY started_at DESC, id LIMIT 5`).
		WithArgs("research", "L1").
		WillReturnRows(runRows().AddRow(
			"run-9", "research", "L1", "rep-1", started, started.Add(40*time.Second),
			40.0, `{"similar_deals_found":2}`, `[{"name":"save_research","status":"complete","duration_ms":12}]`, `[]`, true,
		))

	recs, err := s.ListRuns(context.Background(), ledger.Filter{
		PipelineType: model.PipelineResearch,
		LeadID:       "L1",
		Limit:        5,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.PipelineResearch, recs[0].PipelineType)
	assert.Equal(t, 2, recs[0].Counts[model.CountSimilarDeals])
	assert.Equal(t, []string{}, recs[0].Errors)
	require.Len(t, recs[0].Stages, 1)
	assert.Equal(t, model.StageStatusComplete, recs[0].Stages[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertLeads(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_leads"}, syncColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "leads" .+ ON CONFLICT \("external_id"\) DO UPDATE SET "company_name" = EXCLUDED."company_name"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.UpsertLeads(context.Background(), []model.SyncedLead{
		{Lead: model.Lead{ExternalID: "00Q1", CompanyName: "Acme"}},
		{Lead: model.Lead{ExternalID: "00Q2", CompanyName: "Globex"}, CRM: model.LeadRow{Owner: "Asha"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertLeads_RequiresExternalID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.UpsertLeads(context.Background(), []model.SyncedLead{{Lead: model.Lead{CompanyName: "Acme"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "external id is required")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSyncState(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mark := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT source, watermark, last_run_at, records FROM sync_state WHERE source = \$1`).
		WithArgs("salesforce").
		WillReturnRows(pgxmock.NewRows([]string{"source", "watermark", "last_run_at", "records"}).
			AddRow("salesforce", mark, mark.Add(time.Minute), 14))
	mock.ExpectQuery(`FROM sync_state`).
		WithArgs("zoho").
		WillReturnError(pgx.ErrNoRows)

	st, err := s.GetSyncState(context.Background(), "salesforce")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Watermark.Equal(mark))
	assert.Equal(t, 14, st.Records)

	st, err = s.GetSyncState(context.Background(), "zoho")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnError(errors.New("refused"))

	err := s.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: ping")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}
