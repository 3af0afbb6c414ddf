package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/onsite-teams/salesintel/internal/ledger"
	"github.com/onsite-teams/salesintel/internal/model"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type rowIter interface {
	rowScanner
	Next() bool
	Err() error
	Close()
}

// conn is the execution surface shared by the pgx and database/sql
// backends. Query text arrives already rendered for the backend's
// placeholder format.
type conn interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	query(ctx context.Context, query string, args ...any) (rowIter, error)
	queryRow(ctx context.Context, query string, args ...any) rowScanner
	inTx(ctx context.Context, fn func(c conn) error) error
	noRows(err error) bool
}

// sqlStore implements every Store query on top of a conn. Backends embed it
// and override what their dialect does better.
type sqlStore struct {
	c   conn
	sb  sq.StatementBuilderType
	now func() time.Time
}

func newSQLStore(c conn, placeholder sq.PlaceholderFormat) sqlStore {
	return sqlStore{
		c:   c,
		sb:  sq.StatementBuilder.PlaceholderFormat(placeholder),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *sqlStore) withConn(c conn) *sqlStore {
	return &sqlStore{c: c, sb: s.sb, now: s.now}
}

func (s *sqlStore) execB(ctx context.Context, b sq.Sqlizer, op string) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, eris.Wrapf(err, "store: build %s", op)
	}
	n, err := s.c.exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "store: "+op)
	}
	return n, nil
}

func getOne[T any](ctx context.Context, s *sqlStore, b sq.SelectBuilder, op string, scan func(rowScanner) (T, error)) (*T, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrapf(err, "store: build %s", op)
	}
	v, err := scan(s.c.queryRow(ctx, query, args...))
	if err != nil {
		if s.c.noRows(err) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "store: "+op)
	}
	return &v, nil
}

func selectAll[T any](ctx context.Context, s *sqlStore, b sq.SelectBuilder, op string, scan func(rowScanner) (T, error)) ([]T, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrapf(err, "store: build %s", op)
	}
	rows, err := s.c.query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: "+op)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "store: scan %s", op)
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "store: "+op)
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal json")
	}
	return string(b), nil
}

func fromJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return eris.Wrap(json.Unmarshal([]byte(raw), v), "store: unmarshal json")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func orNow(t time.Time, now func() time.Time) time.Time {
	if t.IsZero() {
		return now()
	}
	return t.UTC()
}

// --- leads ---

var leadColumns = []string{
	"id", "company_name", "contact_name", "contact_title", "status", "deal_value",
	"source", "region", "industry", "website", "assigned_rep_id",
	"COALESCE(external_id, '')", "created_at", "last_activity_at", "last_scored_at",
	"closed_at", "score_label", "score_numeric", "score_reasoning",
	"score_next_action", "has_research", "last_researched_at",
}

func scanLead(r rowScanner) (model.Lead, error) {
	var l model.Lead
	var label string
	err := r.Scan(
		&l.ID, &l.CompanyName, &l.ContactName, &l.ContactTitle, &l.Status, &l.DealValue,
		&l.Source, &l.Region, &l.Industry, &l.Website, &l.AssignedRepID,
		&l.ExternalID, &l.CreatedAt, &l.LastActivityAt, &l.LastScoredAt,
		&l.ClosedAt, &label, &l.ScoreNumeric, &l.ScoreReasoning,
		&l.ScoreNextAction, &l.HasResearch, &l.LastResearchedAt,
	)
	if err != nil {
		return l, err
	}
	l.ScoreLabel = model.ScoreLabel(label)
	l.CreatedAt = l.CreatedAt.UTC()
	l.LastActivityAt = utcPtr(l.LastActivityAt)
	l.LastScoredAt = utcPtr(l.LastScoredAt)
	l.ClosedAt = utcPtr(l.ClosedAt)
	l.LastResearchedAt = utcPtr(l.LastResearchedAt)
	return l, nil
}

func (s *sqlStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	b := s.sb.Select(leadColumns...).From("leads").Where(sq.Eq{"id": id})
	return getOne(ctx, s, b, "get lead", scanLead)
}

func (s *sqlStore) ListOpenLeads(ctx context.Context) ([]model.Lead, error) {
	b := s.sb.Select(leadColumns...).From("leads").
		Where(sq.Eq{"status": model.OpenLeadStatuses}).
		OrderBy("created_at DESC", "id")
	return selectAll(ctx, s, b, "list open leads", scanLead)
}

// ListWonLeads returns closed-won leads, most recently closed first. An
// empty industry matches every lead.
func (s *sqlStore) ListWonLeads(ctx context.Context, industry string) ([]model.Lead, error) {
	b := s.sb.Select(leadColumns...).From("leads").
		Where(sq.Eq{"status": model.LeadStatusWon}).
		OrderBy("closed_at DESC", "id")
	if industry != "" {
		b = b.Where(sq.Eq{"industry": industry})
	}
	return selectAll(ctx, s, b, "list won leads", scanLead)
}

// ListClosedLeadsSince returns won and lost leads closed at or after since,
// most recently closed first.
func (s *sqlStore) ListClosedLeadsSince(ctx context.Context, since time.Time) ([]model.Lead, error) {
	b := s.sb.Select(leadColumns...).From("leads").
		Where(sq.Eq{"status": []string{model.LeadStatusWon, model.LeadStatusLost}}).
		Where(sq.GtOrEq{"closed_at": since.UTC()}).
		OrderBy("closed_at DESC", "id")
	return selectAll(ctx, s, b, "list closed leads", scanLead)
}

// AssignLead sets the lead's rep. Only unassigned leads are updated; a lead
// that is missing or already owned yields ErrNotFound.
func (s *sqlStore) AssignLead(ctx context.Context, leadID, repID string) error {
	b := s.sb.Update("leads").
		Set("assigned_rep_id", repID).
		Where(sq.Eq{"id": leadID, "assigned_rep_id": ""})
	n, err := s.execB(ctx, b, "assign lead")
	if err != nil {
		return err
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "store: assign lead %s", leadID)
	}
	return nil
}

var leadRowColumns = []string{
	"id", "COALESCE(NULLIF(contact_name, ''), company_name)", "deal_owner",
	"crm_status", "sales_stage", "demo_booked", "demo_done", "sale_done",
	"annual_revenue", "last_touched_at", "followup_at", "remarks", "phone",
}

func scanLeadRow(r rowScanner) (model.LeadRow, error) {
	var row model.LeadRow
	err := r.Scan(
		&row.LeadID, &row.LeadName, &row.Owner,
		&row.Status, &row.SalesStage, &row.DemoBooked, &row.DemoDone, &row.SaleDone,
		&row.AnnualRevenue, &row.LastTouchedAt, &row.FollowupAt, &row.Remarks, &row.Phone,
	)
	row.LastTouchedAt = utcPtr(row.LastTouchedAt)
	row.FollowupAt = utcPtr(row.FollowupAt)
	return row, err
}

func (s *sqlStore) ListLeadRows(ctx context.Context) ([]model.LeadRow, error) {
	b := s.sb.Select(leadRowColumns...).From("leads").OrderBy("id")
	return selectAll(ctx, s, b, "list lead rows", scanLeadRow)
}

func (s *sqlStore) UpdateLeadScore(ctx context.Context, lead model.Lead, scoredAt time.Time) error {
	b := s.sb.Update("leads").
		Set("score_label", string(lead.ScoreLabel)).
		Set("score_numeric", lead.ScoreNumeric).
		Set("score_reasoning", lead.ScoreReasoning).
		Set("score_next_action", lead.ScoreNextAction).
		Set("last_scored_at", scoredAt.UTC()).
		Where(sq.Eq{"id": lead.ID})
	n, err := s.execB(ctx, b, "update lead score")
	if err != nil {
		return err
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "store: update lead score %s", lead.ID)
	}
	return nil
}

func (s *sqlStore) MarkLeadResearched(ctx context.Context, leadID string, at time.Time) error {
	b := s.sb.Update("leads").
		Set("has_research", true).
		Set("last_researched_at", at.UTC()).
		Where(sq.Eq{"id": leadID})
	n, err := s.execB(ctx, b, "mark lead researched")
	if err != nil {
		return err
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "store: mark lead researched %s", leadID)
	}
	return nil
}

// syncColumns are the lead columns written by CRM sync. Score and research
// columns belong to the pipelines and are never overwritten.
var syncColumns = []string{
	"id", "external_id", "company_name", "contact_name", "contact_title", "status",
	"deal_value", "source", "region", "industry", "website", "assigned_rep_id",
	"created_at", "last_activity_at", "closed_at",
	"deal_owner", "crm_status", "sales_stage", "demo_booked", "demo_done", "sale_done",
	"annual_revenue", "last_touched_at", "followup_at", "remarks", "phone",
}

// syncUpdateColumns excludes the identity columns so a re-synced lead keeps
// its local id and creation time.
var syncUpdateColumns = without(syncColumns, "id", "external_id", "created_at")

func without(cols []string, drop ...string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if !slices.Contains(drop, c) {
			out = append(out, c)
		}
	}
	return out
}

func syncRows(leads []model.SyncedLead, now func() time.Time) ([][]any, error) {
	rows := make([][]any, 0, len(leads))
	for _, sl := range leads {
		l, c := sl.Lead, sl.CRM
		if l.ExternalID == "" {
			return nil, eris.Errorf("store: upsert lead %q: external id is required", l.CompanyName)
		}
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		rows = append(rows, []any{
			l.ID, l.ExternalID, l.CompanyName, l.ContactName, l.ContactTitle, l.Status,
			l.DealValue, l.Source, l.Region, l.Industry, l.Website, l.AssignedRepID,
			orNow(l.CreatedAt, now), utcPtr(l.LastActivityAt), utcPtr(l.ClosedAt),
			c.Owner, c.Status, c.SalesStage, c.DemoBooked, c.DemoDone, c.SaleDone,
			c.AnnualRevenue, utcPtr(c.LastTouchedAt), utcPtr(c.FollowupAt), c.Remarks, c.Phone,
		})
	}
	return rows, nil
}

func excludedSet(cols []string) string {
	var b []byte
	for i, c := range cols {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, c+" = excluded."+c...)
	}
	return string(b)
}

// UpsertLeads merges leads on external_id, one statement per lead inside a
// single transaction.
func (s *sqlStore) UpsertLeads(ctx context.Context, leads []model.SyncedLead) (int64, error) {
	rows, err := syncRows(leads, s.now)
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	suffix := "ON CONFLICT (external_id) DO UPDATE SET " + excludedSet(syncUpdateColumns)

	var total int64
	err = s.c.inTx(ctx, func(c conn) error {
		tx := s.withConn(c)
		for _, row := range rows {
			b := tx.sb.Insert("leads").Columns(syncColumns...).Values(row...).Suffix(suffix)
			n, err := tx.execB(ctx, b, "upsert lead")
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// LeadIDsByExternal maps CRM ids to local lead ids. Unknown ids are absent
// from the result.
func (s *sqlStore) LeadIDsByExternal(ctx context.Context, externalIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	b := s.sb.Select("external_id", "id").From("leads").Where(sq.Eq{"external_id": externalIDs})
	pairs, err := selectAll(ctx, s, b, "map external lead ids", func(r rowScanner) ([2]string, error) {
		var p [2]string
		err := r.Scan(&p[0], &p[1])
		return p, err
	})
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		out[p[0]] = p[1]
	}
	return out, nil
}

// --- notes, activities, users ---

func scanNote(r rowScanner) (model.Note, error) {
	var n model.Note
	err := r.Scan(&n.ID, &n.LeadID, &n.Content, &n.Source, &n.CreatedBy, &n.CreatedAt)
	n.CreatedAt = n.CreatedAt.UTC()
	return n, err
}

func (s *sqlStore) ListNotesByLeads(ctx context.Context, leadIDs []string) ([]model.Note, error) {
	if len(leadIDs) == 0 {
		return nil, nil
	}
	b := s.sb.Select("id", "lead_id", "content", "source", "created_by", "created_at").
		From("notes").
		Where(sq.Eq{"lead_id": leadIDs}).
		OrderBy("created_at DESC", "id")
	return selectAll(ctx, s, b, "list notes", scanNote)
}

var activityColumns = []string{"id", "lead_id", "user_id", "activity_type", "description", "outcome", "created_at"}

func scanActivity(r rowScanner) (model.Activity, error) {
	var a model.Activity
	err := r.Scan(&a.ID, &a.LeadID, &a.UserID, &a.Type, &a.Description, &a.Outcome, &a.CreatedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, err
}

func (s *sqlStore) ListActivitiesByLeads(ctx context.Context, leadIDs []string) ([]model.Activity, error) {
	if len(leadIDs) == 0 {
		return nil, nil
	}
	b := s.sb.Select(activityColumns...).From("activities").
		Where(sq.Eq{"lead_id": leadIDs}).
		OrderBy("created_at DESC", "id")
	return selectAll(ctx, s, b, "list activities", scanActivity)
}

func (s *sqlStore) ListActivitiesSince(ctx context.Context, since time.Time) ([]model.Activity, error) {
	b := s.sb.Select(activityColumns...).From("activities").
		Where(sq.GtOrEq{"created_at": since.UTC()}).
		OrderBy("created_at DESC", "id")
	return selectAll(ctx, s, b, "list recent activities", scanActivity)
}

// UpsertNotes writes notes keyed by id, replacing content on conflict.
func (s *sqlStore) UpsertNotes(ctx context.Context, notes []model.Note) (int64, error) {
	if len(notes) == 0 {
		return 0, nil
	}
	cols := []string{"id", "lead_id", "content", "source", "created_by", "created_at"}
	suffix := "ON CONFLICT (id) DO UPDATE SET " + excludedSet(cols[2:5])

	var total int64
	err := s.c.inTx(ctx, func(c conn) error {
		tx := s.withConn(c)
		for _, n := range notes {
			b := tx.sb.Insert("notes").Columns(cols...).
				Values(n.ID, n.LeadID, n.Content, n.Source, n.CreatedBy, orNow(n.CreatedAt, s.now)).
				Suffix(suffix)
			affected, err := tx.execB(ctx, b, "upsert note")
			if err != nil {
				return err
			}
			total += affected
		}
		return nil
	})
	return total, err
}

// UpsertActivities writes activities keyed by id and moves each touched
// lead's last_activity_at forward to its newest activity.
func (s *sqlStore) UpsertActivities(ctx context.Context, acts []model.Activity) (int64, error) {
	if len(acts) == 0 {
		return 0, nil
	}
	cols := []string{"id", "lead_id", "user_id", "activity_type", "description", "outcome", "created_at"}
	suffix := "ON CONFLICT (id) DO UPDATE SET " + excludedSet(cols[2:])

	var total int64
	err := s.c.inTx(ctx, func(c conn) error {
		tx := s.withConn(c)
		var leadIDs []string
		for _, a := range acts {
			b := tx.sb.Insert("activities").Columns(cols...).
				Values(a.ID, a.LeadID, a.UserID, a.Type, a.Description, a.Outcome, orNow(a.CreatedAt, s.now)).
				Suffix(suffix)
			affected, err := tx.execB(ctx, b, "upsert activity")
			if err != nil {
				return err
			}
			total += affected
			if !slices.Contains(leadIDs, a.LeadID) {
				leadIDs = append(leadIDs, a.LeadID)
			}
		}

		latest := "(SELECT MAX(a.created_at) FROM activities a WHERE a.lead_id = leads.id)"
		b := tx.sb.Update("leads").
			Set("last_activity_at", sq.Expr(latest)).
			Where(sq.Eq{"id": leadIDs}).
			Where("(last_activity_at IS NULL OR last_activity_at < " + latest + ")")
		_, err := tx.execB(ctx, b, "refresh last activity")
		return err
	})
	return total, err
}

var repColumns = []string{
	"id", "name", "email", "phone", "role", "is_active", "deal_owner_name",
	"telegram_chat_id", "discord_webhook_url",
	"notify_via_telegram", "notify_via_discord", "notify_via_whatsapp", "notify_via_email",
}

func scanRep(r rowScanner) (model.Rep, error) {
	var u model.Rep
	err := r.Scan(
		&u.ID, &u.Name, &u.Email, &u.Phone, &u.Role, &u.Active, &u.DealOwnerName,
		&u.TelegramChatID, &u.DiscordWebhookURL,
		&u.NotifyTelegram, &u.NotifyDiscord, &u.NotifyWhatsApp, &u.NotifyEmail,
	)
	return u, err
}

// ListRepsByRole returns users with any of roles, or every user when roles
// is empty.
func (s *sqlStore) ListRepsByRole(ctx context.Context, roles ...string) ([]model.Rep, error) {
	b := s.sb.Select(repColumns...).From("users").OrderBy("name", "id")
	if len(roles) > 0 {
		b = b.Where(sq.Eq{"role": roles})
	}
	return selectAll(ctx, s, b, "list users", scanRep)
}

func (s *sqlStore) ListRepsByIDs(ctx context.Context, ids []string) ([]model.Rep, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b := s.sb.Select(repColumns...).From("users").Where(sq.Eq{"id": ids}).OrderBy("name", "id")
	return selectAll(ctx, s, b, "list users by id", scanRep)
}

// --- pipeline outputs ---

func (s *sqlStore) InsertDailyBrief(ctx context.Context, brief model.DailyBrief) error {
	if brief.ID == "" {
		brief.ID = uuid.NewString()
	}
	priorities, err := toJSON(nonNilSlice(brief.PriorityList))
	if err != nil {
		return err
	}
	b := s.sb.Insert("daily_briefs").
		Columns("id", "rep_id", "brief_content", "priority_list", "lead_count", "hot_count", "stale_count", "created_at").
		Values(brief.ID, brief.RepID, brief.Content, priorities, brief.LeadCount, brief.HotCount, brief.StaleCount, orNow(brief.CreatedAt, s.now))
	_, err = s.execB(ctx, b, "insert daily brief")
	return err
}

func (s *sqlStore) InsertAnomaly(ctx context.Context, a model.Anomaly) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	b := s.sb.Insert("anomalies").
		Columns("id", "anomaly_type", "severity", "rep_id", "description", "recommendation", "detected_at").
		Values(a.ID, a.Type, a.Severity, a.RepID, a.Description, a.Recommendation, orNow(a.DetectedAt, s.now))
	_, err := s.execB(ctx, b, "insert anomaly")
	return err
}

var researchColumns = []string{
	"lead_id", "requested_by", "web_research", "company_info", "notes_summary",
	"pain_points", "objections", "close_strategy", "talking_points",
	"similar_deals", "errors", "researched_at",
}

// UpsertLeadResearch stores r, replacing any earlier research for the lead.
func (s *sqlStore) UpsertLeadResearch(ctx context.Context, r model.LeadResearch) error {
	var enc [6]string
	for i, v := range []any{
		nonNilMap(r.CompanyInfo), nonNilSlice(r.PainPoints), nonNilSlice(r.Objections),
		nonNilSlice(r.TalkingPoints), nonNilSlice(r.SimilarDeals), nonNilSlice(r.Errors),
	} {
		raw, err := toJSON(v)
		if err != nil {
			return err
		}
		enc[i] = raw
	}
	b := s.sb.Insert("lead_research").
		Columns(researchColumns...).
		Values(
			r.LeadID, r.RequestedBy, r.WebResearch, enc[0], r.NotesSummary,
			enc[1], enc[2], r.CloseStrategy, enc[3],
			enc[4], enc[5], orNow(r.ResearchedAt, s.now),
		).
		Suffix("ON CONFLICT (lead_id) DO UPDATE SET " + excludedSet(researchColumns[1:]))
	_, err := s.execB(ctx, b, "upsert lead research")
	return err
}

func scanResearch(r rowScanner) (model.LeadResearch, error) {
	var lr model.LeadResearch
	var info, pains, objections, points, deals, errs string
	if err := r.Scan(
		&lr.LeadID, &lr.RequestedBy, &lr.WebResearch, &info, &lr.NotesSummary,
		&pains, &objections, &lr.CloseStrategy, &points,
		&deals, &errs, &lr.ResearchedAt,
	); err != nil {
		return lr, err
	}
	lr.ResearchedAt = lr.ResearchedAt.UTC()
	fields := []struct {
		raw string
		dst any
	}{
		{info, &lr.CompanyInfo},
		{pains, &lr.PainPoints},
		{objections, &lr.Objections},
		{points, &lr.TalkingPoints},
		{deals, &lr.SimilarDeals},
		{errs, &lr.Errors},
	}
	for _, f := range fields {
		if err := fromJSON(f.raw, f.dst); err != nil {
			return lr, err
		}
	}
	return lr, nil
}

func (s *sqlStore) GetLeadResearch(ctx context.Context, leadID string) (*model.LeadResearch, error) {
	b := s.sb.Select(researchColumns...).From("lead_research").Where(sq.Eq{"lead_id": leadID})
	return getOne(ctx, s, b, "get lead research", scanResearch)
}

// --- alerts and logs ---

// SaveNewAlerts appends alerts for targetUserID in one transaction, skipping
// any whose (type, title) matches an alert the target has not read yet. It
// returns the inserted alerts with ids and timestamps assigned.
func (s *sqlStore) SaveNewAlerts(ctx context.Context, targetUserID string, alerts []model.Alert) ([]model.Alert, error) {
	out := make([]model.Alert, 0, len(alerts))
	err := s.c.inTx(ctx, func(c conn) error {
		tx := s.withConn(c)
		pending, err := tx.unreadAlertKeys(ctx, targetUserID)
		if err != nil {
			return err
		}
		for _, a := range alerts {
			key := alertKey{a.Type, a.Title}
			if pending[key] {
				continue
			}
			pending[key] = true
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			a.TargetUserID = targetUserID
			a.CreatedAt = orNow(a.CreatedAt, s.now)
			meta, err := toJSON(nonNilMap(a.Metadata))
			if err != nil {
				return err
			}
			ins := tx.sb.Insert("alerts").
				Columns("id", "alert_type", "severity", "title", "message", "target_user_id", "lead_id", "agent_name", "metadata", "created_at").
				Values(a.ID, a.Type, string(a.Severity), a.Title, a.Message, a.TargetUserID, a.LeadID, a.Agent, meta, a.CreatedAt)
			if _, err := tx.execB(ctx, ins, "insert alert"); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type alertKey struct{ typ, title string }

func (s *sqlStore) unreadAlertKeys(ctx context.Context, targetUserID string) (map[alertKey]bool, error) {
	b := s.sb.Select("alert_type", "title").From("alerts").
		Where(sq.Eq{"target_user_id": targetUserID, "read_at": nil})
	keys, err := selectAll(ctx, s, b, "list unread alerts", func(r rowScanner) (alertKey, error) {
		var k alertKey
		err := r.Scan(&k.typ, &k.title)
		return k, err
	})
	if err != nil {
		return nil, err
	}
	set := make(map[alertKey]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set, nil
}

func (s *sqlStore) InsertDeliveryAttempt(ctx context.Context, a model.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	b := s.sb.Insert("alert_delivery_log").
		Columns("id", "alert_id", "user_id", "channel", "status", "reason", "error_message", "created_at").
		Values(a.ID, a.AlertID, a.UserID, a.Channel, string(a.Status), a.Reason, a.Error, orNow(a.CreatedAt, s.now))
	_, err := s.execB(ctx, b, "insert delivery attempt")
	return err
}

func (s *sqlStore) InsertModelCall(ctx context.Context, rec model.ModelCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	b := s.sb.Insert("llm_usage_log").
		Columns("id", "agent_type", "model", "provider", "input_tokens", "output_tokens",
			"cost_usd", "duration_ms", "success", "error_message", "lead_id", "triggered_by", "created_at").
		Values(rec.ID, rec.TaskType, rec.Model, rec.Provider, rec.InputTokens, rec.OutputTokens,
			rec.CostUSD, rec.DurationMs, rec.Success, rec.ErrorMessage, rec.LeadID, rec.TriggeredBy, orNow(rec.CreatedAt, s.now))
	_, err := s.execB(ctx, b, "insert model call")
	return err
}

// --- run ledger ---

var runColumns = []string{
	"id", "pipeline_type", "lead_id", "triggered_by", "started_at", "completed_at",
	"duration_seconds", "counts", "stages", "errors", "success",
}

func (s *sqlStore) InsertRun(ctx context.Context, rec model.RunRecord) error {
	counts, err := toJSON(nonNilMap(rec.Counts))
	if err != nil {
		return err
	}
	stages, err := toJSON(nonNilSlice(rec.Stages))
	if err != nil {
		return err
	}
	errs, err := toJSON(nonNilSlice(rec.Errors))
	if err != nil {
		return err
	}
	b := s.sb.Insert("pipeline_runs").
		Columns(runColumns...).
		Values(rec.ID, string(rec.PipelineType), rec.LeadID, rec.TriggeredBy,
			rec.StartedAt.UTC(), rec.CompletedAt.UTC(), rec.DurationSeconds,
			counts, stages, errs, rec.Success)
	_, err = s.execB(ctx, b, "insert run")
	return err
}

func scanRun(r rowScanner) (model.RunRecord, error) {
	var rec model.RunRecord
	var pipelineType, counts, stages, errs string
	if err := r.Scan(
		&rec.ID, &pipelineType, &rec.LeadID, &rec.TriggeredBy, &rec.StartedAt, &rec.CompletedAt,
		&rec.DurationSeconds, &counts, &stages, &errs, &rec.Success,
	); err != nil {
		return rec, err
	}
	rec.PipelineType = model.PipelineType(pipelineType)
	rec.StartedAt = rec.StartedAt.UTC()
	rec.CompletedAt = rec.CompletedAt.UTC()
	if err := fromJSON(counts, &rec.Counts); err != nil {
		return rec, err
	}
	if err := fromJSON(stages, &rec.Stages); err != nil {
		return rec, err
	}
	if err := fromJSON(errs, &rec.Errors); err != nil {
		return rec, err
	}
	if rec.Errors == nil {
		rec.Errors = []string{}
	}
	return rec, nil
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	b := s.sb.Select(runColumns...).From("pipeline_runs").Where(sq.Eq{"id": id})
	return getOne(ctx, s, b, "get run", scanRun)
}

// LatestRun returns the newest run of the given type, or nil when none exists.
func (s *sqlStore) LatestRun(ctx context.Context, pipelineType model.PipelineType) (*model.RunRecord, error) {
	b := s.sb.Select(runColumns...).From("pipeline_runs").
		Where(sq.Eq{"pipeline_type": string(pipelineType)}).
		OrderBy("started_at DESC").
		Limit(1)
	rec, err := getOne(ctx, s, b, "latest run", scanRun)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (s *sqlStore) ListRuns(ctx context.Context, f ledger.Filter) ([]model.RunRecord, error) {
	b := s.sb.Select(runColumns...).From("pipeline_runs").OrderBy("started_at DESC", "id")
	if f.PipelineType != "" {
		b = b.Where(sq.Eq{"pipeline_type": string(f.PipelineType)})
	}
	if f.LeadID != "" {
		b = b.Where(sq.Eq{"lead_id": f.LeadID})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"started_at": f.Since.UTC()})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	return selectAll(ctx, s, b, "list runs", scanRun)
}

// --- sync state ---

// GetSyncState returns the watermark for source, or nil before the first sync.
func (s *sqlStore) GetSyncState(ctx context.Context, source string) (*model.SyncState, error) {
	b := s.sb.Select("source", "watermark", "last_run_at", "records").
		From("sync_state").
		Where(sq.Eq{"source": source})
	st, err := getOne(ctx, s, b, "get sync state", func(r rowScanner) (model.SyncState, error) {
		var st model.SyncState
		err := r.Scan(&st.Source, &st.Watermark, &st.LastRunAt, &st.Records)
		st.Watermark = st.Watermark.UTC()
		st.LastRunAt = st.LastRunAt.UTC()
		return st, err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return st, err
}

func (s *sqlStore) SetSyncState(ctx context.Context, st model.SyncState) error {
	b := s.sb.Insert("sync_state").
		Columns("source", "watermark", "last_run_at", "records").
		Values(st.Source, st.Watermark.UTC(), orNow(st.LastRunAt, s.now), st.Records).
		Suffix("ON CONFLICT (source) DO UPDATE SET " + excludedSet([]string{"watermark", "last_run_at", "records"}))
	_, err := s.execB(ctx, b, "set sync state")
	return err
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}
