package alerts

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/delivery"
	"github.com/onsite-teams/salesintel/internal/metrics"
	"github.com/onsite-teams/salesintel/internal/model"
)

// Store is the persistence the runner needs.
type Store interface {
	ListLeadRows(ctx context.Context) ([]model.LeadRow, error)
	ListRepsByRole(ctx context.Context, roles ...string) ([]model.Rep, error)
	// SaveNewAlerts appends the alerts the target has no unread copy of and
	// returns those, with ids assigned.
	SaveNewAlerts(ctx context.Context, targetUserID string, alerts []model.Alert) ([]model.Alert, error)
}

// Deliverer sends alerts one by one or as per-recipient summaries.
type Deliverer interface {
	DeliverAll(ctx context.Context, alerts []model.Alert) delivery.Report
	DeliverBatch(ctx context.Context, alerts []model.Alert) delivery.Report
}

// Summary reports one evaluation cycle.
type Summary struct {
	Rows      int             `json:"rows"`
	Generated int             `json:"generated"`
	Saved     int             `json:"saved"`
	Targets   []string        `json:"targets"`
	Delivery  delivery.Report `json:"delivery"`
}

// Runner evaluates the rules over current CRM rows, stores the new alerts
// and delivers them. Critical alerts go out individually; the rest are
// merged into one summary per recipient.
type Runner struct {
	store   Store
	deliver Deliverer
	th      Thresholds
	target  string
	now     func() time.Time
}

// NewRunner creates a Runner. With an empty target the alerts go to every
// active manager and founder.
func NewRunner(store Store, deliver Deliverer, th Thresholds, target string) *Runner {
	return &Runner{store: store, deliver: deliver, th: th, target: target, now: time.Now}
}

// Run executes one cycle. Store failures abort the cycle; delivery failures
// are reported in the summary.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	log := zap.L().With(zap.String("component", "alerts"))

	rows, err := r.store.ListLeadRows(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "alerts: list lead rows")
	}
	sum := &Summary{Rows: len(rows), Targets: []string{}}
	if len(rows) == 0 {
		log.Info("no lead rows to evaluate")
		return sum, nil
	}

	targets, err := r.targets(ctx)
	if err != nil {
		return nil, err
	}
	sum.Targets = targets

	snap := Aggregate(rows, r.now().UTC(), r.th)
	var all []model.Alert
	for _, t := range targets {
		generated := NewEngine(r.th, t).Evaluate(snap)
		sum.Generated += len(generated)
		for _, a := range generated {
			metrics.AlertsRaised.WithLabelValues(a.Type, string(a.Severity)).Inc()
		}

		saved, err := r.store.SaveNewAlerts(ctx, t, generated)
		if err != nil {
			log.Warn("save alerts failed", zap.String("target", t), zap.Error(err))
			saved = generated
		} else {
			sum.Saved += len(saved)
		}
		all = append(all, saved...)
	}

	if r.deliver != nil && len(all) > 0 {
		sum.Delivery = r.dispatch(ctx, all)
	}

	log.Info("smart alerts evaluated",
		zap.Int("rows", sum.Rows),
		zap.Int("generated", sum.Generated),
		zap.Int("saved", sum.Saved),
		zap.Int("users_reached", len(sum.Delivery.UsersReached)),
	)
	return sum, nil
}

func (r *Runner) dispatch(ctx context.Context, all []model.Alert) delivery.Report {
	var urgent, rest []model.Alert
	for _, a := range all {
		if a.Severity == model.SeverityCritical {
			urgent = append(urgent, a)
		} else {
			rest = append(rest, a)
		}
	}
	var rep delivery.Report
	if len(urgent) > 0 {
		rep = rep.Merge(r.deliver.DeliverAll(ctx, urgent))
	}
	if len(rest) > 0 {
		rep = rep.Merge(r.deliver.DeliverBatch(ctx, rest))
	}
	return rep
}

func (r *Runner) targets(ctx context.Context) ([]string, error) {
	if r.target != "" {
		return []string{r.target}, nil
	}
	reps, err := r.store.ListRepsByRole(ctx, model.RoleManager, model.RoleFounder)
	if err != nil {
		return nil, eris.Wrap(err, "alerts: list managers")
	}
	var ids []string
	for _, rep := range reps {
		if rep.Active {
			ids = append(ids, rep.ID)
		}
	}
	if len(ids) == 0 {
		return nil, eris.New("alerts: no target recipient (set alerts.target_user_id or add an active manager)")
	}
	return ids, nil
}
