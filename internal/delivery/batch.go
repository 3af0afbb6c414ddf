package delivery

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/onsite-teams/salesintel/internal/model"
)

// batchConcurrency bounds how many recipients are served at once.
const batchConcurrency = 4

// Report summarizes delivery of a set of alerts.
type Report struct {
	Delivered    int                `json:"delivered"`
	UsersReached []string           `json:"users_reached"`
	Errors       []string           `json:"errors"`
	Outcomes     map[string]Outcome `json:"outcomes,omitempty"`
}

// Merge combines two reports. A user reached by both is listed once.
func (r Report) Merge(o Report) Report {
	out := Report{
		Delivered:    r.Delivered + o.Delivered,
		UsersReached: slices.Clone(r.UsersReached),
		Errors:       append(slices.Clone(r.Errors), o.Errors...),
	}
	for _, id := range o.UsersReached {
		if !slices.Contains(out.UsersReached, id) {
			out.UsersReached = append(out.UsersReached, id)
		}
	}
	if len(r.Outcomes)+len(o.Outcomes) > 0 {
		out.Outcomes = make(map[string]Outcome, len(r.Outcomes)+len(o.Outcomes))
		maps.Copy(out.Outcomes, r.Outcomes)
		maps.Copy(out.Outcomes, o.Outcomes)
	}
	if out.UsersReached == nil {
		out.UsersReached = []string{}
	}
	if out.Errors == nil {
		out.Errors = []string{}
	}
	return out
}

func (s *Service) lookup(ctx context.Context, ids []string) (map[string]model.Rep, error) {
	if s.recipients == nil {
		return nil, eris.New("delivery: no recipient source")
	}
	reps, err := s.recipients.ListRepsByIDs(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "delivery: load recipients")
	}
	byID := make(map[string]model.Rep, len(reps))
	for _, r := range reps {
		byID[r.ID] = r
	}
	return byID, nil
}

// DeliverAll sends each alert individually to its target recipient.
// Delivered counts alerts that reached at least one channel.
func (s *Service) DeliverAll(ctx context.Context, alerts []model.Alert) Report {
	rep := Report{UsersReached: []string{}, Errors: []string{}}
	if len(alerts) == 0 {
		return rep
	}

	byID, err := s.lookup(ctx, uniqueTargets(alerts))
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		return rep
	}

	reached := make(map[string]bool)
	for _, a := range alerts {
		r, ok := byID[a.TargetUserID]
		if !ok {
			rep.Errors = append(rep.Errors, fmt.Sprintf("user %s not found for alert", a.TargetUserID))
			continue
		}
		out := s.Deliver(ctx, a, r)
		if out.Delivered {
			rep.Delivered++
			if !reached[r.ID] {
				reached[r.ID] = true
				rep.UsersReached = append(rep.UsersReached, r.ID)
			}
		}
		rep.Errors = append(rep.Errors, failures(out, who(r))...)
	}

	zap.L().Info("alert delivery",
		zap.Int("alerts", len(alerts)),
		zap.Int("users_reached", len(rep.UsersReached)),
		zap.Int("errors", len(rep.Errors)),
	)
	return rep
}

// DeliverBatch merges alerts per recipient into one summary message and
// sends it once per recipient. Delivered counts recipients reached.
func (s *Service) DeliverBatch(ctx context.Context, alerts []model.Alert) Report {
	rep := Report{UsersReached: []string{}, Errors: []string{}, Outcomes: map[string]Outcome{}}
	if len(alerts) == 0 {
		return rep
	}

	order, groups := groupByRecipient(alerts)
	if len(order) == 0 {
		return rep
	}
	byID, err := s.lookup(ctx, order)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		return rep
	}

	outcomes := make([]*Outcome, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, uid := range order {
		r, ok := byID[uid]
		if !ok {
			continue
		}
		g.Go(func() error {
			text := FormatBatch(groups[uid], s.maxItems, s.batchLimit(r))
			out := s.send(gctx, "", r, messageFor("Smart Alerts Summary", text))
			outcomes[i] = &out
			return nil
		})
	}
	_ = g.Wait()

	for i, uid := range order {
		out := outcomes[i]
		if out == nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("user %s not found for alert", uid))
			continue
		}
		rep.Outcomes[uid] = *out
		if out.Delivered {
			rep.Delivered++
			rep.UsersReached = append(rep.UsersReached, uid)
		}
		rep.Errors = append(rep.Errors, failures(*out, who(byID[uid]))...)
	}

	zap.L().Info("batched alert delivery",
		zap.Int("alerts", len(alerts)),
		zap.Int("users_reached", len(rep.UsersReached)),
		zap.Int("errors", len(rep.Errors)),
	)
	return rep
}

// batchLimit is the tightest text limit among the rep's enabled channels.
func (s *Service) batchLimit(r model.Rep) int {
	limit := 0
	for _, ch := range model.ChannelOrder {
		snd, ok := s.senders[ch]
		if !ok {
			continue
		}
		if enabled, _, _ := target(r, ch); !enabled {
			continue
		}
		if n := snd.MaxLen(); limit == 0 || n < limit {
			limit = n
		}
	}
	return limit
}

func groupByRecipient(alerts []model.Alert) ([]string, map[string][]model.Alert) {
	var order []string
	groups := make(map[string][]model.Alert)
	for _, a := range alerts {
		uid := a.TargetUserID
		if uid == "" {
			continue
		}
		if _, ok := groups[uid]; !ok {
			order = append(order, uid)
		}
		groups[uid] = append(groups[uid], a)
	}
	return order, groups
}

func uniqueTargets(alerts []model.Alert) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, a := range alerts {
		if a.TargetUserID != "" && !seen[a.TargetUserID] {
			seen[a.TargetUserID] = true
			ids = append(ids, a.TargetUserID)
		}
	}
	return ids
}

func who(r model.Rep) string {
	if r.Email != "" {
		return r.Email
	}
	return r.ID
}
