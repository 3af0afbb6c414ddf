package crmsync

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/pkg/salesforce"
)

// Lead custom fields that receive the AI score.
const (
	FieldScore      = "AI_Score__c"
	FieldScoreLabel = "AI_Score_Label__c"
	FieldNextAction = "AI_Next_Action__c"
)

// PushResult summarises one PushScores call.
type PushResult struct {
	Attempted int      `json:"attempted"`
	Updated   int      `json:"updated"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// PushScores writes the current score of every scored open lead that came
// from Salesforce back onto the CRM record. Only the score fields the org
// defines as updateable are sent; when none exist the push is a no-op.
func (s *Syncer) PushScores(ctx context.Context) (PushResult, error) {
	var res PushResult

	desc, err := s.sf.Describe(ctx, "Lead")
	if err != nil {
		return res, eris.Wrap(err, "crmsync: describe Lead")
	}
	writable := map[string]bool{}
	for _, name := range []string{FieldScore, FieldScoreLabel, FieldNextAction} {
		writable[name] = desc.Updateable(name)
	}
	if !writable[FieldScore] && !writable[FieldScoreLabel] && !writable[FieldNextAction] {
		zap.L().Info("crmsync: no writable score fields on Lead, skipping push")
		return res, nil
	}

	leads, err := s.store.ListOpenLeads(ctx)
	if err != nil {
		return res, eris.Wrap(err, "crmsync: list open leads")
	}

	var updates []salesforce.Record
	for _, l := range leads {
		if l.ExternalID == "" || l.LastScoredAt == nil {
			continue
		}
		fields := map[string]any{}
		if writable[FieldScore] {
			fields[FieldScore] = l.ScoreNumeric
		}
		if writable[FieldScoreLabel] {
			fields[FieldScoreLabel] = string(l.ScoreLabel)
		}
		if writable[FieldNextAction] {
			fields[FieldNextAction] = truncate(l.ScoreNextAction, 255)
		}
		updates = append(updates, salesforce.Record{ID: l.ExternalID, Fields: fields})
	}
	res.Attempted = len(updates)

	results, err := salesforce.UpdateLeads(ctx, s.sf, updates)
	for _, r := range results {
		if r.Success {
			res.Updated++
			continue
		}
		res.Failed++
		for _, e := range r.Errors {
			res.Errors = append(res.Errors, r.ID+": "+e)
		}
	}
	if err != nil {
		return res, eris.Wrap(err, "crmsync: push scores")
	}

	zap.L().Info("crmsync: scores pushed",
		zap.Int("attempted", res.Attempted),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
