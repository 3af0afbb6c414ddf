package model

import "time"

// SyncedLead is a lead as imported from the CRM: the pipeline fields plus
// the CRM-only columns the alert rules read. Lead.ExternalID is the merge key.
type SyncedLead struct {
	Lead Lead
	CRM  LeadRow
}

// SyncState is the persisted watermark of one CRM source.
type SyncState struct {
	Source    string    `json:"source"`
	Watermark time.Time `json:"watermark"`
	LastRunAt time.Time `json:"last_run_at"`
	Records   int       `json:"records"`
}
