package salesforce

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Lead represents a Salesforce Lead record. Date-time fields stay in the
// API's string form; ParseTime converts them.
type Lead struct {
	ID               string  `json:"Id" salesforce:"Id"`
	FirstName        string  `json:"FirstName" salesforce:"FirstName"`
	LastName         string  `json:"LastName" salesforce:"LastName"`
	Company          string  `json:"Company" salesforce:"Company"`
	Title            string  `json:"Title" salesforce:"Title"`
	Status           string  `json:"Status" salesforce:"Status"`
	Industry         string  `json:"Industry" salesforce:"Industry"`
	LeadSource       string  `json:"LeadSource" salesforce:"LeadSource"`
	Website          string  `json:"Website" salesforce:"Website"`
	Phone            string  `json:"Phone" salesforce:"Phone"`
	City             string  `json:"City" salesforce:"City"`
	State            string  `json:"State" salesforce:"State"`
	AnnualRevenue    float64 `json:"AnnualRevenue" salesforce:"AnnualRevenue"`
	IsConverted      bool    `json:"IsConverted" salesforce:"IsConverted"`
	Owner            *Owner  `json:"Owner" salesforce:"Owner"`
	CreatedDate      string  `json:"CreatedDate" salesforce:"CreatedDate"`
	LastModifiedDate string  `json:"LastModifiedDate" salesforce:"LastModifiedDate"`
	LastActivityDate string  `json:"LastActivityDate" salesforce:"LastActivityDate"`

	// Org-specific custom fields. Missing ones are left out of the query.
	DealValue    float64 `json:"Deal_Value__c" salesforce:"Deal_Value__c"`
	SalesStage   string  `json:"Sales_Stage__c" salesforce:"Sales_Stage__c"`
	DemoBooked   bool    `json:"Demo_Booked__c" salesforce:"Demo_Booked__c"`
	DemoDone     bool    `json:"Demo_Done__c" salesforce:"Demo_Done__c"`
	SaleDone     bool    `json:"Sale_Done__c" salesforce:"Sale_Done__c"`
	LastTouched  string  `json:"Last_Touched__c" salesforce:"Last_Touched__c"`
	FollowupDate string  `json:"Followup_Date__c" salesforce:"Followup_Date__c"`
	Remarks      string  `json:"Remarks__c" salesforce:"Remarks__c"`
}

// Owner is the related User of a record.
type Owner struct {
	Name string `json:"Name" salesforce:"Name"`
}

// FullName joins first and last name.
func (l Lead) FullName() string {
	return strings.TrimSpace(l.FirstName + " " + l.LastName)
}

// Note represents a Salesforce Note attached to a lead.
type Note struct {
	ID               string `json:"Id" salesforce:"Id"`
	ParentID         string `json:"ParentId" salesforce:"ParentId"`
	Title            string `json:"Title" salesforce:"Title"`
	Body             string `json:"Body" salesforce:"Body"`
	Owner            *Owner `json:"Owner" salesforce:"Owner"`
	CreatedDate      string `json:"CreatedDate" salesforce:"CreatedDate"`
	LastModifiedDate string `json:"LastModifiedDate" salesforce:"LastModifiedDate"`
}

// Task represents a Salesforce Task (call, email or generic task) on a lead.
type Task struct {
	ID               string `json:"Id" salesforce:"Id"`
	WhoID            string `json:"WhoId" salesforce:"WhoId"`
	Subject          string `json:"Subject" salesforce:"Subject"`
	Description      string `json:"Description" salesforce:"Description"`
	TaskSubtype      string `json:"TaskSubtype" salesforce:"TaskSubtype"`
	CallDisposition  string `json:"CallDisposition" salesforce:"CallDisposition"`
	Status           string `json:"Status" salesforce:"Status"`
	Owner            *Owner `json:"Owner" salesforce:"Owner"`
	ActivityDate     string `json:"ActivityDate" salesforce:"ActivityDate"`
	CreatedDate      string `json:"CreatedDate" salesforce:"CreatedDate"`
	LastModifiedDate string `json:"LastModifiedDate" salesforce:"LastModifiedDate"`
}

// leadStandardFields are selected for every Lead query.
var leadStandardFields = []string{
	"Id", "FirstName", "LastName", "Company", "Title", "Status", "Industry",
	"LeadSource", "Website", "Phone", "City", "State", "AnnualRevenue",
	"IsConverted", "Owner.Name", "CreatedDate", "LastModifiedDate", "LastActivityDate",
}

// leadCustomFields are selected only when the org defines them.
var leadCustomFields = []string{
	"Deal_Value__c", "Sales_Stage__c", "Demo_Booked__c", "Demo_Done__c",
	"Sale_Done__c", "Last_Touched__c", "Followup_Date__c", "Remarks__c",
}

var noteFields = []string{"Id", "ParentId", "Title", "Body", "Owner.Name", "CreatedDate", "LastModifiedDate"}

var taskFields = []string{
	"Id", "WhoId", "Subject", "Description", "TaskSubtype", "CallDisposition",
	"Status", "Owner.Name", "ActivityDate", "CreatedDate", "LastModifiedDate",
}

// LeadFields returns the Lead fields to select: the standard set plus the
// custom fields present in desc. A nil desc selects standard fields only.
func LeadFields(desc *Description) []string {
	fields := slices.Clone(leadStandardFields)
	for _, name := range leadCustomFields {
		if desc.Has(name) {
			fields = append(fields, name)
		}
	}
	return fields
}

// QueryLeads returns leads modified after since, oldest change first. A
// zero since returns every lead.
func QueryLeads(ctx context.Context, c Client, fields []string, since time.Time) ([]Lead, error) {
	var leads []Lead
	if err := c.Query(ctx, deltaSOQL("Lead", fields, "", since), &leads); err != nil {
		return nil, eris.Wrap(err, "sf: query leads")
	}
	return leads, nil
}

// QueryNotes returns notes on leads modified after since.
func QueryNotes(ctx context.Context, c Client, since time.Time) ([]Note, error) {
	var notes []Note
	if err := c.Query(ctx, deltaSOQL("Note", noteFields, "Parent.Type = 'Lead'", since), &notes); err != nil {
		return nil, eris.Wrap(err, "sf: query notes")
	}
	return notes, nil
}

// QueryTasks returns tasks on leads modified after since.
func QueryTasks(ctx context.Context, c Client, since time.Time) ([]Task, error) {
	var tasks []Task
	if err := c.Query(ctx, deltaSOQL("Task", taskFields, "Who.Type = 'Lead'", since), &tasks); err != nil {
		return nil, eris.Wrap(err, "sf: query tasks")
	}
	return tasks, nil
}

func deltaSOQL(object string, fields []string, filter string, since time.Time) string {
	var where []string
	if filter != "" {
		where = append(where, filter)
	}
	if !since.IsZero() {
		// SOQL datetime literals are unquoted.
		where = append(where, "LastModifiedDate > "+since.UTC().Format("2006-01-02T15:04:05Z"))
	}
	soql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(fields, ", "), object)
	if len(where) > 0 {
		soql += " WHERE " + strings.Join(where, " AND ")
	}
	return soql + " ORDER BY LastModifiedDate ASC"
}

var timeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339Nano,
	"2006-01-02",
}

// ParseTime parses a Salesforce date or date-time value. Empty or
// unparseable input yields nil.
func ParseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
