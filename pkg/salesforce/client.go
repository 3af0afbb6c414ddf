// Package salesforce provides JWT-authenticated REST API access to the
// Salesforce Lead, Note and Task objects used by CRM sync.
package salesforce

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client is the slice of the Salesforce REST API that CRM sync needs.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
	Update(ctx context.Context, object string, records []Record) ([]Result, error)
	Describe(ctx context.Context, object string) (*Description, error)
}

// Record is one row of a collection update: the record ID and the fields to set.
type Record struct {
	ID     string
	Fields map[string]any
}

// Result is the per-record outcome of a collection update.
type Result struct {
	ID      string   `json:"id"`
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
}

// Err returns the record's failure as an error, or nil when it succeeded.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if len(r.Errors) == 0 {
		return eris.Errorf("sf: record %s not updated", r.ID)
	}
	return eris.Errorf("sf: record %s: %s", r.ID, strings.Join(r.Errors, "; "))
}

// Field is the describe metadata CRM sync looks at.
type Field struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Updateable bool   `json:"updateable"`
}

// Description is the describe result for one object.
type Description struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Has reports whether the object defines the named field. Safe on nil.
func (d *Description) Has(name string) bool {
	_, ok := d.field(name)
	return ok
}

// Updateable reports whether the named field exists and accepts writes.
func (d *Description) Updateable(name string) bool {
	f, ok := d.field(name)
	return ok && f.Updateable
}

func (d *Description) field(name string) (Field, bool) {
	if d == nil {
		return Field{}, false
	}
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Option configures the client returned by NewClient.
type Option func(*sfClient)

// WithRateLimit caps API calls per second. Burst is the integer part of
// rps, at least 1. Non-positive values leave the client unthrottled.
func WithRateLimit(rps float64) Option {
	return func(c *sfClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithDescribeTTL sets how long describe results are reused. Zero disables
// the cache.
func WithDescribeTTL(d time.Duration) Option {
	return func(c *sfClient) {
		c.describeTTL = d
	}
}

const defaultDescribeTTL = time.Hour

type cachedDescription struct {
	desc    *Description
	fetched time.Time
}

// sfClient wraps go-salesforce. The library takes no context, so ctx only
// bounds the rate limiter wait.
type sfClient struct {
	sf          *salesforce.Salesforce
	limiter     *rate.Limiter
	describeTTL time.Duration
	now         func() time.Time

	mu        sync.Mutex
	described map[string]cachedDescription
}

// NewClient wraps an initialised go-salesforce session.
func NewClient(sf *salesforce.Salesforce, opts ...Option) Client {
	c := &sfClient{
		sf:          sf,
		describeTTL: defaultDescribeTTL,
		now:         time.Now,
		described:   make(map[string]cachedDescription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *sfClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "sf: rate limit")
	}
	return nil
}

func (c *sfClient) Query(ctx context.Context, soql string, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.sf.Query(soql, out); err != nil {
		return eris.Wrap(err, "sf: query")
	}
	return nil
}

func (c *sfClient) Update(ctx context.Context, object string, records []Record) ([]Result, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	rows := make([]map[string]any, len(records))
	for i, rec := range records {
		row := make(map[string]any, len(rec.Fields)+1)
		for k, v := range rec.Fields {
			row[k] = v
		}
		row["Id"] = rec.ID
		rows[i] = row
	}

	res, err := c.sf.UpdateCollection(object, rows, maxBatchSize)
	if err != nil {
		return nil, eris.Wrapf(err, "sf: update %s", object)
	}

	out := make([]Result, len(res.Results))
	for i, r := range res.Results {
		out[i] = Result{ID: r.Id, Success: r.Success}
		for _, e := range r.Errors {
			out[i].Errors = append(out[i].Errors, e.Message)
		}
	}
	return out, nil
}

func (c *sfClient) Describe(ctx context.Context, object string) (*Description, error) {
	if desc, ok := c.cached(object); ok {
		return desc, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.sf.DoRequest(http.MethodGet, "/sobjects/"+object+"/describe", nil)
	if err != nil {
		return nil, eris.Wrapf(err, "sf: describe %s", object)
	}
	defer resp.Body.Close() //nolint:errcheck

	var desc Description
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, eris.Wrapf(err, "sf: decode describe %s", object)
	}

	if c.describeTTL > 0 {
		c.mu.Lock()
		c.described[object] = cachedDescription{desc: &desc, fetched: c.now()}
		c.mu.Unlock()
	}
	return &desc, nil
}

func (c *sfClient) cached(object string) (*Description, bool) {
	if c.describeTTL <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.described[object]
	if !ok || c.now().Sub(e.fetched) >= c.describeTTL {
		return nil, false
	}
	return e.desc, true
}
