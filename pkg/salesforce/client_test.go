package salesforce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type mockClient struct {
	queryFn    func(ctx context.Context, soql string, out any) error
	updateFn   func(ctx context.Context, object string, records []Record) ([]Result, error)
	describeFn func(ctx context.Context, object string) (*Description, error)
}

var _ Client = (*mockClient)(nil)

func (m *mockClient) Query(ctx context.Context, soql string, out any) error {
	if m.queryFn != nil {
		return m.queryFn(ctx, soql, out)
	}
	return nil
}

func (m *mockClient) Update(ctx context.Context, object string, records []Record) ([]Result, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, object, records)
	}
	results := make([]Result, len(records))
	for i, r := range records {
		results[i] = Result{ID: r.ID, Success: true}
	}
	return results, nil
}

func (m *mockClient) Describe(ctx context.Context, object string) (*Description, error) {
	if m.describeFn != nil {
		return m.describeFn(ctx, object)
	}
	return &Description{Name: object}, nil
}

func TestWithRateLimit(t *testing.T) {
	tests := []struct {
		name  string
		rps   float64
		burst int
	}{
		{"whole rate", 10, 10},
		{"fractional rate", 0.5, 1},
		{"zero disables", 0, 0},
		{"negative disables", -5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(nil, WithRateLimit(tt.rps)).(*sfClient)
			if tt.burst == 0 {
				assert.Nil(t, c.limiter)
				return
			}
			require.NotNil(t, c.limiter)
			assert.Equal(t, rate.Limit(tt.rps), c.limiter.Limit())
			assert.Equal(t, tt.burst, c.limiter.Burst())
		})
	}
}

func TestWait_CancelledContext(t *testing.T) {
	c := &sfClient{limiter: rate.NewLimiter(rate.Every(time.Hour), 0)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: rate limit")
}

func TestDescribeCache_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	c := NewClient(nil, WithDescribeTTL(time.Hour)).(*sfClient)
	c.now = func() time.Time { return now }
	c.described["Lead"] = cachedDescription{desc: &Description{Name: "Lead"}, fetched: now}

	desc, ok := c.cached("Lead")
	require.True(t, ok)
	assert.Equal(t, "Lead", desc.Name)

	now = now.Add(time.Hour)
	_, ok = c.cached("Lead")
	assert.False(t, ok)

	_, ok = c.cached("Task")
	assert.False(t, ok)
}

func TestDescribeCache_Disabled(t *testing.T) {
	c := NewClient(nil, WithDescribeTTL(0)).(*sfClient)
	c.described["Lead"] = cachedDescription{desc: &Description{}, fetched: time.Now()}
	_, ok := c.cached("Lead")
	assert.False(t, ok)
}
