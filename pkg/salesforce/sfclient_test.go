package salesforce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	gosf "github.com/k-capehart/go-salesforce/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSFClient creates an sfClient backed by an httptest server.
func newTestSFClient(t *testing.T, handler http.Handler) Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	sf, err := gosf.Init(gosf.Creds{
		AccessToken: "test-token",
		Domain:      ts.URL,
	},
		gosf.WithValidateAuthentication(false),
		gosf.WithRoundTripper(http.DefaultTransport),
	)
	require.NoError(t, err)
	require.NotNil(t, sf)

	return NewClient(sf)
}

func TestSFClient_QueryLeads(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/query")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"totalSize": 1,
			"done":      true,
			"records": []map[string]any{
				{
					"attributes":       map[string]any{"type": "Lead"},
					"Id":               "00Q1",
					"FirstName":        "Priya",
					"LastName":         "Shah",
					"Company":          "Acme Builders",
					"Status":           "Working - Contacted",
					"Owner":            map[string]any{"Name": "Asha Rao"},
					"LastModifiedDate": "2026-03-09T10:00:00.000+0000",
				},
			},
		})
	})

	client := newTestSFClient(t, handler)

	var leads []Lead
	err := client.Query(context.Background(), "SELECT Id, Company FROM Lead", &leads)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "00Q1", leads[0].ID)
	assert.Equal(t, "Acme Builders", leads[0].Company)
	assert.Equal(t, "Priya Shah", leads[0].FullName())
	require.NotNil(t, leads[0].Owner)
	assert.Equal(t, "Asha Rao", leads[0].Owner.Name)
}

func TestSFClient_Query_Error(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "invalid SOQL", "errorCode": "MALFORMED_QUERY"},
		})
	})

	client := newTestSFClient(t, handler)

	var leads []Lead
	err := client.Query(context.Background(), "INVALID SOQL", &leads)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sf: query")
}

func TestSFClient_Update(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Records []map[string]any `json:"records"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if assert.Len(t, body.Records, 2) {
			assert.Equal(t, "00Q1", body.Records[0]["Id"])
			assert.EqualValues(t, 135, body.Records[1]["AI_Score__c"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": "00Q1", "success": true, "errors": []any{}},
			{"id": "00Q2", "success": true, "errors": []any{}},
		})
	})

	client := newTestSFClient(t, handler)

	results, err := client.Update(context.Background(), "Lead", []Record{
		{ID: "00Q1", Fields: map[string]any{"AI_Score__c": 80}},
		{ID: "00Q2", Fields: map[string]any{"AI_Score__c": 135}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err())
	assert.Equal(t, "00Q2", results[1].ID)
}

func TestSFClient_Update_Error(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "batch error"},
		})
	})

	client := newTestSFClient(t, handler)

	_, err := client.Update(context.Background(), "Lead", []Record{
		{ID: "00Q1", Fields: map[string]any{"AI_Score__c": 80}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: update Lead")
}

func TestSFClient_Describe_Cached(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Contains(t, r.URL.Path, "/sobjects/Lead/describe")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name": "Lead",
			"fields": []map[string]any{
				{"name": "Id", "type": "id", "updateable": false},
				{"name": "AI_Score__c", "type": "double", "updateable": true},
			},
		})
	})

	client := newTestSFClient(t, handler)

	for range 2 {
		desc, err := client.Describe(context.Background(), "Lead")
		require.NoError(t, err)
		assert.Equal(t, "Lead", desc.Name)
		assert.True(t, desc.Updateable("AI_Score__c"))
		assert.False(t, desc.Updateable("Id"))
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestSFClient_Describe_Error(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "sobject not found", "errorCode": "NOT_FOUND"},
		})
	})

	client := newTestSFClient(t, handler)

	_, err := client.Describe(context.Background(), "NonExistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: describe NonExistent")
}
