package salesforce

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
)

// maxBatchSize is the Collections API limit per request.
const maxBatchSize = 200

// UpdateLeads sends lead updates in batches of maxBatchSize. When a batch
// fails, the results of the batches before it are returned with the error.
func UpdateLeads(ctx context.Context, c Client, records []Record) ([]Result, error) {
	if len(records) == 0 {
		return nil, nil
	}

	var all []Result
	for batch := range slices.Chunk(records, maxBatchSize) {
		results, err := c.Update(ctx, "Lead", batch)
		if err != nil {
			return all, eris.Wrapf(err, "sf: update leads %d-%d", len(all), len(all)+len(batch))
		}
		all = append(all, results...)
	}
	return all, nil
}
