package batchqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/errs"
	"github.com/ibs-source/inference-engine/internal/ports"
)

type batchRequestEnvelope struct {
	Requests []interface{} `json:"requests"`
}

type batchResultEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type batchResponseEnvelope struct {
	Results []batchResultEnvelope `json:"results"`
}

// callBatch issues a single batch_<method> request and maps the runtime's
// per-entry {success, result|error} envelope into domain.BatchResult
// values, preserving index order (§8 round-trip invariant).
func callBatch(ctx context.Context, transport ports.RuntimeTransport, method string, params []interface{}) ([]domain.BatchResult, error) {
	raw, err := transport.Request(ctx, "batch_"+method, batchRequestEnvelope{Requests: params})
	if err != nil {
		return nil, errs.Wrap(errs.ErrTransport, err)
	}

	var resp batchResponseEnvelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errs.Wrap(errs.ErrRuntime, fmt.Errorf("decode batch_%s response: %w", method, err))
	}

	out := make([]domain.BatchResult, len(resp.Results))
	for i, r := range resp.Results {
		if r.Success {
			out[i] = domain.BatchResult{Success: true, Result: r.Result}
		} else {
			out[i] = domain.BatchResult{Success: false, Err: errs.Wrap(errs.ErrRuntime, fmt.Errorf("%s", r.Error))}
		}
	}
	return out, nil
}

func errMissingResult(method string, idx int) error {
	return errs.Wrap(errs.ErrRuntime, fmt.Errorf("batch_%s: missing result for index %d", method, idx))
}
