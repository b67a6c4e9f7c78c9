package concurrency

import "fmt"

func errLimitExceeded(modelID string, active, queued int) error {
	return fmt.Errorf("model %q: active=%d queued=%d at capacity", modelID, active, queued)
}

func errQueueTimeout(modelID, requestID string) error {
	return fmt.Errorf("model %q: request %q timed out waiting for a slot", modelID, requestID)
}
