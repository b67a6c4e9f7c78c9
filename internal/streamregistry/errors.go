package streamregistry

import "fmt"

func errActiveStreamsFull(limit int64) error {
	return fmt.Errorf("active streams at limit %d", limit)
}

func errTenantBudgetFull(tenantID string, budget int) error {
	return fmt.Errorf("tenant %q at budget %d", tenantID, budget)
}
