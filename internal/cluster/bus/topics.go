package bus

import "fmt"

// Topic name builders for the cluster bus's fixed subject set (spec.md §6).
const (
	TopicWorkerRegister  = "worker.register"
	TopicWorkerHeartbeat = "worker.heartbeat"
)

// InferenceTopic builds the per-worker inference request subject
// `<worker-subject>.inference`.
func InferenceTopic(workerID string) string {
	return fmt.Sprintf("%s.inference", workerID)
}
