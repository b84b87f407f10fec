package bulk

import "time"

// TaskStatus is the lifecycle state of one site's task within a batch.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusSkipped    TaskStatus = "skipped"
)

// TaskProgress is the externally visible state of one site's task.
type TaskProgress struct {
	Step      string     `json:"step"`
	Status    TaskStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Summary holds per-status task counts. It is always recomputed from the
// task map, never stored, so the counts cannot drift from the tasks.
type Summary struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Total sums every status bucket.
func (s Summary) Total() int {
	return s.Pending + s.InProgress + s.Completed + s.Failed + s.Skipped
}

// Progress is a point-in-time snapshot of a batch.
type Progress struct {
	BatchID string                  `json:"batch_id"`
	Tasks   map[string]TaskProgress `json:"tasks"`
	Summary Summary                 `json:"summary"`
	Total   int                     `json:"total"`
	Running bool                    `json:"running"`
}

// Status describes the coordinator's current batch, if any.
type Status struct {
	IsRunning       bool   `json:"is_running"`
	BatchID         string `json:"batch_id,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`
}
