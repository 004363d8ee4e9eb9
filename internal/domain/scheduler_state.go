package domain

// SchedulerState is the in-memory run state of a scheduler; it is never persisted.
type SchedulerState struct {
	IsRunning            bool   `json:"isRunning"`
	LastRunAtMs          int64  `json:"lastRunAtMs,omitempty"`
	NextRunAtMs          int64  `json:"nextRunAtMs,omitempty"`
	TotalExecutions      uint64 `json:"totalExecutions"`
	SuccessfulExecutions uint64 `json:"successfulExecutions"`
	FailedExecutions     uint64 `json:"failedExecutions"`
	DroppedTicks         uint64 `json:"droppedTicks"`
}
