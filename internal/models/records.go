package models

import "time"

// PendingRecord correlates a remote changelist with the local nodes its
// description references.
type PendingRecord struct {
	Change      int      `json:"change"`
	Submitted   bool     `json:"submitted"`
	Nodes       []NodeID `json:"nodes"`
	Description string   `json:"description"`
	Client      string   `json:"client"`
}

// RunDirection names the kind of operation a SyncRun journals.
type RunDirection string

const (
	RunPull   RunDirection = "pull"
	RunPush   RunDirection = "push"
	RunSubmit RunDirection = "submit"
	RunRevert RunDirection = "revert"
)

// RunStatus represents the lifecycle state of a SyncRun.
type RunStatus string

const (
	RunRunning    RunStatus = "running"
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
	RunPending    RunStatus = "pending"
	RunSubmitted  RunStatus = "submitted"
	RunRolledBack RunStatus = "rolledback"
)

// SyncRun records one top-level bridge operation for later inspection.
type SyncRun struct {
	ID          string       `json:"id"`
	Client      string       `json:"client"`
	Direction   RunDirection `json:"direction"`
	Status      RunStatus    `json:"status"`
	Changelists []int        `json:"changelists"`
	Nodes       []NodeID     `json:"nodes"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
}

// Correlation records that a local node represents a remote changelist.
type Correlation struct {
	Client     string    `json:"client"`
	Change     int       `json:"change"`
	Node       NodeID    `json:"node"`
	RecordedAt time.Time `json:"recorded_at"`
}
