package units

import "time"

// Status represents the lifecycle of an input unit.
type Status string

const (
	StatusPending  Status = "pending"
	StatusDone     Status = "done"
	StatusAssigned Status = "assigned"
	StatusFailed   Status = "failed"
)

// Unit is one instrument recording tracked by the index.
type Unit struct {
	Path       string
	AcquiredAt time.Time
	Status     Status
	GroupID    string
	SizeBytes  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
