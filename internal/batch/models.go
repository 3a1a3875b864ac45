package batch

import "time"

// Status is shared by batch jobs and their items.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Job is a collection of homogeneous items tracked under one aggregate status.
type Job struct {
	ID                string
	JobType           string
	Status            Status
	AggregationPolicy string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Item is one unit of work inside a Job. GroupID links the item to the group
// being driven on its behalf; Label is the caller's key for the item.
type Item struct {
	ID        int64
	BatchID   string
	GroupID   string
	Label     string
	Status    Status
	Result    string
	LastError string
	UpdatedAt time.Time
}

// ItemSpec describes an item at batch creation time.
type ItemSpec struct {
	Label   string
	GroupID string
}
