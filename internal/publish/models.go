package publish

import "time"

// Status represents where a record's product lives.
type Status string

const (
	StatusStaging    Status = "staging"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// QAStatus is the quality-assessment verdict on a record.
type QAStatus string

const (
	QAPending QAStatus = "pending"
	QAPassed  QAStatus = "passed"
	QAWarning QAStatus = "warning"
	QAFailed  QAStatus = "failed"
)

// ValidationStatus is the structural-validation verdict on a record.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationValidated ValidationStatus = "validated"
	ValidationFailed    ValidationStatus = "failed"
)

// Mode records how a publish was initiated.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// DataRecord is one publishable product.
type DataRecord struct {
	ID                 int64
	GroupID            string
	DataType           string
	StagingPath        string
	PublishedPath      string
	Status             Status
	QAStatus           QAStatus
	ValidationStatus   ValidationStatus
	FinalizationStatus string
	AutoPublishEnabled bool
	PublishMode        Mode
	PublishAttempts    int
	NextAttemptAt      time.Time
	LastError          string
	PublishedAt        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// GatePassed reports whether the record satisfies the auto-publish criteria.
func (r *DataRecord) GatePassed() bool {
	return r.QAStatus == QAPassed &&
		r.ValidationStatus == ValidationValidated &&
		r.AutoPublishEnabled
}

// Link ties a derived record to the record it was built from.
type Link struct {
	ParentID  int64
	ChildID   int64
	LinkType  string
	CreatedAt time.Time
}
