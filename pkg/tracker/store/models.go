package store

import (
	"time"
)

// Result values recorded on a finished test run.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
)

// TestRun tracks one end-to-end lifecycle test instance.
type TestRun struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Running   bool       `json:"running"`
	Result    Result     `json:"result,omitempty"`
	ObjectID  string     `gorm:"index;not null" json:"object_id"`
	DoneAt    *time.Time `json:"done_at"`
	CreatedAt time.Time  `json:"created_at"`
	Steps     []Step     `gorm:"foreignKey:TestID" json:"steps"`
}

// TableName keeps the historical table name.
func (TestRun) TableName() string { return "test" }

// Step tracks one lifecycle stage within a test run. The request in
// the external hub that realizes the stage is referenced by ObjectID;
// it stays nil until the hub acknowledges the request's creation.
type Step struct {
	ID        uint       `gorm:"primaryKey" json:"-"`
	TestID    uint       `gorm:"index;not null" json:"-"`
	Name      string     `gorm:"not null" json:"name"`
	ObjectID  *string    `json:"object_id"`
	CreatedAt time.Time  `json:"created_at"`
	Checked   bool       `json:"checked"`
	CheckedAt *time.Time `json:"checked_at"`
}

// TableName keeps the historical table name.
func (Step) TableName() string { return "step" }
