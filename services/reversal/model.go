package reversal

import (
	"time"

	"promoplane/services/task"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Reversal is a scheduled undo of a logged effect, typically an
// unsubscribe a guarantee period after the subscribe. The unique index on
// (account, target, due_at) keeps the deterministic schedule from being
// written twice.
type Reversal struct {
	ID             string           `gorm:"column:id;primaryKey;type:char(26)"`
	Code           string           `gorm:"column:code;type:varchar(20)"`
	AccountID      string           `gorm:"column:account_id;type:char(26);uniqueIndex:idx_reversal_due,priority:1;not null"`
	TargetHash     string           `gorm:"column:target_hash;type:char(64);uniqueIndex:idx_reversal_due,priority:2;not null"`
	DueAt          time.Time        `gorm:"column:due_at;uniqueIndex:idx_reversal_due,priority:3;index;not null"`
	TargetLink     string           `gorm:"column:target_link;type:text;not null"`
	OriginalAction string           `gorm:"column:original_action;type:varchar(30);not null"`
	SubjectKind    task.SubjectKind `gorm:"column:subject_kind;type:varchar(10);not null"`
	SubjectID      string           `gorm:"column:subject_id;type:char(26);index;not null"`
	LedgerEntryID  string           `gorm:"column:ledger_entry_id;type:char(26);not null"`
	TaskID         *string          `gorm:"column:task_id;type:char(26)"`
	Status         Status           `gorm:"column:status;type:varchar(10);index;default:'pending'"`
	LastError      string           `gorm:"column:last_error;type:text"`
	CreatedAt      time.Time        `gorm:"autoCreateTime"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime"`
}

func (Reversal) TableName() string { return "reversals" }

func (r *Reversal) Subject() task.Subject {
	return task.Subject{Kind: r.SubjectKind, ID: r.SubjectID}
}
