package task

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	// StatusQueued means eligible for leasing.
	StatusQueued Status = "queued"
	// StatusLeased means claimed by a worker until lease_expires_at.
	StatusLeased Status = "leased"
	// StatusPending means waiting out a retry backoff before re-queueing.
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

type SubjectKind string

const (
	SubjectOrder SubjectKind = "order"
	SubjectQuota SubjectKind = "quota"
)

// Subject is the owning reference of a task, either a paid order or a
// standing quota/subscription.
type Subject struct {
	Kind SubjectKind `gorm:"column:subject_kind;type:varchar(10);uniqueIndex:idx_task_dedup,priority:1;not null"`
	ID   string      `gorm:"column:subject_id;type:char(26);uniqueIndex:idx_task_dedup,priority:2;index;not null"`
}

func OrderSubject(id string) Subject { return Subject{Kind: SubjectOrder, ID: id} }
func QuotaSubject(id string) Subject { return Subject{Kind: SubjectQuota, ID: id} }

// openMarker occupies dedup_key while a task is still live. Terminal
// transitions rewrite it to the task id, which frees the natural key for a
// later re-enqueue of the same work.
const openMarker = "open"

// Task is a durable unit of work. Rows are never deleted; terminal tasks
// stay as audit trail.
type Task struct {
	ID              string         `gorm:"column:id;primaryKey;type:char(26)"`
	Code            string         `gorm:"column:code;type:varchar(20)"`
	Subject         Subject        `gorm:"embedded"`
	Action          string         `gorm:"column:action;type:varchar(30);uniqueIndex:idx_task_dedup,priority:3;not null"`
	TargetLink      string         `gorm:"column:target_link;type:text;not null"`
	TargetHash      string         `gorm:"column:target_hash;type:char(64);uniqueIndex:idx_task_dedup,priority:4;index;not null"`
	DedupKey        string         `gorm:"column:dedup_key;type:char(26);uniqueIndex:idx_task_dedup,priority:5;default:'open'"`
	Status          Status         `gorm:"column:status;type:varchar(10);index;default:'queued'"`
	Quantity        int            `gorm:"column:quantity;default:1"`
	AccountID       *string        `gorm:"column:account_id;type:char(26)"`
	PinnedAccountID *string        `gorm:"column:pinned_account_id;type:char(26)"`
	WorkerID        *string        `gorm:"column:worker_id;type:varchar(64)"`
	Attempts        int            `gorm:"column:attempts;default:0"`
	MaxAttempts     int            `gorm:"column:max_attempts;default:3"`
	NotBefore       *time.Time     `gorm:"column:not_before"`
	LeaseExpiresAt  *time.Time     `gorm:"column:lease_expires_at;index"`
	CancelRequested bool           `gorm:"column:cancel_requested;default:false"`
	ReversalAfter   time.Duration  `gorm:"column:reversal_after;default:0"`
	LedgerEntryID   *string        `gorm:"column:ledger_entry_id;type:char(26)"`
	Payload         datatypes.JSON `gorm:"column:payload"`
	Result          datatypes.JSON `gorm:"column:result"`
	LastError       string         `gorm:"column:last_error;type:text"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime"`
}

func (Task) TableName() string { return "tasks" }

func (t *Task) Terminal() bool {
	return t.Status == StatusDone || t.Status == StatusFailed
}

// Fingerprint hashes a target link into the fixed-width key the ledger and
// the task dedup index are built on.
func Fingerprint(link string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(link))))
	return hex.EncodeToString(sum[:])
}
