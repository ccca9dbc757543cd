package ledger

import (
	"time"

	"gorm.io/datatypes"
)

// activeKey marker for entries whose effect is still live. Reversing an
// entry rewrites the marker to the entry id, which frees the unique index
// for a future re-apply of the same (account, target, action) triple.
const activeMarker = "active"

// Entry records one performed action. The unique index over
// (account_id, target_hash, action, active_key) is the idempotency
// guarantee: the same account can hold at most one live effect per target
// and action.
type Entry struct {
	ID          string         `gorm:"column:id;primaryKey;type:char(26)"`
	AccountID   string         `gorm:"column:account_id;uniqueIndex:idx_effect,priority:1;not null"`
	TargetHash  string         `gorm:"column:target_hash;uniqueIndex:idx_effect,priority:2;type:char(64);not null;index"`
	Action      string         `gorm:"column:action;uniqueIndex:idx_effect,priority:3;type:varchar(30);not null"`
	ActiveKey   string         `gorm:"column:active_key;uniqueIndex:idx_effect,priority:4;type:char(26);default:'active'"`
	PerformedAt time.Time      `gorm:"column:performed_at;not null"`
	ReversedAt  *time.Time     `gorm:"column:reversed_at"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
}

func (Entry) TableName() string { return "action_ledger" }

func (e *Entry) Active() bool { return e.ReversedAt == nil }
