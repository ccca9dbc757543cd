package order

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending            Status = "pending"
	StatusAwaitingDependency Status = "awaiting_dependency"
	StatusInProgress         Status = "in_progress"
	StatusPartial            Status = "partial"
	StatusCompleted          Status = "completed"
	StatusCanceled           Status = "canceled"
	StatusFailed             Status = "failed"
)

// OpenStatuses are the states in which an order still accepts delivery.
var OpenStatuses = []Status{StatusPending, StatusAwaitingDependency, StatusInProgress, StatusPartial}

// DeliverableStatuses are the open states past the dependency gate.
var DeliverableStatuses = []Status{StatusPending, StatusInProgress, StatusPartial}

type DependsStatus string

const (
	DependsNone     DependsStatus = ""
	DependsPending  DependsStatus = "pending"
	DependsVerified DependsStatus = "verified"
	DependsFailed   DependsStatus = "failed"
)

type IntervalUnit string

const (
	UnitMinute IntervalUnit = "minute"
	UnitHour   IntervalUnit = "hour"
	UnitDay    IntervalUnit = "day"
)

// Duration converts n units into a wall-clock duration. Unknown units fall
// back to minutes.
func (u IntervalUnit) Duration(n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	switch u {
	case UnitHour:
		return time.Duration(n) * time.Hour
	case UnitDay:
		return time.Duration(n) * 24 * time.Hour
	default:
		return time.Duration(n) * time.Minute
	}
}

// Order is the scheduling view of a paid order. Billing, pricing and the
// customer-facing lifecycle live in the order-management layer; this row
// carries only what delivery needs.
type Order struct {
	ID         string `gorm:"column:id;primaryKey;type:char(26)"`
	Code       string `gorm:"column:code;type:varchar(20)"`
	Action     string `gorm:"column:action;type:varchar(30);not null"`
	TargetLink string `gorm:"column:target_link;type:text;not null"`
	TargetHash string `gorm:"column:target_hash;type:char(64);index;not null"`
	Quantity   int    `gorm:"column:quantity;not null"`
	Delivered  int    `gorm:"column:delivered;default:0"`
	Status     Status `gorm:"column:status;type:varchar(20);index;default:'pending'"`

	// Guarantee window: a non-zero value schedules the reversal of each
	// delivered effect this long after it is performed.
	ReversalAfter time.Duration `gorm:"column:reversal_after;default:0"`

	DripfeedEnabled        bool         `gorm:"column:dripfeed_enabled;default:false;index"`
	DripfeedQuantityPerRun int          `gorm:"column:dripfeed_quantity_per_run;default:0"`
	DripfeedInterval       int          `gorm:"column:dripfeed_interval;default:0"`
	DripfeedIntervalUnit   IntervalUnit `gorm:"column:dripfeed_interval_unit;type:varchar(10);default:'minute'"`
	DripfeedRunsTotal      int          `gorm:"column:dripfeed_runs_total;default:0"`
	DripfeedRunIndex       int          `gorm:"column:dripfeed_run_index;default:0"`
	DripfeedDeliveredInRun int          `gorm:"column:dripfeed_delivered_in_run;default:0"`
	DripfeedNextRunAt      *time.Time   `gorm:"column:dripfeed_next_run_at;index"`

	DependsOrderID    *string       `gorm:"column:depends_order_id;type:char(26);index"`
	DependsStatus     DependsStatus `gorm:"column:depends_status;type:varchar(10);default:''"`
	DependsVerifiedAt *time.Time    `gorm:"column:depends_verified_at"`

	Metadata  datatypes.JSON `gorm:"column:metadata"`
	CreatedAt time.Time      `gorm:"autoCreateTime"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime"`
}

func (Order) TableName() string { return "orders" }

func (o *Order) Remaining() int {
	r := o.Quantity - o.Delivered
	if r < 0 {
		return 0
	}
	return r
}
