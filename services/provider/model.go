package provider

import "time"

// Terminal remote statuses after which polling stops.
const (
	RemoteCompleted = "completed"
	RemoteCanceled  = "canceled"
	RemoteRefunded  = "refunded"
)

// OrderMirror is the local copy of an order placed with an external SMM
// provider. LockOwner and LockedAt form the self-expiring sync lock: a
// poll runs only while holding it, and a crashed worker's lock lapses
// after the configured TTL.
type OrderMirror struct {
	ID            string     `gorm:"column:id;primaryKey;type:char(26)"`
	OrderID       string     `gorm:"column:order_id;type:char(26);index;not null"`
	ProviderCode  string     `gorm:"column:provider_code;type:varchar(30);uniqueIndex:idx_provider_order,priority:1;not null"`
	RemoteOrderID string     `gorm:"column:remote_order_id;type:varchar(64);uniqueIndex:idx_provider_order,priority:2;not null"`
	RemoteStatus  string     `gorm:"column:remote_status;type:varchar(20)"`
	RemoteQty     int        `gorm:"column:remote_qty;default:0"`
	RemoteRemains int        `gorm:"column:remote_remains;default:0"`
	LastFetchedAt *time.Time `gorm:"column:last_fetched_at;index"`
	LockOwner     string     `gorm:"column:lock_owner;type:char(36);default:''"`
	LockedAt      *time.Time `gorm:"column:locked_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime"`
}

func (OrderMirror) TableName() string { return "provider_order_mirrors" }

func (m *OrderMirror) Terminal() bool {
	switch m.RemoteStatus {
	case RemoteCompleted, RemoteCanceled, RemoteRefunded:
		return true
	default:
		return false
	}
}
