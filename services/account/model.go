package account

import (
	"time"

	"gorm.io/datatypes"
)

type Health string

const (
	HealthReady      Health = "ready"
	HealthNeedsLogin Health = "needs_login"
	HealthBanned     Health = "banned"
	HealthFlood      Health = "flood"
	HealthError      Health = "error"
	HealthCooldown   Health = "cooldown"
)

// Account is the lightweight directory entry for an automation account.
// Usage and health counters are mutated only through single-row conditional
// updates so concurrent leases can never over-allocate.
type Account struct {
	ID            string     `gorm:"column:id;primaryKey;type:char(26)"`
	Username      string     `gorm:"column:username;uniqueIndex;type:varchar(100);not null"`
	Active        bool       `gorm:"column:active;index"`
	Weight        int        `gorm:"column:weight;default:1"`
	Health        Health     `gorm:"column:health;type:varchar(20);default:'ready'"`
	CurrentUsage  int        `gorm:"column:current_usage;default:0"`
	Capacity      int        `gorm:"column:capacity;not null"`
	HeavyUsed     int        `gorm:"column:heavy_used;default:0"`
	HeavyCap      int        `gorm:"column:heavy_cap;default:0"`
	HeavyResetAt  time.Time  `gorm:"column:heavy_reset_at"`
	SuccessCount  int64      `gorm:"column:success_count;default:0"`
	SuccessStreak int        `gorm:"column:success_streak;default:0"`
	FailCount     int        `gorm:"column:fail_count;default:0"`
	FailureCount  int64      `gorm:"column:failure_count;default:0"`
	LastUsedAt    *time.Time `gorm:"column:last_used_at"`
	LastErrorAt   *time.Time `gorm:"column:last_error_at"`
	LastError     string     `gorm:"column:last_error;type:text"`
	CooldownUntil *time.Time `gorm:"column:cooldown_until"`
	CreatedAt     time.Time  `gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime"`
}

func (Account) TableName() string { return "accounts" }

// Session is the heavier automation-session record tied to an account,
// provisioned by the onboarding flow.
type Session struct {
	ID          string         `gorm:"column:id;primaryKey;type:char(26)"`
	AccountID   string         `gorm:"column:account_id;uniqueIndex;not null"`
	SessionRef  string         `gorm:"column:session_ref;type:varchar(255);not null"`
	Status      Health         `gorm:"column:status;type:varchar(20);default:'needs_login'"`
	LastLoginAt *time.Time     `gorm:"column:last_login_at"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
}

func (Session) TableName() string { return "account_sessions" }
