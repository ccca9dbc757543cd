package ledger

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"promoplane/pkg/action"
	"promoplane/pkg/clock"
	"promoplane/pkg/errutil"
	"promoplane/pkg/repository"
)

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   clock.Clock
	entries repository.Repository[Entry]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Clock clock.Clock
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		clock:   p.Clock,
		entries: repository.ProvideStore[Entry](p.DB),
	}
}

// RecordIfAbsent inserts a ledger entry for the performed action. The
// insert outcome is the concurrency control: a unique violation means the
// effect is already live, reported as inserted=false with the existing
// entry, never as an error.
func (s *Service) RecordIfAbsent(ctx context.Context, accountID string, targetHash string, kind action.Action, meta datatypes.JSON) (*Entry, bool, error) {
	entry := &Entry{
		ID:          s.node.Generate().String(),
		AccountID:   accountID,
		TargetHash:  targetHash,
		Action:      kind.String(),
		ActiveKey:   activeMarker,
		PerformedAt: s.clock.Now(),
		Metadata:    meta,
	}

	if err := s.entries.Create(ctx, entry); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, ferr := s.FindActive(ctx, accountID, targetHash, kind)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing == nil {
				// Lost the race and the winner reversed already; retry once.
				return s.RecordIfAbsent(ctx, accountID, targetHash, kind, meta)
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	return entry, true, nil
}

// Reverse marks the entry's effect undone. Setting reversed_at happens at
// most once; reversing an already-reversed entry is a no-op.
func (s *Service) Reverse(ctx context.Context, entryID string) error {
	now := s.clock.Now()

	res := s.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ?", entryID).
		Where("active_key = ?", activeMarker).
		Updates(map[string]any{
			"reversed_at": now,
			"active_key":  entryID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	existing, err := s.entries.FindOne(ctx, &Entry{ID: entryID})
	if err != nil {
		return err
	}
	if existing == nil {
		return errutil.NotFound("ledger entry not found")
	}

	zap.L().Debug("ledger entry already reversed", zap.String("entry_id", entryID))
	return nil
}

// FindActive returns the live entry for the triple, or nil.
func (s *Service) FindActive(ctx context.Context, accountID string, targetHash string, kind action.Action) (*Entry, error) {
	return s.entries.FindOne(ctx, &Entry{
		AccountID:  accountID,
		TargetHash: targetHash,
		Action:     kind.String(),
		ActiveKey:  activeMarker,
	})
}

// IsActive reports whether any account currently holds a live effect for
// the target and action. This is the account-independent exclusivity check
// used at enqueue time.
func (s *Service) IsActive(ctx context.Context, targetHash string, kind action.Action) (bool, error) {
	n, err := s.entries.Count(ctx, &Entry{
		TargetHash: targetHash,
		Action:     kind.String(),
		ActiveKey:  activeMarker,
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the entry by id, nil when absent.
func (s *Service) Get(ctx context.Context, entryID string) (*Entry, error) {
	return s.entries.FindOne(ctx, &Entry{ID: entryID})
}
