package transport

import (
	"context"

	"go.uber.org/zap"
)

// DryRunExecutor logs the request and reports success without touching any
// network. Used in development and as the default when no real automation
// backend is wired in.
type DryRunExecutor struct{}

func NewDryRunExecutor() *DryRunExecutor { return &DryRunExecutor{} }

func (e *DryRunExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	zap.L().Info("dry-run execute",
		zap.String("account_id", req.AccountID),
		zap.String("action", req.Action.String()),
		zap.String("target", req.TargetLink),
		zap.Int("quantity", req.Quantity),
	)
	return &Result{ProviderRef: "dry-run"}, nil
}
