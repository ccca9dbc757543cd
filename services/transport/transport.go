// Package transport declares the contracts the scheduler consumes from the
// automation and provider layers. The real implementations live outside
// this codebase; the scheduler only depends on these interfaces.
package transport

import (
	"context"

	"gorm.io/datatypes"

	"promoplane/pkg/action"
)

// Request describes one action handed to the automation layer.
type Request struct {
	AccountID  string
	SessionRef string
	Action     action.Action
	TargetLink string
	Quantity   int
	Payload    datatypes.JSON
}

// Result is what the automation layer reports back on success.
type Result struct {
	ProviderRef string         `json:"provider_ref,omitempty"`
	Detail      datatypes.JSON `json:"detail,omitempty"`
}

// Executor performs a single action against a target. Implementations must
// honor the context deadline; a call outliving the task lease is recovered
// by lease expiry, not by the executor.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// RemoteStatus is a provider's view of an order.
type RemoteStatus struct {
	Status   string
	Quantity int
	Remains  int
}

// StatusFetcher polls an external provider for order progress.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, providerCode string, remoteOrderID string) (*RemoteStatus, error)
}
