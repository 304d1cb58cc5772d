package situation

import (
	"context"
	"time"
)

// Provider produces one fragment on demand.
type Provider interface {
	// Name is the unique key the aggregator enables and disables by.
	Name() string
	// Dimension is the slot the fragment fills.
	Dimension() Dimension
	// Fetch returns the current fragment. Errors leave the slot to defaults.
	Fetch(ctx context.Context) (Fragment, error)
}

// Refresher is implemented by providers whose data changes slowly. The
// aggregator reuses the last fragment until the interval has elapsed.
type Refresher interface {
	RefreshInterval() time.Duration
}
