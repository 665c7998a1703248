package sink

import (
	"context"

	"github.com/hazyhaar/scrapeloop/exchange"
)

// SnapshotFunc is called for each snapshot.
type SnapshotFunc func(ctx context.Context, snap exchange.Snapshot) error

// ExchangeFunc is called for each exchange record.
type ExchangeFunc func(ctx context.Context, ex exchange.Exchange) error

// Callback delivers through Go function calls, for hosts embedding the
// loop in the same binary as their consumer.
type Callback struct {
	onSnapshot SnapshotFunc
	onExchange ExchangeFunc
}

// NewCallback creates a Callback sink. Either handler may be nil.
func NewCallback(onSnapshot SnapshotFunc, onExchange ExchangeFunc) *Callback {
	return &Callback{onSnapshot: onSnapshot, onExchange: onExchange}
}

func (c *Callback) SendSnapshot(ctx context.Context, snap exchange.Snapshot) error {
	if c.onSnapshot != nil {
		return c.onSnapshot(ctx, snap)
	}
	return nil
}

func (c *Callback) SendExchange(ctx context.Context, ex exchange.Exchange) error {
	if c.onExchange != nil {
		return c.onExchange(ctx, ex)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
