// Package sink defines output backends for snapshots and exchange records.
//
// The page controller hands every transmitted snapshot and every
// coordinator call to a Sink; the reference coordinator hands it every
// snapshot it receives.
package sink

import (
	"context"

	"github.com/hazyhaar/scrapeloop/exchange"
)

// Sink is the output interface. Implementations deliver to stdout, a
// webhook, an SQLite journal, a markdown archive or an in-process callback.
type Sink interface {
	SendSnapshot(ctx context.Context, snap exchange.Snapshot) error
	SendExchange(ctx context.Context, ex exchange.Exchange) error
	Close() error
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
