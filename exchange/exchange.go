// Package exchange defines the values that move between a page controller
// and its coordinator: fragments, acknowledgements, document snapshots and
// the journal records describing each network call.
//
// Coordinators, sinks and the controller all import this package.
package exchange

import "time"

// Wire constants of the coordinator HTTP contract.
const (
	HeaderToken  = "Scraper-Token"
	HeaderAction = "Scraper-Action"

	PathScrape   = "/scrape"
	PathResponse = "/response"
	PathStart    = "/start"
)

// Fragment is the body of a successful poll: markup to splice into the
// document and the session token identifying the cycle.
type Fragment struct {
	Token string `json:"token"`
	HTML  string `json:"html"`
}

// Ack is the outcome of a successful respond. HasAction distinguishes a
// missing Scraper-Action header from a present but empty one.
type Ack struct {
	Action    string `json:"action,omitempty"`
	HasAction bool   `json:"has_action"`
}

// Snapshot is a serialized document as transmitted to the coordinator.
type Snapshot struct {
	ID        string `json:"id"`
	Seq       uint64 `json:"seq"`              // monotonically increasing per controller
	Token     string `json:"token"`            // session token it was sent under
	Action    string `json:"action,omitempty"` // follow-up action applied before serializing, if any
	HTML      []byte `json:"html"`
	HTMLHash  string `json:"html_hash"` // SHA-256 hex
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// Kind is the type of coordinator call recorded in the journal.
type Kind string

const (
	KindPoll    Kind = "poll"
	KindRespond Kind = "respond"
)

// Exchange records a single coordinator call.
type Exchange struct {
	ID           string        `json:"id"`
	Kind         Kind          `json:"kind"`
	Token        string        `json:"token,omitempty"`
	Status       int           `json:"status,omitempty"` // 0 on transport failure
	Action       string        `json:"action,omitempty"` // Scraper-Action received on respond
	SnapshotHash string        `json:"snapshot_hash,omitempty"`
	SnapshotSize int           `json:"snapshot_size,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// OK reports whether the call completed with status 200.
func (e Exchange) OK() bool {
	return e.Error == "" && e.Status == 200
}

// State is the page controller's position in the poll/respond cycle.
type State string

const (
	StateIdle                State = "idle" // respond-first variant before the first token
	StatePolling             State = "polling"
	StateAwaitingResponseAck State = "awaiting_response_ack"
	StateExecutingAction     State = "executing_action"
	StateHalted              State = "halted"
)
