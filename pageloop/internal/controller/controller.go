// Package controller runs the poll/respond cycle against a coordinator.
//
// A Controller owns one document and keeps at most one coordinator request
// outstanding. It polls for a fragment, splices it into the document,
// responds with the serialized document and, when the coordinator answers
// with a follow-up action, applies it and responds again. Any failure ends
// the loop: there are no retries at this level.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/scrapeloop/action"
	"github.com/hazyhaar/scrapeloop/exchange"
	"github.com/hazyhaar/scrapeloop/idgen"
	"github.com/hazyhaar/scrapeloop/sink"
)

// Document is the page the controller drives. Every mutation returns the
// document's serialization after the change.
type Document interface {
	Splice(ctx context.Context, fragment string) (string, error)
	Apply(ctx context.Context, in action.Instruction, target action.InsertTarget) (string, error)
	Serialize(ctx context.Context) (string, error)
}

// Settler is implemented by documents that can wait for page activity
// triggered by an action to finish.
type Settler interface {
	WaitSettle(ctx context.Context, timeout time.Duration) error
}

// Coordinator is the remote end of the cycle.
type Coordinator interface {
	Poll(ctx context.Context) (exchange.Fragment, error)
	Respond(ctx context.Context, token, snapshot string) (exchange.Ack, error)
}

// Sink receives every transmitted snapshot and every exchange record.
// Failures are logged by a sink.Router, which wraps any other Sink, and
// never stop the cycle.
type Sink interface {
	SendSnapshot(ctx context.Context, snap exchange.Snapshot) error
	SendExchange(ctx context.Context, ex exchange.Exchange) error
}

// nopCloser adapts a Sink to sink.Sink; the controller never closes its sink.
type nopCloser struct{ Sink }

func (nopCloser) Close() error { return nil }

// ChainMode decides when a document is re-serialized after an action.
type ChainMode string

const (
	ChainRespond ChainMode = "respond" // serialize immediately
	ChainSettle  ChainMode = "settle"  // wait for the document to settle first
)

// Config tunes a Controller.
type Config struct {
	InsertTarget   action.InsertTarget
	ChainMode      ChainMode
	SettleTimeout  time.Duration
	RequestTimeout time.Duration // per coordinator call, 0 = none
	PollInterval   time.Duration // minimum spacing between polls, 0 = none
	MaxCycles      int           // completed poll cycles before Run returns, 0 = unbounded
	Actions        action.ParseOptions
}

// Controller drives a Document through the poll/respond cycle.
type Controller struct {
	doc     Document
	coord   Coordinator
	cfg     Config
	sink    Sink
	logger  *slog.Logger
	limiter *rate.Limiter
	ids     idgen.Generator
	onTrans func(from, to exchange.State)

	mu    sync.Mutex
	state exchange.State
	seq   uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithSink sets the destination for snapshots and exchange records.
func WithSink(s Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithIDGenerator sets the generator for snapshot and exchange IDs.
func WithIDGenerator(g idgen.Generator) Option {
	return func(c *Controller) { c.ids = g }
}

// WithOnTransition registers a hook called on every state change. It runs
// on the controller goroutine and must not block.
func WithOnTransition(fn func(from, to exchange.State)) Option {
	return func(c *Controller) { c.onTrans = fn }
}

// New creates a Controller. It does nothing until Run or RunFrom is called.
func New(doc Document, coord Coordinator, cfg Config, opts ...Option) *Controller {
	if cfg.InsertTarget == "" {
		cfg.InsertTarget = action.TargetBody
	}
	if cfg.ChainMode == "" {
		cfg.ChainMode = ChainRespond
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 5 * time.Second
	}
	c := &Controller{
		doc:    doc,
		coord:  coord,
		cfg:    cfg,
		logger: slog.Default(),
		ids:    idgen.Default,
		state:  exchange.StateIdle,
	}
	if cfg.PollInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.PollInterval), 1)
	}
	for _, o := range opts {
		o(c)
	}
	if _, ok := c.sink.(*sink.Router); c.sink != nil && !ok {
		c.sink = sink.NewRouter(c.logger, nopCloser{c.sink})
	}
	return c
}

// State returns the current state.
func (c *Controller) State() exchange.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run starts the self-initiating cycle with a poll. It returns nil after
// MaxCycles completed cycles, ctx.Err() when ctx is cancelled, and a
// *HaltError on any other failure.
func (c *Controller) Run(ctx context.Context) error {
	return c.loop(ctx)
}

// RunFrom starts the respond-first variant: the current document is
// serialized and sent under token before the first poll.
func (c *Controller) RunFrom(ctx context.Context, token string) error {
	c.transition(exchange.StateAwaitingResponseAck)
	snap, err := c.doc.Serialize(ctx)
	if err != nil {
		return c.halt(ctx, "serialize", 0, token, err)
	}
	if err := c.respondChain(ctx, token, snap); err != nil {
		return err
	}
	return c.loop(ctx)
}

func (c *Controller) loop(ctx context.Context) error {
	for cycles := 0; c.cfg.MaxCycles == 0 || cycles < c.cfg.MaxCycles; cycles++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return c.halt(ctx, "pace", 0, "", err)
			}
		}
		if err := c.cycle(ctx); err != nil {
			return err
		}
	}
	c.transition(exchange.StateIdle)
	return nil
}

// cycle performs one poll and the respond chain that follows it.
func (c *Controller) cycle(ctx context.Context) error {
	c.transition(exchange.StatePolling)

	ex := c.begin(exchange.KindPoll, "")
	frag, err := c.poll(ctx)
	ex.Token = frag.Token
	c.finish(ctx, &ex, err)
	if err != nil {
		return c.halt(ctx, string(exchange.KindPoll), statusOf(err), frag.Token, err)
	}

	snap, err := c.doc.Splice(ctx, frag.HTML)
	if err != nil {
		return c.halt(ctx, "splice", 0, frag.Token, err)
	}
	return c.respondChain(ctx, frag.Token, snap)
}

// respondChain responds with snap and keeps applying follow-up actions
// until the coordinator answers without one.
func (c *Controller) respondChain(ctx context.Context, token, snap string) error {
	actionHeader := ""
	for {
		c.transition(exchange.StateAwaitingResponseAck)

		ex := c.begin(exchange.KindRespond, token)
		ex.SnapshotHash = exchange.HashHTML([]byte(snap))
		ex.SnapshotSize = len(snap)
		ack, err := c.respond(ctx, token, snap)
		ex.Action = ack.Action
		c.finish(ctx, &ex, err)
		if err != nil {
			return c.halt(ctx, string(exchange.KindRespond), statusOf(err), token, err)
		}
		c.emitSnapshot(ctx, token, actionHeader, snap)

		if !ack.HasAction || strings.TrimSpace(ack.Action) == "" {
			return nil
		}

		c.transition(exchange.StateExecutingAction)
		snap, err = c.execute(ctx, ack.Action)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.halt(ctx, "action", 0, token, fmt.Errorf("%w: %w", ErrActionRejected, err))
		}
		actionHeader = ack.Action
	}
}

// execute parses and applies an action header, returning the document
// serialization to send next.
func (c *Controller) execute(ctx context.Context, header string) (string, error) {
	instrs, err := action.Parse(header, c.cfg.Actions)
	if err != nil {
		return "", err
	}

	var snap string
	for i, in := range instrs {
		snap, err = c.doc.Apply(ctx, in, c.cfg.InsertTarget)
		if err != nil {
			return "", fmt.Errorf("instruction %d (%s): %w", i, in, err)
		}
	}

	if c.cfg.ChainMode == ChainSettle {
		if s, ok := c.doc.(Settler); ok {
			if err := s.WaitSettle(ctx, c.cfg.SettleTimeout); err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				c.logger.Debug("controller: document did not settle", "error", err)
			}
			return c.doc.Serialize(ctx)
		}
	}
	return snap, nil
}

func (c *Controller) poll(ctx context.Context) (exchange.Fragment, error) {
	rctx, cancel := c.requestContext(ctx)
	defer cancel()
	return c.coord.Poll(rctx)
}

func (c *Controller) respond(ctx context.Context, token, snap string) (exchange.Ack, error) {
	rctx, cancel := c.requestContext(ctx)
	defer cancel()
	return c.coord.Respond(rctx, token, snap)
}

func (c *Controller) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Controller) transition(to exchange.State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to && c.onTrans != nil {
		c.onTrans(from, to)
	}
}

// halt logs the failure once and returns it as a HaltError. Cancellation of
// ctx is not a halt.
func (c *Controller) halt(ctx context.Context, op string, status int, token string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	state := c.State()
	c.transition(exchange.StateHalted)
	c.logger.Error("controller: halted",
		"state", state, "op", op, "status", status, "token", token, "error", err)
	return &HaltError{State: state, Op: op, Status: status, Token: token, Err: err}
}

func (c *Controller) begin(kind exchange.Kind, token string) exchange.Exchange {
	return exchange.Exchange{ID: c.ids(), Kind: kind, Token: token, StartedAt: time.Now()}
}

func (c *Controller) finish(ctx context.Context, ex *exchange.Exchange, err error) {
	ex.Duration = time.Since(ex.StartedAt)
	ex.Status = 200
	if err != nil {
		ex.Status = statusOf(err)
		ex.Error = err.Error()
	}
	if c.sink == nil {
		return
	}
	c.sink.SendExchange(ctx, *ex)
}

func (c *Controller) emitSnapshot(ctx context.Context, token, actionHeader, html string) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	if c.sink == nil {
		return
	}
	snap := exchange.NewSnapshot(seq, token, actionHeader, []byte(html))
	snap.ID = c.ids()
	c.sink.SendSnapshot(ctx, snap)
}

// statusOf returns the HTTP status carried by err, or 0 for transport
// failures.
func statusOf(err error) int {
	var sc interface{ Status() int }
	if errors.As(err, &sc) {
		return sc.Status()
	}
	return 0
}
