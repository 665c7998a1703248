// Package pageloop hosts the scraping page loop: it opens the seed page in
// a browser (or an in-memory document), then runs a controller that polls
// the coordinator for fragments and responds with the serialized page.
package pageloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/scrapeloop/action"
	"github.com/hazyhaar/scrapeloop/exchange"
	"github.com/hazyhaar/scrapeloop/pageloop/internal/browser"
	"github.com/hazyhaar/scrapeloop/pageloop/internal/controller"
	"github.com/hazyhaar/scrapeloop/pageloop/internal/coordclient"
	"github.com/hazyhaar/scrapeloop/pageloop/internal/dom"
	"github.com/hazyhaar/scrapeloop/sink"
)

// ErrHalted matches every error returned when the controller stopped on a
// failed exchange.
var ErrHalted = controller.ErrHalted

// ErrActionRejected matches halts caused by an action that could not be
// parsed or applied.
var ErrActionRejected = controller.ErrActionRejected

// HaltError describes why the controller stopped.
type HaltError = controller.HaltError

// ErrNoSeedToken is returned by the respond-first variant when the seed
// page carried no Scraper-Token.
var ErrNoSeedToken = errors.New("pageloop: seed page carried no Scraper-Token")

// Runner is the top-level orchestrator. Create one per page loop.
type Runner struct {
	cfg    *Config
	client *coordclient.Client
	sinkR  *sink.Router
	logger *slog.Logger

	mu      sync.Mutex
	onTrans func(from, to exchange.State)
	state   exchange.State
}

// New creates a Runner from configuration. cfg must have been validated.
func New(cfg *Config, logger *slog.Logger, sinks ...Sink) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg: cfg,
		client: coordclient.New(cfg.Coordinator.URL,
			coordclient.WithUserAgent(cfg.Coordinator.UserAgent),
			coordclient.WithLogger(logger)),
		sinkR:  sink.NewRouter(logger, sinks...),
		logger: logger,
		state:  exchange.StateIdle,
	}
}

// OnTransition registers a hook called on every controller state change.
func (r *Runner) OnTransition(fn func(from, to exchange.State)) {
	r.mu.Lock()
	r.onTrans = fn
	r.mu.Unlock()
}

// State returns the controller state of the current session.
func (r *Runner) State() exchange.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run opens the seed page and runs the page loop until ctx is cancelled,
// max_cycles is reached or the controller halts. With restart enabled a
// halt reloads the seed page after restart.delay instead of returning.
func (r *Runner) Run(ctx context.Context) error {
	var mgr *browser.Manager
	if r.cfg.Mode == "browser" {
		mgr = browser.NewManager(browser.Config{
			RemoteURL:        r.cfg.Browser.Remote,
			Bin:              r.cfg.Browser.Bin,
			NoSandbox:        r.cfg.Browser.NoSandbox,
			ResourceBlocking: r.cfg.Browser.ResourceBlocking,
			Stealth:          browser.ParseStealth(r.cfg.Browser.Stealth),
			XvfbDisplay:      r.cfg.Browser.XvfbDisplay,
			Logger:           r.logger,
		})
		if _, err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("pageloop: start browser: %w", err)
		}
		defer mgr.Close()
	}

	restarts := 0
	for {
		err := r.session(ctx, mgr)
		if err == nil || ctx.Err() != nil || !errors.Is(err, ErrHalted) || !r.cfg.Restart.Enabled {
			return err
		}
		restarts++
		if r.cfg.Restart.MaxRestarts > 0 && restarts > r.cfg.Restart.MaxRestarts {
			return err
		}

		r.logger.Info("pageloop: restarting", "attempt", restarts, "delay", r.cfg.Restart.Delay)
		t := time.NewTimer(r.cfg.Restart.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close releases the sinks.
func (r *Runner) Close() error {
	return r.sinkR.Close()
}

// session loads the seed page once and runs one controller over it.
func (r *Runner) session(ctx context.Context, mgr *browser.Manager) error {
	doc, token, closeDoc, err := r.openDocument(ctx, mgr)
	if err != nil {
		return err
	}
	defer closeDoc()

	ctrl := controller.New(doc, r.client, controller.Config{
		InsertTarget:   action.InsertTarget(r.cfg.Document.InsertTarget),
		ChainMode:      controller.ChainMode(r.cfg.Document.ChainMode),
		SettleTimeout:  r.cfg.Document.SettleTimeout,
		RequestTimeout: r.cfg.Coordinator.RequestTimeout,
		PollInterval:   r.cfg.Coordinator.PollInterval,
		MaxCycles:      r.cfg.Coordinator.MaxCycles,
		Actions: action.ParseOptions{
			AllowScripts:     r.cfg.Actions.AllowScripts,
			AllowedFunctions: r.cfg.Actions.AllowedFunctions,
		},
	},
		controller.WithLogger(r.logger),
		controller.WithSink(r.sinkR),
		controller.WithOnTransition(r.transition),
	)

	if r.cfg.Start == "respond" {
		if token == "" {
			return ErrNoSeedToken
		}
		return ctrl.RunFrom(ctx, token)
	}
	return ctrl.Run(ctx)
}

// openDocument loads the seed page and returns the document, the token the
// seed response carried and a release function.
func (r *Runner) openDocument(ctx context.Context, mgr *browser.Manager) (controller.Document, string, func(), error) {
	if mgr == nil {
		sctx, cancel := context.WithTimeout(ctx, r.cfg.Coordinator.RequestTimeout)
		body, token, err := r.client.Seed(sctx, r.cfg.StartURL)
		cancel()
		if err != nil {
			r.logger.Error("pageloop: unable to access network", "url", r.cfg.StartURL, "error", err)
			return nil, "", nil, err
		}
		doc, err := dom.New(body, dom.WithSanitize(r.cfg.Document.Sanitize))
		if err != nil {
			return nil, "", nil, err
		}
		r.logger.Info("pageloop: start page loaded", "url", r.cfg.StartURL, "token", token)
		return doc, token, func() {}, nil
	}

	shell := browser.NewShell(mgr, r.cfg.Coordinator.UserAgent, r.cfg.Coordinator.RequestTimeout)
	tab, err := shell.Open(ctx, r.cfg.StartURL)
	if err != nil {
		return nil, "", nil, err
	}
	doc := tab.Document().Sanitize(dom.Policy(r.cfg.Document.Sanitize))
	return doc, tab.Token, func() { tab.Close() }, nil
}

func (r *Runner) transition(from, to exchange.State) {
	r.mu.Lock()
	r.state = to
	fn := r.onTrans
	r.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}
