// Package coordinator is a reference coordinator for page loops. It hands
// out queued jobs on GET /scrape, collects serialized documents on
// POST /response and chains each job's follow-up actions.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/scrapeloop/exchange"
	"github.com/hazyhaar/scrapeloop/idgen"
	"github.com/hazyhaar/scrapeloop/sink"
)

// SeedDocument is served on GET /start.
const SeedDocument = "<html><head></head><body><div></div></body></html>"

// ErrInvalidJob is returned by Submit for jobs that cannot be served.
var ErrInvalidJob = errors.New("coordinator: invalid job")

// Result is one serialized document received for a job. Action is the
// follow-up action that produced it, empty for the first response.
type Result struct {
	JobID    string
	Token    string
	Action   string
	Snapshot []byte
}

// session tracks a claimed job between responses.
type session struct {
	job     Job
	attempt int       // claim the token was issued for
	aid     int       // index of the action last sent, -1 before any
	expires time.Time // when the queue makes the job visible again
}

// Coordinator serves the page loop HTTP contract.
type Coordinator struct {
	cfg    *Config
	q      *queue
	sinkR  *sink.Router
	logger *slog.Logger
	tokens idgen.Generator
	ids    idgen.Generator
	proxy  *passthrough

	results chan Result
	wake    chan struct{}
	seq     atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session // by token
	current  map[string]string   // job ID -> token of its latest claim
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTokenGenerator sets the generator for session tokens.
func WithTokenGenerator(g idgen.Generator) Option {
	return func(c *Coordinator) { c.tokens = g }
}

// WithIDGenerator sets the generator for job IDs assigned by Submit.
func WithIDGenerator(g idgen.Generator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// New creates a Coordinator over db, creating the queue schema if needed.
func New(cfg *Config, db *sql.DB, logger *slog.Logger, sinks []sink.Sink, opts ...Option) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(QueueSchema); err != nil {
		return nil, fmt.Errorf("coordinator: schema: %w", err)
	}

	c := &Coordinator{
		cfg: cfg,
		q: &queue{
			db:          db,
			visibility:  cfg.Visibility,
			maxAttempts: cfg.MaxAttempts,
			logger:      logger,
		},
		sinkR:    sink.NewRouter(logger, sinks...),
		logger:   logger,
		tokens:   idgen.Token(16),
		ids:      idgen.Prefixed("job_", idgen.UUIDv7()),
		results:  make(chan Result, cfg.Results),
		wake:     make(chan struct{}, 1),
		sessions: make(map[string]*session),
		current:  make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}

	if cfg.Upstream.Enabled() {
		p, err := newPassthrough(cfg.Upstream, logger)
		if err != nil {
			return nil, err
		}
		c.proxy = p
	}
	return c, nil
}

// Handler returns the HTTP handler of the coordinator.
func (c *Coordinator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(c.logger))

	r.Get(exchange.PathStart, c.handleStart)
	r.Get(exchange.PathScrape, c.handleScrape)
	r.With(maxBody(c.cfg.MaxBody)).Post(exchange.PathResponse, c.handleResponse)

	if c.proxy != nil {
		r.NotFound(c.proxy.ServeHTTP)
		r.MethodNotAllowed(c.proxy.ServeHTTP)
	}
	return r
}

// Results delivers every response received. Results are dropped with a
// warning when the channel buffer is full; sinks receive them regardless.
func (c *Coordinator) Results() <-chan Result {
	return c.results
}

// Submit queues a job and returns its ID. An empty job ID is assigned.
// Action headers must be single-line.
func (c *Coordinator) Submit(ctx context.Context, job Job) (string, error) {
	if job.Body == "" {
		return "", fmt.Errorf("%w: empty body", ErrInvalidJob)
	}
	for i, a := range job.Actions {
		if strings.TrimSpace(a) == "" || strings.ContainsAny(a, "\r\n") {
			return "", fmt.Errorf("%w: action %d is empty or spans lines", ErrInvalidJob, i)
		}
	}
	if job.ID == "" {
		job.ID = c.ids()
	}
	if err := c.q.publish(ctx, job); err != nil {
		return "", err
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.logger.Info("coordinator: job submitted", "id", job.ID, "actions", len(job.Actions))
	return job.ID, nil
}

// Pending returns the number of jobs queued or in progress.
func (c *Coordinator) Pending(ctx context.Context) (int, error) {
	return c.q.count(ctx)
}

// Close releases the sinks. The database belongs to the caller.
func (c *Coordinator) Close() error {
	return c.sinkR.Close()
}

func (c *Coordinator) handleStart(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, SeedDocument)
}

func (c *Coordinator) handleScrape(w http.ResponseWriter, r *http.Request) {
	log := loggerFrom(r.Context(), c.logger)

	job, err := c.claimWait(r.Context())
	if err != nil {
		if r.Context().Err() == nil {
			log.Error("coordinator: claim failed", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	token := c.tokens()
	c.register(token, job)

	log.Info("coordinator: handing out job", "id", job.ID, "token", token, "attempt", job.Attempts)
	w.Header().Set(exchange.HeaderToken, token)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, job.Body)
}

// claimWait claims a job, waiting up to ClaimWait for one to become
// visible.
func (c *Coordinator) claimWait(ctx context.Context) (*claimed, error) {
	deadline := time.NewTimer(c.cfg.ClaimWait)
	defer deadline.Stop()
	recheck := time.NewTicker(250 * time.Millisecond)
	defer recheck.Stop()

	for {
		job, err := c.q.claim(ctx)
		if err != nil || job != nil {
			return job, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-c.wake:
		case <-recheck.C:
		}
	}
}

// register records the session of a fresh claim. Sessions of earlier
// claims of the same job and sessions past their visibility window are
// dropped.
func (c *Coordinator) register(token string, job *claimed) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for tok, st := range c.sessions {
		if now.After(st.expires) {
			c.dropLocked(tok, st)
		}
	}
	if old, ok := c.current[job.ID]; ok {
		c.logger.Info("coordinator: job claimed again, dropping stale session",
			"id", job.ID, "stale_token", old, "attempt", job.Attempts)
		delete(c.sessions, old)
	}
	c.sessions[token] = &session{
		job:     job.Job,
		attempt: job.Attempts,
		aid:     -1,
		expires: now.Add(c.cfg.Visibility),
	}
	c.current[job.ID] = token
}

func (c *Coordinator) dropLocked(token string, st *session) {
	delete(c.sessions, token)
	if c.current[st.job.ID] == token {
		delete(c.current, st.job.ID)
	}
}

func (c *Coordinator) handleResponse(w http.ResponseWriter, r *http.Request) {
	log := loggerFrom(r.Context(), c.logger)
	token := r.Header.Get(exchange.HeaderToken)

	c.mu.Lock()
	st, ok := c.sessions[token]
	c.mu.Unlock()
	if !ok {
		log.Warn("coordinator: no session for token", "token", token)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			log.Warn("coordinator: response too large", "token", token, "limit", mbe.Limit)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		log.Warn("coordinator: read response", "token", token, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	if c.sessions[token] != st {
		c.mu.Unlock()
		log.Warn("coordinator: session dropped while reading response", "token", token)
		return
	}
	act := ""
	if st.aid >= 0 {
		act = st.job.Actions[st.aid]
	}
	st.aid++
	next, more := "", st.aid < len(st.job.Actions)
	if more {
		next = st.job.Actions[st.aid]
	} else {
		c.dropLocked(token, st)
	}
	c.mu.Unlock()

	c.deliver(r.Context(), Result{JobID: st.job.ID, Token: token, Action: act, Snapshot: body})

	if more {
		ok, err := c.q.extend(r.Context(), st.job.ID, st.attempt)
		if err != nil {
			log.Warn("coordinator: extend visibility", "id", st.job.ID, "error", err)
		} else if !ok {
			log.Warn("coordinator: claim superseded, ending chain", "id", st.job.ID, "token", token)
			c.mu.Lock()
			c.dropLocked(token, st)
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		st.expires = time.Now().Add(c.cfg.Visibility)
		c.mu.Unlock()
		w.Header().Set(exchange.HeaderAction, next)
		log.Debug("coordinator: sending next action", "id", st.job.ID, "index", st.aid)
		return
	}
	ok, err = c.q.ack(r.Context(), st.job.ID, st.attempt)
	if err != nil {
		log.Error("coordinator: ack", "id", st.job.ID, "error", err)
		return
	}
	if !ok {
		log.Warn("coordinator: claim superseded, job left queued", "id", st.job.ID, "token", token)
		return
	}
	log.Info("coordinator: job complete", "id", st.job.ID, "token", token)
}

func (c *Coordinator) deliver(ctx context.Context, res Result) {
	snap := exchange.NewSnapshot(c.seq.Add(1), res.Token, res.Action, res.Snapshot)
	c.sinkR.SendSnapshot(ctx, snap) // the router logs failures

	select {
	case c.results <- res:
	default:
		c.logger.Warn("coordinator: results channel full, dropping", "job", res.JobID)
	}
}
