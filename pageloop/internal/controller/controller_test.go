package controller_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/scrapeloop/action"
	"github.com/hazyhaar/scrapeloop/exchange"
	"github.com/hazyhaar/scrapeloop/pageloop/internal/controller"
	"github.com/hazyhaar/scrapeloop/pageloop/internal/coordclient"
	"github.com/hazyhaar/scrapeloop/pageloop/internal/dom"
	"github.com/hazyhaar/scrapeloop/sink"
)

// step is one scripted coordinator reply.
type step struct {
	status int
	token  string
	body   string
	action *string
	delay  time.Duration
}

func act(s string) *string { return &s }

// scripted replays steps in order and answers 503 once they run out.
type scripted struct {
	mu     sync.Mutex
	steps  []step
	calls  []string
	bodies []string

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		m := s.maxInflight.Load()
		if n <= m || s.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	call := r.Method + " " + r.URL.Path
	if r.Method == http.MethodPost {
		call += " " + r.Header.Get("Scraper-Token")
	}
	s.calls = append(s.calls, call)
	s.bodies = append(s.bodies, string(body))
	st := step{status: http.StatusServiceUnavailable}
	if len(s.steps) > 0 {
		st = s.steps[0]
		s.steps = s.steps[1:]
	}
	s.mu.Unlock()

	if st.delay > 0 {
		select {
		case <-time.After(st.delay):
		case <-r.Context().Done():
			return
		}
	}
	if st.token != "" {
		w.Header().Set("Scraper-Token", st.token)
	}
	if st.action != nil {
		w.Header()["Scraper-Action"] = []string{*st.action}
	}
	if st.status == 0 {
		st.status = http.StatusOK
	}
	w.WriteHeader(st.status)
	io.WriteString(w, st.body)
}

func (s *scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

func (s *scripted) Body(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[i]
}

// countingHandler counts log records per level.
type countingHandler struct {
	mu     sync.Mutex
	errors int
	warns  int
	msgs   []string
}

func (h *countingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *countingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case r.Level >= slog.LevelError:
		h.errors++
		h.msgs = append(h.msgs, r.Message)
	case r.Level >= slog.LevelWarn:
		h.warns++
	}
	return nil
}
func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *countingHandler) WithGroup(string) slog.Handler      { return h }

func (h *countingHandler) Errors() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errors
}

func (h *countingHandler) Warns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.warns
}

type harness struct {
	srv  *scripted
	logs *countingHandler
	doc  *dom.Document
	ctrl *controller.Controller
}

func newHarness(t *testing.T, cfg controller.Config, steps ...step) *harness {
	t.Helper()
	srv := &scripted{steps: steps}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	logs := &countingHandler{}
	logger := slog.New(logs)
	doc := dom.Empty()
	ctrl := controller.New(doc, coordclient.New(ts.URL, coordclient.WithLogger(logger)), cfg,
		controller.WithLogger(logger))
	return &harness{srv: srv, logs: logs, doc: doc, ctrl: ctrl}
}

func wantHalt(t *testing.T, err error, status int) *controller.HaltError {
	t.Helper()
	if !errors.Is(err, controller.ErrHalted) {
		t.Fatalf("got %v, want halt", err)
	}
	var he *controller.HaltError
	if !errors.As(err, &he) {
		t.Fatalf("got %T, want *HaltError", err)
	}
	if he.Status != status {
		t.Errorf("status: got %d, want %d", he.Status, status)
	}
	return he
}

func TestRun_PollRespondPoll(t *testing.T) {
	h := newHarness(t, controller.Config{},
		step{token: "t1", body: "<p>load</p>"},
		step{},
	)

	err := h.ctrl.Run(context.Background())
	wantHalt(t, err, 503)

	want := []string{"GET /scrape", "POST /response t1", "GET /scrape"}
	if got := h.srv.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls: got %v, want %v", got, want)
	}
	if h.logs.Errors() != 1 {
		t.Errorf("error logs: got %d, want 1", h.logs.Errors())
	}
	if h.ctrl.State() != exchange.StateHalted {
		t.Errorf("state: got %s", h.ctrl.State())
	}
}

func TestRun_FragmentInSnapshot(t *testing.T) {
	frag := `<table id="loads"><tbody><tr><td>Dallas</td><td>Austin</td></tr></tbody></table>`
	h := newHarness(t, controller.Config{},
		step{token: "t1", body: frag},
		step{},
	)
	h.ctrl.Run(context.Background())

	if body := h.srv.Body(1); !strings.Contains(body, frag) {
		t.Errorf("snapshot %q does not contain fragment", body)
	}
}

func TestRun_ScriptActionResponds(t *testing.T) {
	h := newHarness(t, controller.Config{Actions: action.ParseOptions{AllowScripts: true}},
		step{token: "t1", body: "<p>x</p>"},
		step{action: act("console.log('x')")},
		step{},
	)
	wantHalt(t, h.ctrl.Run(context.Background()), 503)

	want := []string{"GET /scrape", "POST /response t1", "POST /response t1", "GET /scrape"}
	if got := h.srv.Calls(); !slices.Equal(got, want) {
		t.Fatalf("calls: got %v, want %v", got, want)
	}
	if body := h.srv.Body(2); !strings.Contains(body, "<script>console.log('x')</script>") {
		t.Errorf("second respond body: %q", body)
	}
}

func TestRun_InstructionAction(t *testing.T) {
	set, _ := action.Encode(
		action.Instruction{Op: action.OpSetAttr, Selector: "#q", Name: "value", Value: "TX"},
		action.Instruction{Op: action.OpAppendHTML, HTML: "<i>done</i>"},
	)
	h := newHarness(t, controller.Config{InsertTarget: action.TargetContainer},
		step{token: "t1", body: `<form><input id="q"/></form>`},
		step{action: &set},
		step{},
	)
	wantHalt(t, h.ctrl.Run(context.Background()), 503)

	body := h.srv.Body(2)
	if !strings.Contains(body, `<input id="q" value="TX"/>`) || !strings.Contains(body, "</form><i>done</i></div>") {
		t.Errorf("second respond body: %q", body)
	}
}

func TestRun_ScriptRejectedByDefault(t *testing.T) {
	h := newHarness(t, controller.Config{},
		step{token: "t1", body: "<p>x</p>"},
		step{action: act("window.location = '/elsewhere'")},
	)
	err := h.ctrl.Run(context.Background())
	he := wantHalt(t, err, 0)
	if he.Op != "action" || he.Token != "t1" {
		t.Errorf("got %+v", he)
	}
	if !errors.Is(err, controller.ErrActionRejected) || !errors.Is(err, action.ErrScriptsDisabled) {
		t.Errorf("got %v", err)
	}
	if n := len(h.srv.Calls()); n != 2 {
		t.Errorf("calls: got %d, want 2", n)
	}
	if h.logs.Errors() != 1 {
		t.Errorf("error logs: got %d, want 1", h.logs.Errors())
	}
}

func TestRun_EmptyActionIsNoAction(t *testing.T) {
	h := newHarness(t, controller.Config{},
		step{token: "t1", body: "<p>x</p>"},
		step{action: act("")},
		step{},
	)
	wantHalt(t, h.ctrl.Run(context.Background()), 503)
	want := []string{"GET /scrape", "POST /response t1", "GET /scrape"}
	if got := h.srv.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls: got %v, want %v", got, want)
	}
}

func TestRun_NonOKHaltsWithoutFurtherCalls(t *testing.T) {
	tests := []struct {
		name   string
		steps  []step
		calls  int
		status int
		token  string
	}{
		{"poll 404", []step{{status: 404}}, 1, 404, ""},
		{"poll 302", []step{{status: 302, token: "t0"}}, 1, 302, "t0"},
		{"respond 500", []step{{token: "t1", body: "x"}, {status: 500}}, 2, 500, "t1"},
		{"respond after action 410", []step{
			{token: "t1", body: "<p>x</p>"},
			{action: act(`{"op":"remove","selector":"p"}`)},
			{status: 410},
		}, 3, 410, "t1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, controller.Config{}, tt.steps...)
			he := wantHalt(t, h.ctrl.Run(context.Background()), tt.status)
			if he.Token != tt.token {
				t.Errorf("token: got %q, want %q", he.Token, tt.token)
			}
			if n := len(h.srv.Calls()); n != tt.calls {
				t.Errorf("calls: got %d, want %d", n, tt.calls)
			}
			if h.logs.Errors() != 1 {
				t.Errorf("error logs: got %d, want 1", h.logs.Errors())
			}
		})
	}
}

func TestRun_OneOutstandingRequest(t *testing.T) {
	var steps []step
	for range 10 {
		steps = append(steps, step{token: "t", body: "<b>x</b>", delay: 2 * time.Millisecond}, step{})
	}
	h := newHarness(t, controller.Config{}, steps...)
	h.ctrl.Run(context.Background())

	if m := h.srv.maxInflight.Load(); m != 1 {
		t.Errorf("max in flight: got %d, want 1", m)
	}
	if n := len(h.srv.Calls()); n != 21 {
		t.Errorf("calls: got %d, want 21", n)
	}
}

func TestRun_MaxCycles(t *testing.T) {
	h := newHarness(t, controller.Config{MaxCycles: 2},
		step{token: "a", body: "1"}, step{},
		step{token: "b", body: "2"}, step{},
	)
	if err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
	if n := len(h.srv.Calls()); n != 4 {
		t.Errorf("calls: got %d, want 4", n)
	}
	if h.ctrl.State() != exchange.StateIdle {
		t.Errorf("state: got %s", h.ctrl.State())
	}
}

func TestRun_ContextCancelIsNotAHalt(t *testing.T) {
	h := newHarness(t, controller.Config{}, step{delay: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := h.ctrl.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if errors.Is(err, controller.ErrHalted) {
		t.Error("cancellation reported as halt")
	}
	if h.logs.Errors() != 0 {
		t.Errorf("error logs: got %d, want 0", h.logs.Errors())
	}
}

func TestRun_RequestTimeoutHalts(t *testing.T) {
	h := newHarness(t, controller.Config{RequestTimeout: 20 * time.Millisecond}, step{delay: time.Minute})
	he := wantHalt(t, h.ctrl.Run(context.Background()), 0)
	if he.Op != "poll" || !errors.Is(he, context.DeadlineExceeded) {
		t.Errorf("got %+v", he)
	}
	if h.logs.Errors() != 1 {
		t.Errorf("error logs: got %d, want 1", h.logs.Errors())
	}
}

func TestRunFrom_RespondsFirst(t *testing.T) {
	h := newHarness(t, controller.Config{}, step{})
	wantHalt(t, h.ctrl.RunFrom(context.Background(), "seed"), 503)

	want := []string{"POST /response seed", "GET /scrape"}
	if got := h.srv.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls: got %v, want %v", got, want)
	}
	if body := h.srv.Body(0); !strings.Contains(body, "<body><div></div></body>") {
		t.Errorf("first body: %q", body)
	}
}

func TestTransitions(t *testing.T) {
	srv := &scripted{steps: []step{
		{token: "t1", body: "x"},
		{action: act(`{"op":"remove","selector":"div"}`)},
		{},
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var got []exchange.State
	ctrl := controller.New(dom.Empty(), coordclient.New(ts.URL), controller.Config{},
		controller.WithLogger(slog.New(&countingHandler{})),
		controller.WithOnTransition(func(_, to exchange.State) { got = append(got, to) }))
	ctrl.Run(context.Background())

	want := []exchange.State{
		exchange.StatePolling,
		exchange.StateAwaitingResponseAck,
		exchange.StateExecutingAction,
		exchange.StateAwaitingResponseAck,
		exchange.StatePolling,
		exchange.StateHalted,
	}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSinkReceivesSnapshotsAndExchanges(t *testing.T) {
	srv := &scripted{steps: []step{{token: "t1", body: "<p>x</p>"}, {}}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var snaps []exchange.Snapshot
	var exs []exchange.Exchange
	cb := sink.NewCallback(
		func(_ context.Context, s exchange.Snapshot) error { snaps = append(snaps, s); return nil },
		func(_ context.Context, e exchange.Exchange) error { exs = append(exs, e); return nil },
	)
	ctrl := controller.New(dom.Empty(), coordclient.New(ts.URL), controller.Config{},
		controller.WithLogger(slog.New(&countingHandler{})),
		controller.WithSink(cb))
	ctrl.Run(context.Background())

	if len(snaps) != 1 || snaps[0].Seq != 1 || snaps[0].Token != "t1" {
		t.Fatalf("snapshots: %+v", snaps)
	}
	if len(exs) != 3 {
		t.Fatalf("exchanges: got %d, want 3", len(exs))
	}
	if exs[0].Kind != exchange.KindPoll || !exs[0].OK() || exs[0].Token != "t1" {
		t.Errorf("poll: %+v", exs[0])
	}
	if exs[1].Kind != exchange.KindRespond || exs[1].SnapshotHash != snaps[0].HTMLHash {
		t.Errorf("respond: %+v", exs[1])
	}
	if exs[2].OK() || exs[2].Status != 503 {
		t.Errorf("halting poll: %+v", exs[2])
	}
}

// settleDoc records WaitSettle calls around a dom.Document.
type settleDoc struct {
	*dom.Document
	settled int
}

func (d *settleDoc) WaitSettle(context.Context, time.Duration) error {
	d.settled++
	return nil
}

func TestChainSettle(t *testing.T) {
	srv := &scripted{steps: []step{
		{token: "t1", body: "x"},
		{action: act(`{"op":"append_html","html":"<hr>"}`)},
		{},
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	doc := &settleDoc{Document: dom.Empty()}
	ctrl := controller.New(doc, coordclient.New(ts.URL), controller.Config{ChainMode: controller.ChainSettle},
		controller.WithLogger(slog.New(&countingHandler{})))
	ctrl.Run(context.Background())

	if doc.settled != 1 {
		t.Errorf("settled: got %d, want 1", doc.settled)
	}
	if body := srv.Body(2); !strings.Contains(body, "<hr/>") {
		t.Errorf("body: %q", body)
	}
}

func TestPollInterval(t *testing.T) {
	h := newHarness(t, controller.Config{PollInterval: 30 * time.Millisecond, MaxCycles: 3},
		step{token: "a", body: "1"}, step{},
		step{token: "b", body: "2"}, step{},
		step{token: "c", body: "3"}, step{},
	)
	start := time.Now()
	if err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if el := time.Since(start); el < 55*time.Millisecond {
		t.Errorf("three paced polls took %v", el)
	}
}

func TestSink_NoSnapshotForFailedRespond(t *testing.T) {
	srv := &scripted{steps: []step{{token: "t1", body: "<p>x</p>"}, {status: 500}}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var snaps []exchange.Snapshot
	var exs []exchange.Exchange
	cb := sink.NewCallback(
		func(_ context.Context, s exchange.Snapshot) error { snaps = append(snaps, s); return nil },
		func(_ context.Context, e exchange.Exchange) error { exs = append(exs, e); return nil },
	)
	ctrl := controller.New(dom.Empty(), coordclient.New(ts.URL), controller.Config{},
		controller.WithLogger(slog.New(&countingHandler{})),
		controller.WithSink(cb))
	wantHalt(t, ctrl.Run(context.Background()), 500)

	if len(snaps) != 0 {
		t.Errorf("snapshots: got %d, want 0 for a rejected respond", len(snaps))
	}
	if len(exs) != 2 || exs[1].Kind != exchange.KindRespond || exs[1].Status != 500 {
		t.Errorf("exchanges: %+v", exs)
	}
}

func TestSink_FailureLoggedOnce(t *testing.T) {
	srv := &scripted{steps: []step{{token: "t1", body: "<p>x</p>"}, {}}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	failing := errors.New("disk full")
	cb := sink.NewCallback(
		func(context.Context, exchange.Snapshot) error { return failing },
		func(context.Context, exchange.Exchange) error { return failing },
	)
	logs := &countingHandler{}
	ctrl := controller.New(dom.Empty(), coordclient.New(ts.URL), controller.Config{},
		controller.WithSink(cb),
		controller.WithLogger(slog.New(logs)))
	wantHalt(t, ctrl.Run(context.Background()), 503)

	// one snapshot, three exchanges (poll, respond, halting poll)
	if got := logs.Warns(); got != 4 {
		t.Errorf("warnings: got %d, want 4", got)
	}
	if got := logs.Errors(); got != 1 {
		t.Errorf("errors: got %d, want 1", got)
	}
}
