package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/polite-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/polite-harvester/internal/harvest"
	"github.com/JakeFAU/polite-harvester/internal/hash/sha256"
	"github.com/JakeFAU/polite-harvester/internal/identity"
	"github.com/JakeFAU/polite-harvester/internal/parser"
	"github.com/JakeFAU/polite-harvester/internal/policy/backoff"
	"github.com/JakeFAU/polite-harvester/internal/policy/ratelimit"
	storagememory "github.com/JakeFAU/polite-harvester/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type fetchStep struct {
	res harvest.FetchResult
	err error
}

type scriptedFetcher struct {
	mu     sync.Mutex
	steps  []fetchStep
	paths  []string
	before func(call int)
}

func (f *scriptedFetcher) Fetch(_ context.Context, _ *harvest.Target, path string) (harvest.FetchResult, error) {
	f.mu.Lock()
	call := len(f.paths)
	f.paths = append(f.paths, path)
	before := f.before
	var step fetchStep
	if call < len(f.steps) {
		step = f.steps[call]
	} else {
		step = fetchStep{res: harvest.Success([]byte("page"), http.StatusOK)}
	}
	f.mu.Unlock()
	if before != nil {
		before(call)
	}
	return step.res, step.err
}

func (f *scriptedFetcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

// stubParser returns a canned result per page number; unknown pages are empty.
type stubParser struct {
	pages map[int]harvest.ParseResult
	errs  map[int]error
}

func (p stubParser) Parse(page harvest.Page) (harvest.ParseResult, error) {
	if err := p.errs[page.Number]; err != nil {
		return harvest.ParseResult{}, err
	}
	return p.pages[page.Number], nil
}

func records(page int, ids ...string) harvest.ParseResult {
	res := harvest.ParseResult{Items: len(ids)}
	for _, id := range ids {
		res.Records = append(res.Records, harvest.HarvestedRecord{ExternalID: id, Source: "fixture", Page: page})
	}
	return res
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []harvest.HarvestedRecord
	ctxErrs   []error
}

func (p *recordingPublisher) Publish(ctx context.Context, r harvest.HarvestedRecord) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, r)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	return fmt.Sprintf("msg-%d", len(p.published)), nil
}

func (p *recordingPublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.published))
	for _, r := range p.published {
		out = append(out, r.ExternalID)
	}
	return out
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, r harvest.HarvestedRecord) (string, error) {
	args := m.Called(ctx, r)
	return args.String(0), args.Error(1)
}

type fakeSessionStore struct {
	mu    sync.Mutex
	saves []harvest.SessionReport
}

func (s *fakeSessionStore) SaveSession(_ context.Context, r harvest.SessionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, r)
	return nil
}

func (s *fakeSessionStore) GetSession(context.Context, string) (harvest.SessionReport, error) {
	return harvest.SessionReport{}, harvest.ErrSessionNotFound
}

func (s *fakeSessionStore) ListSessions(context.Context, string, int) ([]harvest.SessionReport, error) {
	return nil, nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *fakeBlobStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[path] = body
	return "mem://" + path, nil
}

func newTarget(p harvest.Parser) *harvest.Target {
	return &harvest.Target{
		Name:       "fixture",
		BaseURL:    &url.URL{Scheme: "https", Host: "example.test"},
		ListPath:   "/list?page={page}",
		RetryCount: 2,
		PageCap:    5,
		Parser:     p,
	}
}

func newLoop(f harvest.Fetcher, pub harvest.Publisher, opts ...func(*Loop)) *Loop {
	l := New(f, pub, nil, nil, nil, fixedIDs{id: "session-1"}, newFakeClock(), Config{}, zap.NewNop())
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func TestRunAbortsOnBanSignal(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: harvest.Success([]byte("p1"), http.StatusOK)},
		{res: harvest.Success([]byte("p2"), http.StatusOK)},
		{res: harvest.RateLimited(0)},
	}}
	pub := &recordingPublisher{}
	target := newTarget(stubParser{pages: map[int]harvest.ParseResult{
		1: records(1, "a", "b"),
		2: records(2, "c"),
		3: records(3, "never"),
	}})

	report := newLoop(fetcher, pub).Run(context.Background(), target, "test")

	require.Equal(t, harvest.SessionAborted, report.Status)
	require.Equal(t, harvest.AbortBanSignal, report.AbortReason)
	require.Equal(t, 2, report.PagesProcessed)
	require.Equal(t, 3, report.Requests)
	require.Equal(t, []string{"/list?page=1", "/list?page=2", "/list?page=3"}, fetcher.calls())
	require.Equal(t, []string{"a", "b", "c"}, pub.ids())
	require.Equal(t, 3, report.RecordsPublished)
	require.Equal(t, "session-1", report.ID)
	require.Equal(t, "test", report.Trigger)
}

func TestRunForbiddenAbortsWithoutRetry(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []fetchStep{{res: harvest.Forbidden()}}}
	report := newLoop(fetcher, &recordingPublisher{}).Run(context.Background(), newTarget(stubParser{}), "")

	require.Equal(t, harvest.AbortBanSignal, report.AbortReason)
	require.Len(t, fetcher.calls(), 1)
	require.Zero(t, report.PagesProcessed)
}

func TestRunRetriesExhausted(t *testing.T) {
	t.Parallel()

	timeout := harvest.Timeout(context.DeadlineExceeded)
	fetcher := &scriptedFetcher{steps: []fetchStep{{res: timeout}, {res: timeout}, {res: timeout}}}
	pub := &recordingPublisher{}

	report := newLoop(fetcher, pub).Run(context.Background(), newTarget(stubParser{}), "")

	require.Equal(t, harvest.SessionAborted, report.Status)
	require.Equal(t, harvest.AbortRetriesExhausted, report.AbortReason)
	require.Equal(t, 3, report.Requests)
	require.Equal(t, []string{"/list?page=1", "/list?page=1", "/list?page=1"}, fetcher.calls())
	require.Empty(t, pub.ids())
	require.Zero(t, report.PagesProcessed)
}

func TestRunRetriesTransientThenContinues(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []fetchStep{
		{res: harvest.TransientError(errors.New("connection reset"))},
		{res: harvest.Success([]byte("p1"), http.StatusOK)},
	}}
	target := newTarget(stubParser{pages: map[int]harvest.ParseResult{1: records(1, "a")}})

	report := newLoop(fetcher, &recordingPublisher{}).Run(context.Background(), target, "")

	require.Equal(t, harvest.SessionCompleted, report.Status)
	require.True(t, report.Exhausted)
	require.Equal(t, 3, report.Requests)
	require.Equal(t, 2, report.PagesProcessed)
	require.Equal(t, 1, report.RecordsPublished)
}

func TestRunPublishFailuresDoNotStopPagination(t *testing.T) {
	t.Parallel()

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(r harvest.HarvestedRecord) bool {
		return r.ExternalID == "b"
	})).Return("", errors.New("downstream returned 503")).Once()
	pub.On("Publish", mock.Anything, mock.Anything).Return("ok", nil)

	target := newTarget(stubParser{pages: map[int]harvest.ParseResult{
		1: records(1, "a", "b"),
		2: records(2, "c", "d"),
	}})
	target.PageCap = 2

	report := newLoop(&scriptedFetcher{}, pub).Run(context.Background(), target, "")

	require.Equal(t, harvest.SessionCompleted, report.Status)
	require.False(t, report.Exhausted)
	require.Equal(t, 2, report.PagesProcessed)
	require.Equal(t, 4, report.RecordsDispatched)
	require.Equal(t, 3, report.RecordsPublished)
	require.Equal(t, 1, report.PublishFailures)
	pub.AssertNumberOfCalls(t, "Publish", 4)
}

func TestRunSkipsEmptyIDsAndCountsMalformed(t *testing.T) {
	t.Parallel()

	page := records(1, "a", "", "  ")
	page.Items = 4
	page.Failures = []error{errors.New("item 3: bad link")}
	target := newTarget(stubParser{pages: map[int]harvest.ParseResult{1: page}})
	target.PageCap = 1
	pub := &recordingPublisher{}

	report := newLoop(&scriptedFetcher{}, pub).Run(context.Background(), target, "")

	require.Equal(t, harvest.SessionCompleted, report.Status)
	require.Equal(t, []string{"a"}, pub.ids())
	require.Equal(t, 2, report.RecordsSkipped)
	require.Equal(t, 1, report.ParseFailures)
	require.Equal(t, 1, report.RecordsDispatched)
}

func TestRunPageParseErrorContinues(t *testing.T) {
	t.Parallel()

	target := newTarget(stubParser{
		pages: map[int]harvest.ParseResult{2: records(2, "x")},
		errs:  map[int]error{1: errors.New("not html")},
	})
	target.PageCap = 2
	pub := &recordingPublisher{}

	report := newLoop(&scriptedFetcher{}, pub).Run(context.Background(), target, "")

	require.Equal(t, harvest.SessionCompleted, report.Status)
	require.Equal(t, 2, report.PagesProcessed)
	require.Equal(t, 1, report.ParseFailures)
	require.Equal(t, []string{"x"}, pub.ids())
}

func TestRunStopsWhenSourceExhausted(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{}
	target := newTarget(stubParser{pages: map[int]harvest.ParseResult{1: records(1, "a")}})

	report := newLoop(fetcher, &recordingPublisher{}).Run(context.Background(), target, "")

	require.Equal(t, harvest.SessionCompleted, report.Status)
	require.True(t, report.Exhausted)
	require.Len(t, fetcher.calls(), 2)
	require.Equal(t, 2, report.PagesProcessed)
}

func TestRunShortCircuitAborts(t *testing.T) {
	t.Parallel()

	blocked := harvest.RateLimited(5 * time.Minute)
	blocked.ShortCircuit = true
	blocked.Err = harvest.ErrBackoffActive
	fetcher := &scriptedFetcher{steps: []fetchStep{{res: blocked}}}

	report := newLoop(fetcher, &recordingPublisher{}).Run(context.Background(), newTarget(stubParser{}), "")

	require.Equal(t, harvest.SessionAborted, report.Status)
	require.Equal(t, harvest.AbortBackoffActive, report.AbortReason)
	require.Zero(t, report.Requests)
	require.Contains(t, report.Detail, "cooling down")
}

func TestRunCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &scriptedFetcher{}

	report := newLoop(fetcher, &recordingPublisher{}).Run(ctx, newTarget(stubParser{}), "")

	require.Equal(t, harvest.SessionAborted, report.Status)
	require.Equal(t, harvest.AbortCanceled, report.AbortReason)
	require.Empty(t, fetcher.calls())
}

func TestRunCanceledMidSessionStillPublishesFetchedPage(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &scriptedFetcher{before: func(call int) {
		if call == 0 {
			cancel()
		}
	}}
	pub := &recordingPublisher{}
	target := newTarget(stubParser{pages: map[int]harvest.ParseResult{
		1: records(1, "a", "b"),
		2: records(2, "c"),
	}})

	report := newLoop(fetcher, pub).Run(ctx, target, "")

	require.Equal(t, harvest.AbortCanceled, report.AbortReason)
	require.Equal(t, 1, report.PagesProcessed)
	require.Equal(t, []string{"a", "b"}, pub.ids())
	for _, err := range pub.ctxErrs {
		require.NoError(t, err)
	}
	require.Len(t, fetcher.calls(), 1)
}

func TestRunFetchError(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []fetchStep{{err: errors.New("parse path: bad")}}}
	report := newLoop(fetcher, &recordingPublisher{}).Run(context.Background(), newTarget(stubParser{}), "")

	require.Equal(t, harvest.AbortFetchError, report.AbortReason)
	require.Zero(t, report.Requests)
}

func TestRunArchivesAndSavesReports(t *testing.T) {
	t.Parallel()

	blobs := &fakeBlobStore{}
	sessions := &fakeSessionStore{}
	target := newTarget(stubParser{pages: map[int]harvest.ParseResult{1: records(1, "a")}})
	target.PageCap = 1

	loop := New(
		&scriptedFetcher{},
		&recordingPublisher{},
		sessions,
		blobs,
		sha256.New(),
		fixedIDs{id: "s-42"},
		newFakeClock(),
		Config{ArchivePrefix: "/raw/"},
		zap.NewNop(),
	)
	report := loop.Run(context.Background(), target, "cron")
	require.Equal(t, harvest.SessionCompleted, report.Status)

	require.Len(t, blobs.objects, 1)
	for path, body := range blobs.objects {
		require.True(t, strings.HasPrefix(path, "raw/fixture/s-42/page-0001-"), path)
		require.True(t, strings.HasSuffix(path, ".html"), path)
		require.Len(t, strings.TrimSuffix(strings.TrimPrefix(path, "raw/fixture/s-42/page-0001-"), ".html"), 12)
		require.Equal(t, "page", string(body))
	}

	require.Len(t, sessions.saves, 2)
	require.Equal(t, harvest.SessionRunning, sessions.saves[0].Status)
	require.Equal(t, harvest.SessionCompleted, sessions.saves[1].Status)
	require.False(t, sessions.saves[1].FinishedAt.IsZero())
}

// TestSessionAgainstLiveSource wires the real fetcher, governor and backoff
// controller against a source that starts rate limiting on page 3.
func TestSessionAgainstLiveSource(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var (
		mu       sync.Mutex
		hitTimes []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hitTimes = append(hitTimes, clock.Now())
		mu.Unlock()
		page := r.URL.Query().Get("page")
		if page == "3" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprintf(w, `<div class="auction-item" data-id="p%s-1"><span class="title">one</span></div>
<div class="auction-item" data-id="p%s-2"><span class="title">two</span></div>`, page, page)
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p, err := parser.NewHTML(parser.Config{ItemSelector: ".auction-item", IDAttr: "data-id", TitleSelector: ".title"})
	require.NoError(t, err)
	target := &harvest.Target{
		Name:       "auctions",
		BaseURL:    base,
		ListPath:   "/list?page={page}",
		MinDelay:   5 * time.Second,
		MaxDelay:   15 * time.Second,
		RetryCount: 3,
		PageCap:    5,
		Parser:     p,
	}

	controller := backoff.New(backoff.Config{Base: time.Minute, Max: 6 * time.Hour, MaxEscalations: 5}, clock, zap.NewNop())
	fetcher := collyfetcher.New(
		collyfetcher.Config{Timeout: 5 * time.Second},
		ratelimit.New(clock),
		controller,
		identity.Default(),
		nil,
		clock,
		zap.NewNop(),
	)
	pub := &recordingPublisher{}
	loop := New(fetcher, pub, nil, nil, nil, fixedIDs{id: "live"}, clock, Config{}, zap.NewNop())

	report := loop.Run(context.Background(), target, "test")

	require.Equal(t, harvest.SessionAborted, report.Status)
	require.Equal(t, harvest.AbortBanSignal, report.AbortReason)
	require.Equal(t, 2, report.PagesProcessed)
	require.Equal(t, 3, report.Requests)
	require.Equal(t, []string{"p1-1", "p1-2", "p2-1", "p2-2"}, pub.ids())

	mu.Lock()
	require.Len(t, hitTimes, 3)
	for i := 1; i < len(hitTimes); i++ {
		gap := hitTimes[i].Sub(hitTimes[i-1])
		require.GreaterOrEqual(t, gap, 5*time.Second)
		require.LessOrEqual(t, gap, 15*time.Second)
	}
	mu.Unlock()

	snap := target.State.Snapshot()
	require.Equal(t, harvest.ModeCooldown, snap.Mode)
	cooldown := snap.CooldownUntil.Sub(clock.Now())
	require.GreaterOrEqual(t, cooldown, time.Minute)
	require.LessOrEqual(t, cooldown, 2*time.Minute)
	require.False(t, controller.MayAttempt(target))

	// A follow-up session during the cooldown makes no request at all.
	again := loop.Run(context.Background(), target, "test")
	require.Equal(t, harvest.AbortBackoffActive, again.AbortReason)
	require.Zero(t, again.Requests)
	mu.Lock()
	require.Len(t, hitTimes, 3)
	mu.Unlock()
}

func TestRunStopsWhenSuspendedElsewhere(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	states := storagememory.NewStateStore()
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		// Another process suspends the Target while page 1 is being served.
		_ = states.SaveState(r.Context(), "auctions", harvest.StateSnapshot{
			Mode:       harvest.ModeSuspended,
			Reason:     "suspended from the CLI",
			OperatorAt: clock.Now(),
		})
		fmt.Fprint(w, `<div class="auction-item" data-id="a-1"><span class="title">one</span></div>`)
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p, err := parser.NewHTML(parser.Config{ItemSelector: ".auction-item", IDAttr: "data-id", TitleSelector: ".title"})
	require.NoError(t, err)
	target := &harvest.Target{
		Name:     "auctions",
		BaseURL:  base,
		ListPath: "/list?page={page}",
		MinDelay: 5 * time.Second,
		MaxDelay: 5 * time.Second,
		PageCap:  3,
		Parser:   p,
	}

	controller := backoff.New(backoff.Config{}, clock, zap.NewNop())
	fetcher := collyfetcher.New(
		collyfetcher.Config{Timeout: 5 * time.Second},
		ratelimit.New(clock),
		controller,
		identity.Default(),
		nil,
		clock,
		zap.NewNop(),
	)
	loop := New(fetcher, &recordingPublisher{}, nil, nil, nil, fixedIDs{id: "suspended"}, clock,
		Config{Sync: harvest.NewStateSync(states, clock)}, zap.NewNop())

	report := loop.Run(context.Background(), target, "test")

	require.Equal(t, harvest.SessionAborted, report.Status)
	require.Equal(t, harvest.AbortBackoffActive, report.AbortReason)
	require.Equal(t, 1, report.Requests)
	require.Equal(t, 1, report.PagesProcessed)
	mu.Lock()
	require.Equal(t, 1, hits)
	mu.Unlock()
	require.Equal(t, harvest.ModeSuspended, target.State.Snapshot().Mode)
}
