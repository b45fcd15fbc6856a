package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/goleak"

	"tidecaster/internal/executor"
	"tidecaster/internal/faults"
	"tidecaster/internal/providers"
	"tidecaster/internal/store"
	"tidecaster/pkg/monitoring"
)

// memStore mirrors the SQL store's claim and transition semantics in
// memory so runner behavior can be exercised with real concurrency.
type memStore struct {
	mu    sync.Mutex
	seq   int
	order []string
	items map[string]*store.Item
	refs  map[string]string
	posts map[string]map[string]*store.PlatformPost
}

func newMemStore() *memStore {
	return &memStore{
		items: make(map[string]*store.Item),
		refs:  make(map[string]string),
		posts: make(map[string]map[string]*store.PlatformPost),
	}
}

func (m *memStore) CreateOrGet(_ context.Context, sourceRef string, payload map[string]any) (store.Item, bool, error) {
	if sourceRef == "" {
		return store.Item{}, false, errors.New("source ref is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.refs[sourceRef]; ok {
		return copyItem(m.items[id]), false, nil
	}
	m.seq++
	id := fmt.Sprintf("item-%d", m.seq)
	now := time.Now()
	it := &store.Item{
		ID:        id,
		SourceRef: sourceRef,
		Phase:     store.PhaseDiscovered,
		Payload:   cloneMap(payload),
		Attempts:  make(map[string]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.items[id] = it
	m.refs[sourceRef] = id
	m.order = append(m.order, id)
	return copyItem(it), true, nil
}

func (m *memStore) ListByPhase(_ context.Context, phase store.Phase, limit int) ([]store.Item, error) {
	if !phase.Rest() {
		return nil, fmt.Errorf("phase %s is not persisted", phase)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Item
	for _, id := range m.order {
		it := m.items[id]
		if it.Phase != phase {
			continue
		}
		out = append(out, copyItem(it))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) TryLock(_ context.Context, itemID, workerID string, expectedPhase store.Phase, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, errors.New("lease must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return false, nil
	}
	now := time.Now()
	if it.Phase != expectedPhase || it.Claimed(now) {
		return false, nil
	}
	it.ClaimedBy = sql.NullString{String: workerID, Valid: true}
	it.ClaimExpiresAt = sql.NullTime{Time: now.Add(lease), Valid: true}
	it.UpdatedAt = now
	return true, nil
}

func (m *memStore) Advance(_ context.Context, itemID, workerID string, from, to store.Phase, payloadDelta map[string]any) error {
	next, ok := from.Next()
	if !ok || next != to {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, found := m.items[itemID]
	if !found || it.Phase != from || !it.ClaimedBy.Valid || it.ClaimedBy.String != workerID {
		return store.ErrStaleTransition
	}
	it.Phase = to
	for k, v := range payloadDelta {
		it.Payload[k] = v
	}
	it.LastError = sql.NullString{}
	it.ErrorClass = sql.NullString{}
	it.FailedFrom = sql.NullString{}
	it.ClaimedBy = sql.NullString{}
	it.ClaimExpiresAt = sql.NullTime{}
	it.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, itemID, workerID string, phase store.Phase, class, reason string, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, found := m.items[itemID]
	if !found || it.Phase != phase || !it.ClaimedBy.Valid || it.ClaimedBy.String != workerID {
		return store.ErrStaleTransition
	}
	it.Phase = store.PhaseFailed
	it.FailedFrom = sql.NullString{String: string(phase), Valid: true}
	it.LastError = sql.NullString{String: reason, Valid: true}
	it.ErrorClass = sql.NullString{String: class, Valid: true}
	it.Attempts[string(phase)] += attempts
	it.ClaimedBy = sql.NullString{}
	it.ClaimExpiresAt = sql.NullTime{}
	it.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) Unlock(_ context.Context, itemID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, found := m.items[itemID]
	if !found || !it.ClaimedBy.Valid || it.ClaimedBy.String != workerID {
		return nil
	}
	it.ClaimedBy = sql.NullString{}
	it.ClaimExpiresAt = sql.NullTime{}
	it.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) CreatePosts(_ context.Context, itemID string, reqs []store.PostRequest) error {
	if itemID == "" {
		return errors.New("item id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byPlatform := m.posts[itemID]
	if byPlatform == nil {
		byPlatform = make(map[string]*store.PlatformPost)
		m.posts[itemID] = byPlatform
	}
	for _, req := range reqs {
		if _, exists := byPlatform[req.Platform]; exists {
			continue
		}
		m.seq++
		now := time.Now()
		byPlatform[req.Platform] = &store.PlatformPost{
			ID:            fmt.Sprintf("post-%d", m.seq),
			ItemID:        itemID,
			Platform:      req.Platform,
			ScheduledTime: req.ScheduledTime,
			Status:        store.PostPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	return nil
}

func (m *memStore) ConfirmPost(_ context.Context, itemID, platform, externalPostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	post := m.posts[itemID][platform]
	if post == nil || post.Status == store.PostConfirmed {
		return nil
	}
	post.Status = store.PostConfirmed
	post.ExternalPostID = sql.NullString{String: externalPostID, Valid: true}
	post.LastError = sql.NullString{}
	post.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) FailPost(_ context.Context, itemID, platform, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	post := m.posts[itemID][platform]
	if post == nil || post.Status == store.PostConfirmed {
		return nil
	}
	post.Status = store.PostFailed
	post.LastError = sql.NullString{String: reason, Valid: true}
	post.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) ListPostsByItem(_ context.Context, itemID string) ([]store.PlatformPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PlatformPost
	for _, post := range m.posts[itemID] {
		out = append(out, *post)
	}
	// Platform order, matching the SQL store.
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if out[j].Platform < out[i].Platform {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memStore) PhaseCounts(_ context.Context) (map[store.Phase]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	counts := make(map[store.Phase]int)
	for _, it := range m.items {
		counts[it.EffectivePhase(now)]++
	}
	return counts, nil
}

func (m *memStore) ErrorClassCounts(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, it := range m.items {
		if it.Phase != store.PhaseFailed {
			continue
		}
		class := it.ErrorClass.String
		if class == "" {
			class = "unknown"
		}
		counts[class]++
	}
	return counts, nil
}

// seed creates an item directly in the given rest phase.
func (m *memStore) seed(ref string, phase store.Phase, payload map[string]any) string {
	it, _, _ := m.CreateOrGet(context.Background(), ref, payload)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[it.ID].Phase = phase
	return it.ID
}

func (m *memStore) get(id string) store.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyItem(m.items[id])
}

func (m *memStore) backdatePosts(itemID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, post := range m.posts[itemID] {
		post.ScheduledTime = time.Now().Add(d)
	}
}

func copyItem(it *store.Item) store.Item {
	cp := *it
	cp.Payload = cloneMap(it.Payload)
	cp.Attempts = make(map[string]int, len(it.Attempts))
	for k, v := range it.Attempts {
		cp.Attempts[k] = v
	}
	return cp
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

type fakeScraper struct {
	mu       sync.Mutex
	calls    int
	discover func(criteria providers.DiscoveryCriteria) ([]providers.RawCandidate, error)
}

func (f *fakeScraper) Discover(_ context.Context, criteria providers.DiscoveryCriteria) ([]providers.RawCandidate, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.discover != nil {
		return f.discover(criteria)
	}
	return nil, nil
}

func (f *fakeScraper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   map[string]int
	analyze func(cand providers.RawCandidate) (providers.Analysis, error)
}

func (f *fakeAnalyzer) Analyze(_ context.Context, cand providers.RawCandidate) (providers.Analysis, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[cand.SourceRef]++
	f.mu.Unlock()
	if f.analyze != nil {
		return f.analyze(cand)
	}
	return providers.Analysis{
		Topic:      "topic",
		Hook:       "hook",
		Script:     "script",
		Caption:    "caption",
		ViralScore: 80,
	}, nil
}

func (f *fakeAnalyzer) callsFor(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

func (f *fakeAnalyzer) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	generate func(spec providers.GenerationSpec) (providers.MediaRef, error)
}

func (f *fakeGenerator) Generate(_ context.Context, spec providers.GenerationSpec) (providers.MediaRef, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.generate != nil {
		return f.generate(spec)
	}
	return providers.MediaRef{GenerationID: "gen-1", URL: "https://cdn.example.com/video.mp4"}, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeScheduler struct {
	mu         sync.Mutex
	dispatched []string
	schedule   func(platform string, at time.Time) (string, error)
	status     func(externalID string) (string, error)
}

func (f *fakeScheduler) SchedulePost(_ context.Context, platform string, _ providers.MediaRef, _ string, at time.Time) (string, error) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, platform)
	f.mu.Unlock()
	if f.schedule != nil {
		return f.schedule(platform, at)
	}
	return "ext-" + platform, nil
}

func (f *fakeScheduler) PostStatus(_ context.Context, externalID string) (string, error) {
	if f.status != nil {
		return f.status(externalID)
	}
	return providers.DeliveryPublished, nil
}

func (f *fakeScheduler) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

func fastLimits() executor.Limits {
	return executor.Limits{
		MaxConcurrent:  8,
		CallsPerMinute: 10000,
		MaxRetries:     3,
		BackoffBase:    time.Millisecond,
		BackoffCap:     2 * time.Millisecond,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestController(st Store, mutate func(*Config)) *Controller {
	logger := testLogger()
	exec := executor.New(logger, executor.WithWindow(10*time.Millisecond))
	for _, name := range []string{ProviderScraper, ProviderAnalyzer, ProviderRender, ProviderScheduler} {
		exec.Register(name, fastLimits())
	}
	cfg := Config{
		Store:          st,
		Executor:       exec,
		Logger:         logger,
		Interval:       25 * time.Millisecond,
		Lease:          time.Minute,
		Parallelism:    4,
		BatchSize:      50,
		Queries:        []string{"dance challenge"},
		Platforms:      []string{"tiktok", "instagram"},
		DiscoveryLimit: 10,
		Plan:           PostingPlan{PostsPerDay: 3, Hours: []int{9, 13, 18}, SpreadDays: 7},
		AvatarID:       "avatar-1",
		VoiceID:        "voice-1",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewController(cfg)
}

func TestRunOnceEndToEnd(t *testing.T) {
	st := newMemStore()
	ref := "https://www.tiktok.com/@dancer/video/123"
	scraper := &fakeScraper{discover: func(criteria providers.DiscoveryCriteria) ([]providers.RawCandidate, error) {
		if criteria.Platform != "tiktok" {
			return nil, nil
		}
		return []providers.RawCandidate{{
			SourceRef:   ref,
			URL:         ref,
			Description: "dance trend take",
			Author:      "dancer",
			Platform:    "tiktok",
			Likes:       9000,
			Shares:      500,
			Views:       100000,
		}}, nil
	}}
	analyzer := &fakeAnalyzer{}
	generator := &fakeGenerator{}
	scheduler := &fakeScheduler{}
	ctrl := newTestController(st, func(cfg *Config) {
		cfg.Scraper = scraper
		cfg.Analyzer = analyzer
		cfg.Generator = generator
		cfg.Scheduler = scheduler
	})
	ctx := context.Background()

	if err := ctrl.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	it := st.get("item-1")
	if it.SourceRef != ref {
		t.Fatalf("source ref = %q, want %q", it.SourceRef, ref)
	}
	if it.Phase != store.PhaseScheduled {
		t.Fatalf("phase after first run = %s, want %s", it.Phase, store.PhaseScheduled)
	}
	if got := it.Payload["topic"]; got != "topic" {
		t.Errorf("payload topic = %v", got)
	}
	if got := it.Payload["video_url"]; got != "https://cdn.example.com/video.mp4" {
		t.Errorf("payload video_url = %v", got)
	}
	if got := it.Payload["platforms_confirmed"]; got != 2 {
		t.Errorf("platforms_confirmed = %v, want 2", got)
	}
	if n := it.AttemptCount(store.PhaseDiscovered); n != 0 {
		t.Errorf("attempts recorded on clean run: %d", n)
	}

	posts, err := st.ListPostsByItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("ListPostsByItem: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(posts))
	}
	tomorrow := time.Now().UTC().AddDate(0, 0, 1)
	for _, post := range posts {
		if post.Status != store.PostConfirmed {
			t.Errorf("%s post status = %s, want confirmed", post.Platform, post.Status)
		}
		if want := "ext-" + post.Platform; post.ExternalPostID.String != want {
			t.Errorf("%s external id = %q, want %q", post.Platform, post.ExternalPostID.String, want)
		}
		if post.ScheduledTime.Hour() != 9 || post.ScheduledTime.Day() != tomorrow.Day() {
			t.Errorf("%s scheduled at %s, want tomorrow 09:00 UTC", post.Platform, post.ScheduledTime)
		}
	}

	// Deliveries are still in the future, so the sweep must leave the item
	// alone until they have gone out.
	if err := ctrl.RunPhase(ctx, RunnerSweep); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := st.get(it.ID).Phase; got != store.PhaseScheduled {
		t.Fatalf("phase after early sweep = %s, want %s", got, store.PhaseScheduled)
	}

	st.backdatePosts(it.ID, -time.Hour)
	if err := ctrl.RunPhase(ctx, RunnerSweep); err != nil {
		t.Fatalf("sweep after due time: %v", err)
	}
	it = st.get(it.ID)
	if it.Phase != store.PhasePosted {
		t.Fatalf("phase after sweep = %s, want %s", it.Phase, store.PhasePosted)
	}
	if got := it.Payload["published_platforms"]; got != 2 {
		t.Errorf("published_platforms = %v, want 2", got)
	}

	// A second full run must not redo finished work.
	if err := ctrl.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if got := analyzer.totalCalls(); got != 1 {
		t.Errorf("analyzer calls after rerun = %d, want 1", got)
	}
	if got := generator.callCount(); got != 1 {
		t.Errorf("generator calls after rerun = %d, want 1", got)
	}
	if got := scheduler.dispatchCount(); got != 2 {
		t.Errorf("schedule dispatches after rerun = %d, want 2", got)
	}
}

func TestAnalysisFailsAfterExhaustedRetries(t *testing.T) {
	st := newMemStore()
	id := st.seed("ref-1", store.PhaseDiscovered, map[string]any{"description": "clip"})
	analyzer := &fakeAnalyzer{analyze: func(providers.RawCandidate) (providers.Analysis, error) {
		return providers.Analysis{}, faults.Retryable(errors.New("model timeout"))
	}}
	ctrl := newTestController(st, func(cfg *Config) { cfg.Analyzer = analyzer })

	if err := ctrl.RunPhase(context.Background(), RunnerAnalysis); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	it := st.get(id)
	if it.Phase != store.PhaseFailed {
		t.Fatalf("phase = %s, want %s", it.Phase, store.PhaseFailed)
	}
	if got := analyzer.callsFor("ref-1"); got != 3 {
		t.Errorf("provider invocations = %d, want 3", got)
	}
	if got := it.AttemptCount(store.PhaseDiscovered); got != 3 {
		t.Errorf("recorded attempts = %d, want 3", got)
	}
	if it.ErrorClass.String != "retryable" {
		t.Errorf("error class = %q, want retryable", it.ErrorClass.String)
	}
	if it.FailedFrom.String != string(store.PhaseDiscovered) {
		t.Errorf("failed_from = %q, want %s", it.FailedFrom.String, store.PhaseDiscovered)
	}
	if !strings.Contains(it.LastError.String, "model timeout") {
		t.Errorf("last error %q does not carry the cause", it.LastError.String)
	}
}

func TestAnalysisPermanentFailureIsNotRetried(t *testing.T) {
	st := newMemStore()
	id := st.seed("ref-1", store.PhaseDiscovered, nil)
	analyzer := &fakeAnalyzer{analyze: func(providers.RawCandidate) (providers.Analysis, error) {
		return providers.Analysis{}, faults.Permanent(errors.New("prompt rejected"))
	}}
	ctrl := newTestController(st, func(cfg *Config) { cfg.Analyzer = analyzer })

	if err := ctrl.RunPhase(context.Background(), RunnerAnalysis); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	it := st.get(id)
	if it.Phase != store.PhaseFailed {
		t.Fatalf("phase = %s, want %s", it.Phase, store.PhaseFailed)
	}
	if got := analyzer.callsFor("ref-1"); got != 1 {
		t.Errorf("provider invocations = %d, want 1", got)
	}
	if got := it.AttemptCount(store.PhaseDiscovered); got != 1 {
		t.Errorf("recorded attempts = %d, want 1", got)
	}
	if it.ErrorClass.String != "permanent" {
		t.Errorf("error class = %q, want permanent", it.ErrorClass.String)
	}
}

func TestUnavailableProviderStopsBatch(t *testing.T) {
	st := newMemStore()
	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, st.seed(fmt.Sprintf("ref-%d", i), store.PhaseDiscovered, nil))
	}
	analyzer := &fakeAnalyzer{analyze: func(providers.RawCandidate) (providers.Analysis, error) {
		return providers.Analysis{}, faults.Unavailable(errors.New("connection refused"))
	}}
	ctrl := newTestController(st, func(cfg *Config) {
		cfg.Analyzer = analyzer
		cfg.Parallelism = 1
	})

	if err := ctrl.RunPhase(context.Background(), RunnerAnalysis); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	if got := analyzer.totalCalls(); got != 1 {
		t.Errorf("provider invocations = %d, want 1", got)
	}
	for _, id := range ids {
		it := st.get(id)
		if it.Phase != store.PhaseDiscovered {
			t.Errorf("item %s phase = %s, want untouched %s", id, it.Phase, store.PhaseDiscovered)
		}
		if it.Claimed(time.Now()) {
			t.Errorf("item %s still claimed after abort", id)
		}
	}
}

func TestConcurrentRunnersProcessEachItemOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := newMemStore()
	for i := 0; i < 10; i++ {
		st.seed(fmt.Sprintf("ref-%d", i), store.PhaseDiscovered, nil)
	}
	analyzer := &fakeAnalyzer{analyze: func(providers.RawCandidate) (providers.Analysis, error) {
		time.Sleep(2 * time.Millisecond)
		return providers.Analysis{Topic: "t", Script: "s", Caption: "c"}, nil
	}}
	ctrl := newTestController(st, func(cfg *Config) { cfg.Analyzer = analyzer })

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ctrl.RunPhase(context.Background(), RunnerAnalysis); err != nil {
				t.Errorf("RunPhase: %v", err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		ref := fmt.Sprintf("ref-%d", i)
		if got := analyzer.callsFor(ref); got != 1 {
			t.Errorf("%s analyzed %d times, want exactly once", ref, got)
		}
	}
	counts, err := st.PhaseCounts(context.Background())
	if err != nil {
		t.Fatalf("PhaseCounts: %v", err)
	}
	if counts[store.PhaseAnalyzed] != 10 {
		t.Errorf("analyzed count = %d, want 10", counts[store.PhaseAnalyzed])
	}
}

func TestExpiredLeaseIsReclaimedExactlyOnce(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	id := st.seed("ref-1", store.PhaseAnalyzed, map[string]any{
		"script":  "script",
		"caption": "caption",
	})
	// A worker claimed the item and died without unlocking.
	if ok, err := st.TryLock(ctx, id, "worker-gone", store.PhaseAnalyzed, 30*time.Millisecond); err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}

	generator := &fakeGenerator{}
	ctrl := newTestController(st, func(cfg *Config) { cfg.Generator = generator })

	// While the lease is live the item belongs to the vanished worker.
	if err := ctrl.RunPhase(ctx, RunnerGeneration); err != nil {
		t.Fatalf("RunPhase under live claim: %v", err)
	}
	if got := generator.callCount(); got != 0 {
		t.Fatalf("generator called %d times under a live claim, want 0", got)
	}
	it := st.get(id)
	if it.Phase != store.PhaseAnalyzed {
		t.Fatalf("phase = %s, want still %s", it.Phase, store.PhaseAnalyzed)
	}
	if got := it.EffectivePhase(time.Now()); got != store.PhaseGenerating {
		t.Fatalf("effective phase = %s, want %s while claimed", got, store.PhaseGenerating)
	}

	time.Sleep(50 * time.Millisecond)

	// The lease expired, so a later run picks the item up and finishes it.
	if err := ctrl.RunPhase(ctx, RunnerGeneration); err != nil {
		t.Fatalf("RunPhase after lease expiry: %v", err)
	}
	if got := generator.callCount(); got != 1 {
		t.Fatalf("generator calls after reclaim = %d, want exactly 1", got)
	}
	it = st.get(id)
	if it.Phase != store.PhaseGenerated {
		t.Fatalf("phase = %s, want %s", it.Phase, store.PhaseGenerated)
	}
	if it.Claimed(time.Now()) {
		t.Error("item left claimed after reclaim completed")
	}
}

// staleMarkStore simulates a lease takeover between the handler failing and
// the failure being recorded: MarkFailed reports a stale transition.
type staleMarkStore struct {
	*memStore
}

func (s *staleMarkStore) MarkFailed(ctx context.Context, itemID, workerID string, _ store.Phase, _, _ string, _ int) error {
	_ = s.memStore.Unlock(ctx, itemID, workerID)
	return store.ErrStaleTransition
}

func TestStaleFailureRecordIsSkippedQuietly(t *testing.T) {
	st := &staleMarkStore{memStore: newMemStore()}
	id := st.seed("ref-1", store.PhaseDiscovered, nil)
	analyzer := &fakeAnalyzer{analyze: func(providers.RawCandidate) (providers.Analysis, error) {
		return providers.Analysis{}, faults.Permanent(errors.New("prompt rejected"))
	}}
	logger, hook := logrustest.NewNullLogger()
	ctrl := newTestController(st, func(cfg *Config) {
		cfg.Analyzer = analyzer
		cfg.Logger = logger
	})

	if err := ctrl.RunPhase(context.Background(), RunnerAnalysis); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	// Losing the claim mid-failure is routine lease churn, not an error.
	for _, entry := range hook.AllEntries() {
		if entry.Level <= logrus.ErrorLevel {
			t.Errorf("logged at %s: %q", entry.Level, entry.Message)
		}
	}
	it := st.get(id)
	if it.Phase != store.PhaseDiscovered {
		t.Errorf("phase = %s, want untouched %s", it.Phase, store.PhaseDiscovered)
	}
	if it.Claimed(time.Now()) {
		t.Error("item left claimed")
	}
}

func TestSchedulingPartialConfirmation(t *testing.T) {
	st := newMemStore()
	id := st.seed("ref-1", store.PhaseGenerated, map[string]any{
		"video_url":     "https://cdn.example.com/v.mp4",
		"generation_id": "gen-1",
		"caption":       "caption",
	})
	scheduler := &fakeScheduler{schedule: func(platform string, _ time.Time) (string, error) {
		if platform == "instagram" {
			return "", faults.Permanent(errors.New("account not linked"))
		}
		return "ext-" + platform, nil
	}}
	ctrl := newTestController(st, func(cfg *Config) { cfg.Scheduler = scheduler })

	if err := ctrl.RunPhase(context.Background(), RunnerScheduling); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	it := st.get(id)
	if it.Phase != store.PhaseScheduled {
		t.Fatalf("phase = %s, want %s", it.Phase, store.PhaseScheduled)
	}
	if got := it.Payload["platforms_confirmed"]; got != 1 {
		t.Errorf("platforms_confirmed = %v, want 1", got)
	}
	if got := it.Payload["platforms_failed"]; got != 1 {
		t.Errorf("platforms_failed = %v, want 1", got)
	}
	posts, _ := st.ListPostsByItem(context.Background(), id)
	for _, post := range posts {
		switch post.Platform {
		case "tiktok":
			if post.Status != store.PostConfirmed {
				t.Errorf("tiktok post = %s, want confirmed", post.Status)
			}
		case "instagram":
			if post.Status != store.PostFailed {
				t.Errorf("instagram post = %s, want failed", post.Status)
			}
			if !strings.Contains(post.LastError.String, "account not linked") {
				t.Errorf("instagram post error = %q", post.LastError.String)
			}
		}
	}
}

func TestSchedulingAllPlatformsRejected(t *testing.T) {
	st := newMemStore()
	id := st.seed("ref-1", store.PhaseGenerated, map[string]any{
		"video_url": "https://cdn.example.com/v.mp4",
		"caption":   "caption",
	})
	scheduler := &fakeScheduler{schedule: func(string, time.Time) (string, error) {
		return "", faults.Permanent(errors.New("media rejected"))
	}}
	ctrl := newTestController(st, func(cfg *Config) { cfg.Scheduler = scheduler })

	if err := ctrl.RunPhase(context.Background(), RunnerScheduling); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	it := st.get(id)
	if it.Phase != store.PhaseFailed {
		t.Fatalf("phase = %s, want %s", it.Phase, store.PhaseFailed)
	}
	if it.ErrorClass.String != "permanent" {
		t.Errorf("error class = %q, want permanent", it.ErrorClass.String)
	}
	if it.FailedFrom.String != string(store.PhaseGenerated) {
		t.Errorf("failed_from = %q, want %s", it.FailedFrom.String, store.PhaseGenerated)
	}
}

func TestSchedulingResumeSkipsConfirmedPosts(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	id := st.seed("ref-1", store.PhaseGenerated, map[string]any{
		"video_url": "https://cdn.example.com/v.mp4",
		"caption":   "caption",
	})
	earlier := time.Now().Add(48 * time.Hour).Truncate(time.Hour)
	if err := st.CreatePosts(ctx, id, []store.PostRequest{
		{Platform: "tiktok", ScheduledTime: earlier},
		{Platform: "instagram", ScheduledTime: earlier},
	}); err != nil {
		t.Fatalf("CreatePosts: %v", err)
	}
	if err := st.ConfirmPost(ctx, id, "tiktok", "ext-earlier"); err != nil {
		t.Fatalf("ConfirmPost: %v", err)
	}

	scheduler := &fakeScheduler{}
	ctrl := newTestController(st, func(cfg *Config) { cfg.Scheduler = scheduler })
	if err := ctrl.RunPhase(ctx, RunnerScheduling); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	if got := scheduler.dispatchCount(); got != 1 {
		t.Fatalf("dispatches = %d, want only the unconfirmed platform", got)
	}
	posts, _ := st.ListPostsByItem(ctx, id)
	for _, post := range posts {
		if post.Status != store.PostConfirmed {
			t.Errorf("%s post = %s, want confirmed", post.Platform, post.Status)
		}
		if post.Platform == "tiktok" && post.ExternalPostID.String != "ext-earlier" {
			t.Errorf("tiktok external id = %q, confirmed booking must not change", post.ExternalPostID.String)
		}
		if !post.ScheduledTime.Equal(earlier) {
			t.Errorf("%s scheduled time changed to %s", post.Platform, post.ScheduledTime)
		}
	}
	if got := st.get(id).Phase; got != store.PhaseScheduled {
		t.Errorf("phase = %s, want %s", got, store.PhaseScheduled)
	}
}

func TestSweepFailsItemOnDeliveryFailure(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	id := st.seed("ref-1", store.PhaseScheduled, nil)
	past := time.Now().Add(-time.Hour)
	if err := st.CreatePosts(ctx, id, []store.PostRequest{
		{Platform: "tiktok", ScheduledTime: past},
		{Platform: "instagram", ScheduledTime: past},
	}); err != nil {
		t.Fatalf("CreatePosts: %v", err)
	}
	st.ConfirmPost(ctx, id, "tiktok", "ext-1")
	st.ConfirmPost(ctx, id, "instagram", "ext-2")

	scheduler := &fakeScheduler{status: func(externalID string) (string, error) {
		if externalID == "ext-2" {
			return providers.DeliveryFailed, nil
		}
		return providers.DeliveryPublished, nil
	}}
	ctrl := newTestController(st, func(cfg *Config) { cfg.Scheduler = scheduler })

	if err := ctrl.RunPhase(ctx, RunnerSweep); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	it := st.get(id)
	if it.Phase != store.PhaseFailed {
		t.Fatalf("phase = %s, want %s", it.Phase, store.PhaseFailed)
	}
	if !strings.Contains(it.LastError.String, "instagram") {
		t.Errorf("last error %q does not name the failed platform", it.LastError.String)
	}
	// The confirmed bookings themselves must survive the item failure.
	posts, _ := st.ListPostsByItem(ctx, id)
	for _, post := range posts {
		if post.Status != store.PostConfirmed {
			t.Errorf("%s post = %s, confirmed posts are immutable", post.Platform, post.Status)
		}
	}
}

func TestSweepWaitsForPendingDelivery(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	id := st.seed("ref-1", store.PhaseScheduled, nil)
	if err := st.CreatePosts(ctx, id, []store.PostRequest{
		{Platform: "tiktok", ScheduledTime: time.Now().Add(-time.Hour)},
	}); err != nil {
		t.Fatalf("CreatePosts: %v", err)
	}
	st.ConfirmPost(ctx, id, "tiktok", "ext-1")

	scheduler := &fakeScheduler{status: func(string) (string, error) {
		return providers.DeliveryScheduled, nil
	}}
	ctrl := newTestController(st, func(cfg *Config) { cfg.Scheduler = scheduler })

	if err := ctrl.RunPhase(ctx, RunnerSweep); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	it := st.get(id)
	if it.Phase != store.PhaseScheduled {
		t.Fatalf("phase = %s, want still %s", it.Phase, store.PhaseScheduled)
	}
	if it.Claimed(time.Now()) {
		t.Error("item left claimed by the sweep")
	}
}

func TestRunPhaseUnknownRunner(t *testing.T) {
	ctrl := newTestController(newMemStore(), nil)
	err := ctrl.RunPhase(context.Background(), "publish")
	if err == nil || !strings.Contains(err.Error(), "unknown runner") {
		t.Fatalf("err = %v, want unknown runner error", err)
	}
}

func TestRunOnceSkipsUnconfiguredProviders(t *testing.T) {
	st := newMemStore()
	st.seed("ref-1", store.PhaseDiscovered, nil)
	ctrl := newTestController(st, nil)

	if err := ctrl.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce with no providers: %v", err)
	}
	if got := st.get("item-1").Phase; got != store.PhaseDiscovered {
		t.Errorf("phase = %s, want untouched %s", got, store.PhaseDiscovered)
	}
}

func TestControllerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := newMemStore()
	scraper := &fakeScraper{}
	ctrl := newTestController(st, func(cfg *Config) {
		cfg.Scraper = scraper
		cfg.Interval = 20 * time.Millisecond
	})

	ctrl.Start(context.Background())
	time.Sleep(70 * time.Millisecond)
	ctrl.Stop()

	ran := scraper.callCount()
	if ran < 2 {
		t.Fatalf("loop ran %d times in 70ms with a 20ms interval, want at least 2", ran)
	}
	time.Sleep(40 * time.Millisecond)
	if got := scraper.callCount(); got != ran {
		t.Errorf("loop kept running after Stop: %d -> %d", ran, got)
	}
}

func TestInFlightGaugeTracksClaims(t *testing.T) {
	st := newMemStore()
	st.seed("ref-1", store.PhaseDiscovered, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	analyzer := &fakeAnalyzer{analyze: func(providers.RawCandidate) (providers.Analysis, error) {
		close(started)
		<-release
		return providers.Analysis{Topic: "t", Script: "s", Caption: "c"}, nil
	}}
	mc := monitoring.NewMetricsCollector("tidecaster_pipeline_test", "test", "none")
	ctrl := newTestController(st, func(cfg *Config) {
		cfg.Analyzer = analyzer
		cfg.Metrics = mc
	})

	done := make(chan error, 1)
	go func() {
		done <- ctrl.RunPhase(context.Background(), RunnerAnalysis)
	}()

	<-started
	if got := testutil.ToFloat64(ctrl.inFlight.WithLabelValues(RunnerAnalysis)); got != 1 {
		t.Errorf("in-flight gauge during processing = %v, want 1", got)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	if got := testutil.ToFloat64(ctrl.inFlight.WithLabelValues(RunnerAnalysis)); got != 0 {
		t.Errorf("in-flight gauge after drain = %v, want 0", got)
	}
	if got := testutil.ToFloat64(ctrl.advanced.WithLabelValues(RunnerAnalysis)); got != 1 {
		t.Errorf("advanced counter = %v, want 1", got)
	}
}

func TestStatusAggregatesCounts(t *testing.T) {
	st := newMemStore()
	st.seed("ref-1", store.PhaseDiscovered, nil)
	st.seed("ref-2", store.PhaseGenerated, nil)
	id := st.seed("ref-3", store.PhaseDiscovered, nil)
	if ok, _ := st.TryLock(context.Background(), id, "w-1", store.PhaseDiscovered, time.Minute); !ok {
		t.Fatal("could not claim seeded item")
	}
	failed := st.seed("ref-4", store.PhaseDiscovered, nil)
	if ok, _ := st.TryLock(context.Background(), failed, "w-2", store.PhaseDiscovered, time.Minute); !ok {
		t.Fatal("could not claim seeded item")
	}
	if err := st.MarkFailed(context.Background(), failed, "w-2", store.PhaseDiscovered, "permanent", "bad input", 1); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	ctrl := newTestController(st, nil)
	status, err := ctrl.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Phases[store.PhaseDiscovered] != 1 {
		t.Errorf("discovered = %d, want 1", status.Phases[store.PhaseDiscovered])
	}
	if status.Phases[store.PhaseAnalyzing] != 1 {
		t.Errorf("analyzing = %d, want 1 (claimed item)", status.Phases[store.PhaseAnalyzing])
	}
	if status.Phases[store.PhaseGenerated] != 1 {
		t.Errorf("generated = %d, want 1", status.Phases[store.PhaseGenerated])
	}
	if status.Phases[store.PhaseFailed] != 1 {
		t.Errorf("failed = %d, want 1", status.Phases[store.PhaseFailed])
	}
	if status.Errors["permanent"] != 1 {
		t.Errorf("permanent errors = %d, want 1", status.Errors["permanent"])
	}
}
