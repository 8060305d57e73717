package recognize

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/engine"
	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/types"
)

// --- fakes ---

type fakeEngine struct {
	mu          sync.Mutex
	faces       []types.Detection // returned for RGB frames
	irFaces     []types.Detection // returned for Gray (IR) frames
	detectErr   error
	featureErr  error
	liveness    []types.Liveness // scripted verdicts, the last one repeats
	livenessErr error

	lastModality types.Modality
	lastLiveDet  types.Detection

	detectCalls   atomic.Int32
	extractCalls  atomic.Int32
	livenessCalls atomic.Int32
}

func (e *fakeEngine) setFaces(d ...types.Detection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faces = d
}

func (e *fakeEngine) Detect(f types.Frame) ([]types.Detection, error) {
	e.detectCalls.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if f.Format == types.FormatGray {
		return append([]types.Detection(nil), e.irFaces...), nil
	}
	if e.detectErr != nil {
		return nil, e.detectErr
	}
	return append([]types.Detection(nil), e.faces...), nil
}

func (e *fakeEngine) ExtractFeature(types.Frame, types.Detection, types.FeatureMode) (types.Feature, error) {
	e.extractCalls.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.featureErr != nil {
		return nil, e.featureErr
	}
	return types.Feature{1, 0}, nil
}

func (e *fakeEngine) CheckLiveness(_ types.Frame, det types.Detection, m types.Modality) (types.Liveness, error) {
	n := int(e.livenessCalls.Add(1))
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastModality = m
	e.lastLiveDet = det
	if e.livenessErr != nil {
		return types.LivenessUnknown, e.livenessErr
	}
	if len(e.liveness) == 0 {
		return types.LivenessAlive, nil
	}
	return e.liveness[min(n-1, len(e.liveness)-1)], nil
}

func (e *fakeEngine) Close() error { return nil }

type fakeStore struct {
	match types.Match
	ok    bool
	err   error
	gate  chan struct{} // BestMatch blocks until closed when non-nil
	calls atomic.Int32
}

func (s *fakeStore) BestMatch(ctx context.Context, _ types.Feature) (types.Match, bool, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return types.Match{}, false, ctx.Err()
		}
	}
	return s.match, s.ok, s.err
}

type noticeEvent struct {
	id     types.TrackID
	notice string
	at     time.Time
}

type recordingListener struct {
	mu       sync.Mutex
	notices  []noticeEvent
	inserted []Result
	removed  []Result
}

func (l *recordingListener) NoticeChanged(id types.TrackID, n string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, noticeEvent{id: id, notice: n, at: time.Now()})
}

func (l *recordingListener) ResultInserted(_ int, r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inserted = append(l.inserted, r)
}

func (l *recordingListener) ResultRemoved(_ int, r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, r)
}

// noticeCount counts notifications with text n for id
func (l *recordingListener) noticeCount(id types.TrackID, n string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := 0
	for _, e := range l.notices {
		if e.id == id && e.notice == n {
			c++
		}
	}
	return c
}

func (l *recordingListener) firstNotice(id types.TrackID, n string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.notices {
		if e.id == id && e.notice == n {
			return e.at, true
		}
	}
	return time.Time{}, false
}

func (l *recordingListener) insertedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inserted)
}

// gatedListener holds the first "not recognized" notification until release is closed
type gatedListener struct {
	recordingListener
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *gatedListener) NoticeChanged(id types.TrackID, n string) {
	if n == NoticeNotRecognized {
		l.once.Do(func() { close(l.entered) })
		<-l.release
	}
	l.recordingListener.NoticeChanged(id, n)
}

// syncBuffer is a bytes.Buffer safe for a logger and a polling test
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type memHighWater struct {
	mu    sync.Mutex
	value map[string]int64
}

func (m *memHighWater) LoadHighWater(_ context.Context, source string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value[source], nil
}

func (m *memHighWater) SaveHighWater(_ context.Context, source string, hw int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value[source] = hw
	return nil
}

// --- helpers ---

var rgbFrame = types.Frame{Width: 1280, Height: 720, Format: types.FormatRGB24}

func face(id, l, t, size int) types.Detection {
	return types.Detection{FaceID: id, Rect: types.Rect{Left: l, Top: t, Right: l + size, Bottom: t + size}}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.NoticeDuration = 50 * time.Millisecond
	cfg.LivenessWaitTimeout = 0
	return cfg
}

func newTestHelper(t *testing.T, cfg config.Config, eng engine.Engine, store IdentityStore, l Listener) *Helper {
	t.Helper()
	h, err := New(context.Background(), Options{
		Config:   cfg,
		Engine:   eng,
		Store:    store,
		Listener: l,
		Logger:   log.Discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func state(t *testing.T, h *Helper, id types.TrackID) State {
	t.Helper()
	info, ok := h.registry.Get(id)
	if !ok {
		t.Fatalf("track %d not registered", id)
	}
	return info.State()
}

// --- scenarios ---

func TestHappyPath(t *testing.T) {
	eng := &fakeEngine{liveness: []types.Liveness{types.LivenessUnknown, types.LivenessUnknown, types.LivenessAlive}}
	eng.setFaces(face(0, 100, 100, 200))
	store := &fakeStore{ok: true, match: types.Match{Identity: types.Identity{ID: 9, Name: "alice"}, Score: 0.91}}
	l := &recordingListener{}
	cfg := testConfig()
	cfg.SimilarityThreshold = 0.80
	h := newTestHelper(t, cfg, eng, store, l)

	// frame 1: liveness inconclusive, feature worker parks
	snaps := h.OnFrame(context.Background(), rgbFrame, nil, true)
	if len(snaps) != 1 || snaps[0].TrackID != 0 {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
	eventually(t, "first liveness verdict and parked feature worker", func() bool {
		return eng.livenessCalls.Load() == 1 && state(t, h, 0).Liveness == types.LivenessUnknown && h.Stats().Parked == 1
	})

	// frame 2: still inconclusive
	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "second liveness verdict", func() bool {
		return eng.livenessCalls.Load() == 2 && state(t, h, 0).Liveness == types.LivenessUnknown
	})

	// frame 3: alive wakes the parked worker
	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "recognition", func() bool { return state(t, h, 0).Status == types.StatusSucceeded })

	st := state(t, h, 0)
	if st.Name != "alice" || st.Liveness != types.LivenessAlive {
		t.Errorf("final state %+v", st)
	}
	if n := eng.extractCalls.Load(); n != 1 {
		t.Errorf("feature should be extracted once while parked, got %d", n)
	}
	if n := store.calls.Load(); n != 1 {
		t.Errorf("expected one identity search, got %d", n)
	}
	if n := l.insertedCount(); n != 1 {
		t.Errorf("expected exactly one inserted notification, got %d", n)
	}
	if r := h.Results(); len(r) != 1 || r[0].TrackID != 0 || r[0].Identity.Name != "alice" {
		t.Errorf("unexpected results list %+v", r)
	}

	// further frames neither re-check liveness nor re-search
	snaps = h.OnFrame(context.Background(), rgbFrame, nil, true)
	if snaps[0].Status != types.StatusSucceeded || snaps[0].Name != "alice" {
		t.Errorf("snapshot after success %+v", snaps[0])
	}
	if eng.livenessCalls.Load() != 3 || eng.extractCalls.Load() != 1 {
		t.Error("a recognized face must not be dispatched again")
	}
}

func TestAtMostOneInFlightPerAxis(t *testing.T) {
	eng := &fakeEngine{liveness: []types.Liveness{types.LivenessNotAlive}}
	eng.setFaces(face(0, 100, 100, 200))
	cfg := testConfig()
	cfg.LivenessRetryInterval = time.Hour
	h := newTestHelper(t, cfg, eng, &fakeStore{}, nil)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				h.OnFrame(context.Background(), rgbFrame, nil, true)
			}
		}()
	}
	wg.Wait()

	eventually(t, "feature worker to park", func() bool { return h.Stats().Parked == 1 })
	if n := eng.extractCalls.Load(); n != 1 {
		t.Errorf("expected 1 feature task, got %d", n)
	}
	if n := eng.livenessCalls.Load(); n != 1 {
		t.Errorf("expected 1 liveness task, got %d", n)
	}
}

func TestDepartureWakesParkedWorker(t *testing.T) {
	eng := &fakeEngine{liveness: []types.Liveness{types.LivenessNotAlive}}
	eng.setFaces(face(0, 100, 100, 200))
	store := &fakeStore{ok: true, match: types.Match{Score: 1}}
	l := &recordingListener{}
	cfg := testConfig()
	cfg.LivenessRetryInterval = time.Hour
	h := newTestHelper(t, cfg, eng, store, l)

	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "feature worker to park", func() bool { return h.Stats().Parked == 1 })

	eng.setFaces()
	h.OnFrame(context.Background(), rgbFrame, nil, true)

	eventually(t, "parked worker to exit", func() bool {
		s := h.Stats()
		return s.Parked == 0 && s.FeaturePending == 0
	})
	if store.calls.Load() != 0 {
		t.Error("a departed face must never reach identity search")
	}
	if s := h.Stats(); s.Tracked != 0 || s.Timers != 0 {
		t.Errorf("departure left state behind: %+v", s)
	}
	if l.noticeCount(0, "") == 0 {
		t.Error("departure should clear the face's notice")
	}
}

func TestRetryBound(t *testing.T) {
	const max = 2
	eng := &fakeEngine{featureErr: engine.NewError("feature", engine.CodeBadImage)}
	eng.setFaces(face(0, 100, 100, 200))
	l := &recordingListener{}
	cfg := testConfig()
	cfg.LivenessEnabled = false
	cfg.MaxExtractRetries = max
	cfg.RecognizeRetryInterval = time.Hour
	h := newTestHelper(t, cfg, eng, &fakeStore{}, l)

	for k := 1; k <= max; k++ {
		h.OnFrame(context.Background(), rgbFrame, nil, true)
		eventually(t, "retryable error", func() bool {
			return eng.extractCalls.Load() == int32(k) && state(t, h, 0).Status == types.StatusToRetry
		})
		if st := state(t, h, 0); st.ExtractRetries != k {
			t.Fatalf("after error %d retries = %d", k, st.ExtractRetries)
		}
	}

	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "backoff", func() bool { return state(t, h, 0).Status == types.StatusFailed })

	st := state(t, h, 0)
	if st.ExtractRetries != 0 {
		t.Errorf("retry counter should reset on backoff, got %d", st.ExtractRetries)
	}
	if st.Name != "VISITOR 0" {
		t.Errorf("expected visitor label, got %q", st.Name)
	}
	if h.scheduler.Pending(0) == 0 {
		t.Error("expected a pending retry timer")
	}

	for i := 0; i < 3; i++ {
		h.OnFrame(context.Background(), rgbFrame, nil, true)
	}
	if n := eng.extractCalls.Load(); n != max+1 {
		t.Errorf("no dispatch during backoff, got %d extractions", n)
	}
	if n := l.noticeCount(0, NoticeNotRecognized); n != 1 {
		t.Errorf("expected exactly one backoff notice, got %d", n)
	}
}

func TestNonMatchBackoff(t *testing.T) {
	eng := &fakeEngine{}
	eng.setFaces(face(0, 100, 100, 200))
	store := &fakeStore{ok: true, match: types.Match{Identity: types.Identity{ID: 1, Name: "bob"}, Score: 0.40}}
	l := &recordingListener{}
	cfg := testConfig()
	cfg.LivenessEnabled = false
	cfg.SimilarityThreshold = 0.80
	cfg.RecognizeRetryInterval = 30 * time.Millisecond
	cfg.NoticeDuration = 150 * time.Millisecond
	h := newTestHelper(t, cfg, eng, store, l)

	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "delayed return to ToRetry", func() bool {
		return store.calls.Load() == 1 && state(t, h, 0).Status == types.StatusToRetry
	})
	if st := state(t, h, 0); st.Name != "VISITOR 0" {
		t.Errorf("expected visitor label, got %q", st.Name)
	}
	if l.insertedCount() != 0 {
		t.Error("a sub-threshold match must not be inserted")
	}

	shown, ok := l.firstNotice(0, NoticeNotRecognized)
	if !ok {
		t.Fatal("expected a not-recognized notice")
	}
	eventually(t, "notice to clear", func() bool { return state(t, h, 0).Notice == "" })
	cleared, ok := l.firstNotice(0, "")
	if !ok {
		t.Fatal("expected a cleared-notice notification")
	}
	if d := cleared.Sub(shown); d < cfg.NoticeDuration {
		t.Errorf("notice cleared after %v, want at least %v", d, cfg.NoticeDuration)
	}
}

func TestBusyPool(t *testing.T) {
	eng := &fakeEngine{}
	eng.setFaces(face(0, 100, 100, 200), face(1, 400, 100, 200))
	store := &fakeStore{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.LivenessEnabled = false
	cfg.FeaturePoolSize = 1
	h := newTestHelper(t, cfg, eng, store, nil)
	defer close(store.gate)

	done := make(chan struct{})
	go func() {
		h.OnFrame(context.Background(), rgbFrame, nil, true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnFrame blocked on a full pool")
	}

	if st := state(t, h, 0); st.Status != types.StatusSearching {
		t.Errorf("first face should be searching, got %v", st.Status)
	}
	eventually(t, "first search to occupy the only worker", func() bool { return h.Stats().FeatureRunning == 1 })
	st := state(t, h, 1)
	if st.Status != types.StatusToRetry || st.ExtractRetries != 1 {
		t.Errorf("busy result should count as a retry, got %+v", st)
	}
	if n := h.Stats().FeatureBusy; n != 1 {
		t.Errorf("expected 1 busy rejection, got %d", n)
	}
}

func TestEvictionCompleteness(t *testing.T) {
	eng := &fakeEngine{}
	eng.setFaces(face(0, 0, 0, 100), face(1, 200, 0, 100), face(2, 400, 0, 100))
	l := &recordingListener{}
	cfg := testConfig()
	cfg.LivenessEnabled = false
	cfg.RecognizeRetryInterval = time.Hour
	cfg.NoticeDuration = time.Hour
	h := newTestHelper(t, cfg, eng, &fakeStore{}, l)

	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "all faces in backoff", func() bool { return h.Stats().Timers == 6 })

	h.Reconcile(map[types.TrackID]struct{}{})

	if n := h.registry.Len(); n != 0 {
		t.Errorf("registry should be empty, has %d", n)
	}
	if n := h.scheduler.Len(); n != 0 {
		t.Errorf("all timers should be cancelled, %d left", n)
	}
	for id := types.TrackID(0); id < 3; id++ {
		if l.noticeCount(id, "") != 1 {
			t.Errorf("track %d: expected one cleared notice", id)
		}
	}
}

func TestEvictionDuringBackoffArmsNoTimers(t *testing.T) {
	eng := &fakeEngine{}
	eng.setFaces(face(0, 100, 100, 200))
	l := &gatedListener{entered: make(chan struct{}), release: make(chan struct{})}
	cfg := testConfig()
	cfg.LivenessEnabled = false
	cfg.RecognizeRetryInterval = time.Hour
	cfg.NoticeDuration = time.Hour
	h := newTestHelper(t, cfg, eng, &fakeStore{}, l)
	release := sync.OnceFunc(func() { close(l.release) })
	t.Cleanup(release)

	h.OnFrame(context.Background(), rgbFrame, nil, true)
	select {
	case <-l.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("search never reached backoff")
	}

	// The worker is between fail() and arming its timers
	h.Reconcile(map[types.TrackID]struct{}{})
	if n := h.scheduler.Len(); n != 0 {
		t.Fatalf("expected no timers right after eviction, got %d", n)
	}

	release()
	eventually(t, "search task to finish", func() bool { return h.Stats().FeaturePending == 0 })

	if s := h.Stats(); s.Timers != 0 || s.Tracked != 0 {
		t.Errorf("evicted track kept state: timers=%d tracked=%d", s.Timers, s.Tracked)
	}
	if n := h.scheduler.Pending(0); n != 0 {
		t.Errorf("timers armed for evicted track: %d", n)
	}
}

func TestFilteredFaceIsNeverDispatched(t *testing.T) {
	eng := &fakeEngine{}
	eng.setFaces(face(0, 100, 100, 50))
	cfg := testConfig()
	cfg.Filters.MinFaceWidth = 100
	cfg.Filters.MinFaceHeight = 100
	h := newTestHelper(t, cfg, eng, &fakeStore{}, nil)

	snaps := h.OnFrame(context.Background(), rgbFrame, nil, true)
	if len(snaps) != 1 || snaps[0].Pass {
		t.Fatalf("small face should be reported as not passing: %+v", snaps)
	}
	time.Sleep(20 * time.Millisecond)
	if eng.extractCalls.Load() != 0 || eng.livenessCalls.Load() != 0 {
		t.Error("a filtered face must not reach either pool")
	}
}

func TestDoRecognizeFalseOnlyTracks(t *testing.T) {
	eng := &fakeEngine{}
	eng.setFaces(face(0, 100, 100, 200))
	h := newTestHelper(t, testConfig(), eng, &fakeStore{}, nil)

	snaps := h.OnFrame(context.Background(), rgbFrame, nil, false)
	if len(snaps) != 1 || !snaps[0].Pass {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
	time.Sleep(20 * time.Millisecond)
	if eng.extractCalls.Load() != 0 || eng.livenessCalls.Load() != 0 {
		t.Error("nothing should be dispatched when recognition is off")
	}
}

func TestIRLiveness(t *testing.T) {
	eng := &fakeEngine{
		irFaces: []types.Detection{
			face(7, 500, 500, 100),
			face(3, 112, 100, 100),
		},
	}
	eng.setFaces(face(0, 100, 100, 100))
	store := &fakeStore{ok: true, match: types.Match{Identity: types.Identity{Name: "carol"}, Score: 0.95}}
	cfg := testConfig()
	cfg.LivenessModality = "ir"
	cfg.DualSensorOffset = config.Offset{X: 10}
	h := newTestHelper(t, cfg, eng, store, nil)

	ir := types.Frame{Width: 1280, Height: 720, Format: types.FormatGray}
	snaps := h.OnFrame(context.Background(), rgbFrame, &ir, true)
	if snaps[0].SecondaryRect == nil || *snaps[0].SecondaryRect != (types.Rect{Left: 110, Top: 100, Right: 210, Bottom: 200}) {
		t.Errorf("unexpected IR rect %+v", snaps[0].SecondaryRect)
	}
	eventually(t, "recognition", func() bool { return state(t, h, 0).Status == types.StatusSucceeded })

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.lastModality != types.ModalityIR {
		t.Errorf("expected an IR liveness check, got %v", eng.lastModality)
	}
	if eng.lastLiveDet.FaceID != 3 {
		t.Errorf("expected the overlapping IR face (3), got %d", eng.lastLiveDet.FaceID)
	}
}

func TestIRLivenessWithoutMatchingFace(t *testing.T) {
	eng := &fakeEngine{irFaces: []types.Detection{face(1, 900, 500, 50)}}
	eng.setFaces(face(0, 100, 100, 100))
	cfg := testConfig()
	cfg.LivenessModality = "ir"
	cfg.LivenessRetryInterval = time.Hour
	h := newTestHelper(t, cfg, eng, &fakeStore{}, nil)

	ir := types.Frame{Format: types.FormatGray}
	h.OnFrame(context.Background(), rgbFrame, &ir, true)
	eventually(t, "no-IR-face verdict", func() bool {
		return state(t, h, 0).Liveness == types.LivenessNoSecondaryFace
	})
	if eng.livenessCalls.Load() != 0 {
		t.Error("the engine liveness check must not run without a correlated IR face")
	}
}

func TestLivenessErrorBudget(t *testing.T) {
	eng := &fakeEngine{livenessErr: engine.NewError("liveness", engine.CodeBadState)}
	eng.setFaces(face(0, 100, 100, 200))
	cfg := testConfig()
	cfg.MaxLivenessRetries = 1
	cfg.LivenessRetryInterval = time.Hour
	h := newTestHelper(t, cfg, eng, &fakeStore{}, nil)

	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "first liveness error", func() bool {
		st := state(t, h, 0)
		return eng.livenessCalls.Load() == 1 && st.Liveness == types.LivenessUnknown && st.LivenessRetries == 1
	})

	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "liveness backoff", func() bool { return state(t, h, 0).Liveness == types.LivenessFailed })
	if st := state(t, h, 0); st.LivenessRetries != 0 {
		t.Errorf("liveness counter should reset on backoff, got %d", st.LivenessRetries)
	}

	h.OnFrame(context.Background(), rgbFrame, nil, true)
	if n := eng.livenessCalls.Load(); n != 2 {
		t.Errorf("no liveness dispatch during backoff, got %d calls", n)
	}
}

func TestLivenessRejectionResets(t *testing.T) {
	eng := &fakeEngine{liveness: []types.Liveness{types.LivenessNotAlive, types.LivenessAlive}}
	eng.setFaces(face(0, 100, 100, 200))
	store := &fakeStore{ok: true, match: types.Match{Identity: types.Identity{ID: 4, Name: "dave"}, Score: 0.95}}
	l := &recordingListener{}
	cfg := testConfig()
	cfg.LivenessRetryInterval = 30 * time.Millisecond
	h := newTestHelper(t, cfg, eng, store, l)

	// frame 1: rejected, notice shown, search parks
	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "rejection notice", func() bool { return l.noticeCount(0, NoticeNotAlive) == 1 })

	// the delayed reset returns liveness to Unknown without a new check
	eventually(t, "liveness reset", func() bool {
		return state(t, h, 0).Liveness == types.LivenessUnknown && h.Stats().Parked == 1
	})
	if n := eng.livenessCalls.Load(); n != 1 {
		t.Fatalf("reset must not run a check by itself, got %d calls", n)
	}

	// frame 2: liveness is redispatched and wakes the parked search
	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "recognition after reset", func() bool { return state(t, h, 0).Status == types.StatusSucceeded })

	st := state(t, h, 0)
	if st.Liveness != types.LivenessAlive || st.Name != "dave" {
		t.Errorf("final state %+v", st)
	}
	if eng.livenessCalls.Load() != 2 || eng.extractCalls.Load() != 1 {
		t.Errorf("expected 2 liveness checks and 1 extraction, got %d and %d", eng.livenessCalls.Load(), eng.extractCalls.Load())
	}
	if n := l.noticeCount(0, NoticeNotAlive); n != 1 {
		t.Errorf("expected one rejection notice, got %d", n)
	}
}

func TestLivenessWaitTimeoutRequeues(t *testing.T) {
	eng := &fakeEngine{liveness: []types.Liveness{types.LivenessNotAlive}}
	eng.setFaces(face(0, 100, 100, 200))
	store := &fakeStore{ok: true, match: types.Match{Score: 1}}
	cfg := testConfig()
	cfg.LivenessRetryInterval = time.Hour
	cfg.LivenessWaitTimeout = 30 * time.Millisecond
	h := newTestHelper(t, cfg, eng, store, nil)

	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "wait to time out", func() bool {
		return eng.extractCalls.Load() == 1 && h.Stats().Parked == 0 && state(t, h, 0).Status == types.StatusToRetry
	})

	st := state(t, h, 0)
	if st.ExtractRetries != 0 {
		t.Errorf("a timed-out wait must not count as a retry, got %d", st.ExtractRetries)
	}
	if store.calls.Load() != 0 {
		t.Error("a face without a live verdict must not be searched")
	}

	// the requeued face is searched again on the next frame
	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "second extraction", func() bool { return eng.extractCalls.Load() == 2 })
	if n := eng.livenessCalls.Load(); n != 1 {
		t.Errorf("rejected liveness must not be rechecked before its reset, got %d", n)
	}
}

func TestFatalEngineErrorIsLogged(t *testing.T) {
	eng := &fakeEngine{featureErr: engine.NewError("feature", engine.CodeExpired)}
	eng.setFaces(face(0, 100, 100, 200))
	cfg := testConfig()
	cfg.LivenessEnabled = false
	var buf syncBuffer

	h, err := New(context.Background(), Options{
		Config: cfg,
		Engine: eng,
		Store:  &fakeStore{},
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close(context.Background())

	h.OnFrame(context.Background(), rgbFrame, nil, true)
	eventually(t, "fatal error log", func() bool {
		return strings.Contains(buf.String(), "engine cannot serve feature requests")
	})

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "EXPIRED") {
		t.Errorf("expected an error-level line with the code, got %q", out)
	}
	if st := state(t, h, 0); st.ExtractRetries != 1 || st.Status != types.StatusToRetry {
		t.Errorf("fatal errors still follow the retry budget, got %+v", st)
	}
}

func TestDetectErrorSkipsFrame(t *testing.T) {
	eng := &fakeEngine{}
	eng.setFaces(face(0, 100, 100, 200))
	h := newTestHelper(t, testConfig(), eng, &fakeStore{}, nil)

	h.OnFrame(context.Background(), rgbFrame, nil, false)

	eng.mu.Lock()
	eng.detectErr = errors.New("decoder hiccup")
	eng.mu.Unlock()
	if snaps := h.OnFrame(context.Background(), rgbFrame, nil, false); snaps != nil {
		t.Errorf("expected no snapshots on detect error, got %+v", snaps)
	}

	s := h.Stats()
	if s.SkippedFrames != 1 {
		t.Errorf("expected 1 skipped frame, got %d", s.SkippedFrames)
	}
	if s.Tracked != 1 {
		t.Error("a failed detect must not evict tracked faces")
	}
}

func TestCloseSavesHighWater(t *testing.T) {
	hw := &memHighWater{value: map[string]int64{"cam0": 100}}
	eng := &fakeEngine{liveness: []types.Liveness{types.LivenessNotAlive}}
	eng.setFaces(face(2, 100, 100, 200))
	cfg := testConfig()
	cfg.LivenessRetryInterval = time.Hour

	h, err := New(context.Background(), Options{
		Config:    cfg,
		Engine:    eng,
		Store:     &fakeStore{},
		HighWater: hw,
		Source:    "cam0",
		Logger:    log.Discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	snaps := h.OnFrame(context.Background(), rgbFrame, nil, true)
	if snaps[0].TrackID != 102 {
		t.Errorf("expected track 102, got %d", snaps[0].TrackID)
	}
	eventually(t, "feature worker to park", func() bool { return h.Stats().Parked == 1 })

	done := make(chan error, 1)
	go func() { done <- h.Close(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung on a parked worker")
	}

	if got := hw.value["cam0"]; got != 103 {
		t.Errorf("expected saved high-water 103, got %d", got)
	}
	if h.OnFrame(context.Background(), rgbFrame, nil, true) != nil {
		t.Error("OnFrame after Close should be a no-op")
	}
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTrackedFaces = 0
	if _, err := New(context.Background(), Options{Config: cfg, Engine: &fakeEngine{}, Store: &fakeStore{}}); err == nil {
		t.Error("expected a config validation error")
	}
	if _, err := New(context.Background(), Options{Config: testConfig(), Store: &fakeStore{}}); err == nil {
		t.Error("expected an error without an engine")
	}
}
