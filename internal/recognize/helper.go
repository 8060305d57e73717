// Package recognize drives per-face liveness and identity search for every
// tracked face, one frame at a time.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/engine"
	"github.com/andresmejia3/facegate/internal/filter"
	"github.com/andresmejia3/facegate/internal/geometry"
	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/track"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/google/uuid"
)

const (
	NoticeNotRecognized = "not recognized"
	NoticeNotAlive      = "liveness check failed"
)

// Options configures a Helper. Engine and Store are required.
type Options struct {
	Config    config.Config
	Engine    engine.Engine
	Store     IdentityStore
	HighWater HighWaterStore // optional
	Source    string         // key under which the high-water mark is persisted
	Listener  Listener       // optional
	Logger    *slog.Logger   // optional
}

// Helper is one recognition session over one frame source.
type Helper struct {
	cfg      config.Config
	eng      *engine.Locked
	store    IdentityStore
	hw       HighWaterStore
	source   string
	listener Listener
	logger   *slog.Logger
	session  string

	registry     *Registry
	featurePool  *Pool
	livenessPool *Pool
	scheduler    *Scheduler
	assigner     *track.Assigner
	transform    *geometry.Transform
	filters      *filter.Pipeline

	// cancelled on Close; wakes parked feature workers
	ctx    context.Context
	cancel context.CancelFunc

	resultsMu sync.Mutex
	results   []Result

	frames  atomic.Int64
	skipped atomic.Int64
	parked  atomic.Int32
	closed  atomic.Bool
	once    sync.Once
}

// Stats is a point-in-time view of a session
type Stats struct {
	Session         string
	Frames          int64
	SkippedFrames   int64
	Tracked         int
	Results         int
	FeaturePending  int
	LivenessPending int
	FeatureRunning  int
	LivenessRunning int
	FeatureBusy     int64
	LivenessBusy    int64
	Parked          int
	Timers          int
	HighWater       int64
}

// New validates the configuration, restores the track high-water mark and
// starts both worker pools.
func New(ctx context.Context, opts Options) (*Helper, error) {
	if opts.Engine == nil {
		return nil, errors.New("recognize: engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("recognize: identity store is required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	transform, err := geometry.NewTransform(cfg.Display)
	if err != nil {
		return nil, err
	}

	var base int64
	if opts.HighWater != nil {
		if base, err = opts.HighWater.LoadHighWater(ctx, opts.Source); err != nil {
			return nil, fmt.Errorf("failed to load track high-water mark: %w", err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.L()
	}
	session := uuid.NewString()
	logger = logger.With("session", session)

	listener := opts.Listener
	if listener == nil {
		listener = NopListener{}
	}

	h := &Helper{
		cfg:       cfg,
		eng:       engine.NewLocked(opts.Engine),
		store:     opts.Store,
		hw:        opts.HighWater,
		source:    opts.Source,
		listener:  listener,
		logger:    logger,
		session:   session,
		registry:  NewRegistry(),
		assigner:  track.NewAssigner(base, cfg.SingleFace),
		transform: transform,
		filters:   filter.FromConfig(cfg.Filters),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.scheduler = NewScheduler(h.tracked)
	h.featurePool = NewPool("feature", cfg.FeatureWorkers(), cfg.FeatureWorkers(), logger)
	h.livenessPool = NewPool("liveness", cfg.LivenessWorkers(), cfg.LivenessWorkers(), logger)

	logger.Info("recognition session started",
		"source", opts.Source,
		"track_base", base,
		"liveness", cfg.LivenessEnabled,
		"modality", cfg.Modality().String(),
		"filters", h.filters.Names())
	return h, nil
}

// Session returns the session ID used in logs
func (h *Helper) Session() string { return h.session }

func (h *Helper) tracked(id types.TrackID) bool {
	info, ok := h.registry.Get(id)
	return ok && !info.Gone()
}

// alive reports whether a late result for info should still be applied.
func (h *Helper) alive(info *Info) bool {
	return h.registry.Contains(info) && !info.Gone()
}

// OnFrame runs detection, reconciles departed faces, filters the rest and
// dispatches liveness and feature work when doRecognize is set. It never
// waits for that work. The frames are read by worker goroutines after
// OnFrame returns, so callers must not reuse their buffers.
func (h *Helper) OnFrame(ctx context.Context, primary types.Frame, secondary *types.Frame, doRecognize bool) []types.FaceSnapshot {
	if h.closed.Load() || ctx.Err() != nil {
		return nil
	}
	h.frames.Add(1)

	dets, err := h.eng.Detect(primary)
	if err != nil {
		h.skipped.Add(1)
		h.logger.Warn("detect failed, skipping frame", "error", err, "code", engine.CodeOf(err).String())
		return nil
	}
	dets, ids := h.assigner.Assign(dets)

	current := make(map[types.TrackID]struct{}, len(ids))
	for _, id := range ids {
		current[id] = struct{}{}
	}
	h.Reconcile(current)

	cands := make([]*filter.Candidate, len(dets))
	for i, d := range dets {
		c := &filter.Candidate{
			TrackID: ids[i],
			Primary: d.Rect,
			Display: h.transform.ToDisplay(d.Rect),
		}
		if secondary != nil {
			r := geometry.ToSecondary(d.Rect, h.cfg.DualSensorOffset.X, h.cfg.DualSensorOffset.Y)
			c.Secondary = &r
		}
		cands[i] = c
	}
	h.filters.Run(cands)

	out := make([]types.FaceSnapshot, len(dets))
	for i, c := range cands {
		info := h.registry.GetOrCreate(c.TrackID)
		if doRecognize && c.Pass {
			if h.cfg.LivenessEnabled {
				h.requestLiveness(info, primary, secondary, dets[i])
			}
			h.requestFeature(info, primary, dets[i])
		}
		st := info.State()
		out[i] = types.FaceSnapshot{
			TrackID:       c.TrackID,
			Rect:          c.Primary,
			DisplayRect:   c.Display,
			SecondaryRect: c.Secondary,
			Liveness:      st.Liveness,
			Status:        st.Status,
			Name:          st.Name,
			Notice:        st.Notice,
			Pass:          c.Pass,
		}
	}
	return out
}

// Reconcile evicts every registered face that is not in current. It must run
// before dispatch for a frame so an evicted entry is never resurrected by it.
func (h *Helper) Reconcile(current map[types.TrackID]struct{}) {
	var departed []*Info
	h.registry.Range(func(info *Info) bool {
		if _, ok := current[info.id]; !ok {
			departed = append(departed, info)
		}
		return true
	})
	for _, info := range departed {
		h.evict(info)
	}
	h.filters.Retain(current)
}

// evict flags info gone before cancelling its timers so a worker racing
// through backoff cannot arm a new one afterwards.
func (h *Helper) evict(info *Info) {
	info.markGone()
	h.scheduler.Cancel(info.id)
	h.registry.Remove(info)
	h.removeResult(info.id)
	h.listener.NoticeChanged(info.id, "")
	h.logger.Debug("face left", "track", info.id)
}

// --- liveness ---

func (h *Helper) requestLiveness(info *Info, primary types.Frame, secondary *types.Frame, det types.Detection) {
	if !info.tryStartLiveness() {
		return
	}
	modality := h.cfg.Modality()
	err := h.livenessPool.Submit(func() {
		if !h.alive(info) {
			return
		}
		l, err := h.checkLiveness(primary, secondary, det, modality)
		h.onLiveness(info, l, err)
	})
	if err != nil {
		h.onLiveness(info, types.LivenessUnknown, err)
	}
}

// checkLiveness runs the engine check on the configured sensor. For IR the
// face is first located on the IR frame by overlap with the shifted RGB rect.
func (h *Helper) checkLiveness(primary types.Frame, secondary *types.Frame, det types.Detection, modality types.Modality) (types.Liveness, error) {
	if modality == types.ModalityRGB {
		return h.eng.CheckLiveness(primary, det, types.ModalityRGB)
	}
	if secondary == nil {
		return types.LivenessNoSecondaryFace, nil
	}
	irDets, err := h.eng.Detect(*secondary)
	if err != nil {
		return types.LivenessUnknown, err
	}
	target := geometry.ToSecondary(det.Rect, h.cfg.DualSensorOffset.X, h.cfg.DualSensorOffset.Y)
	rects := make([]types.Rect, len(irDets))
	for i, d := range irDets {
		rects[i] = d.Rect
	}
	i, ok := geometry.Correlate(target, rects)
	if !ok {
		return types.LivenessNoSecondaryFace, nil
	}
	return h.eng.CheckLiveness(*secondary, irDets[i], types.ModalityIR)
}

func (h *Helper) onLiveness(info *Info, l types.Liveness, err error) {
	if !h.alive(info) {
		h.logger.Debug("discarding liveness result for departed face", "track", info.id)
		return
	}
	logger := h.logger.With("track", info.id)

	if err != nil {
		escalate, ok := info.livenessFailed(h.cfg.MaxLivenessRetries)
		if !ok {
			return
		}
		h.logEngineError(logger, "liveness", err)
		if escalate {
			logger.Warn("liveness retries exhausted, backing off", "error", err)
			h.scheduleLivenessReset(info)
		} else {
			logger.Debug("liveness check failed, retrying", "error", err)
		}
		return
	}

	if !info.setLiveness(l) {
		return
	}
	logger.Debug("liveness verdict", "liveness", l.String())
	if l.Rejected() {
		h.setNotice(info, NoticeNotAlive)
		h.scheduleLivenessReset(info)
	}
}

func (h *Helper) scheduleLivenessReset(info *Info) {
	h.scheduler.Schedule(info.id, h.cfg.LivenessRetryInterval, func() {
		info.resetLiveness()
	})
}

// --- feature search ---

func (h *Helper) requestFeature(info *Info, primary types.Frame, det types.Detection) {
	if !info.tryStartSearch() {
		return
	}
	err := h.featurePool.Submit(func() {
		h.searchFace(info, primary, det)
	})
	if err != nil {
		h.onFeatureError(info, err)
	}
}

func (h *Helper) searchFace(info *Info, primary types.Frame, det types.Detection) {
	if !h.alive(info) {
		return
	}
	feature, err := h.eng.ExtractFeature(primary, det, types.ModeRecognize)
	if err != nil {
		h.onFeatureError(info, err)
		return
	}

	if h.cfg.LivenessEnabled {
		h.parked.Add(1)
		res := info.waitAlive(h.ctx, h.cfg.LivenessWaitTimeout)
		h.parked.Add(-1)
		switch res {
		case waitGone, waitCanceled:
			return
		case waitTimeout:
			h.logger.Debug("liveness wait timed out", "track", info.id)
			info.requeue()
			return
		}
	}
	if !h.alive(info) {
		return
	}

	m, ok, err := h.store.BestMatch(h.ctx, feature)
	h.onMatch(info, m, ok, err)
}

func (h *Helper) onFeatureError(info *Info, err error) {
	if !h.alive(info) {
		return
	}
	escalate, ok := info.extractFailed(h.cfg.MaxExtractRetries)
	if !ok {
		return
	}
	h.logEngineError(h.logger.With("track", info.id), "feature", err)
	if escalate {
		h.logger.Warn("feature retries exhausted, backing off", "track", info.id, "error", err)
		h.backoff(info)
		return
	}
	h.logger.Debug("feature extraction failed, retrying", "track", info.id, "error", err)
}

func (h *Helper) onMatch(info *Info, m types.Match, ok bool, err error) {
	if !h.alive(info) {
		h.logger.Debug("discarding search result for departed face", "track", info.id)
		return
	}
	logger := h.logger.With("track", info.id)
	switch {
	case err != nil:
		logger.Warn("identity search failed", "error", err)
		h.backoff(info)
	case !ok || m.Score < h.cfg.SimilarityThreshold:
		logger.Debug("no match above threshold", "score", m.Score, "threshold", h.cfg.SimilarityThreshold)
		h.backoff(info)
	default:
		if !info.succeed(m.Identity.Name) {
			return
		}
		logger.Info("face recognized", "identity", m.Identity.ID, "name", m.Identity.Name, "score", m.Score)
		h.insertResult(Result{TrackID: info.id, Identity: m.Identity, Score: m.Score})
	}
}

// logEngineError surfaces engine errors that retrying cannot fix, such as an
// expired or unactivated SDK. The state machine still counts them as retries.
func (h *Helper) logEngineError(logger *slog.Logger, op string, err error) {
	if engine.IsFatal(err) {
		logger.Error("engine cannot serve "+op+" requests", "error", err, "code", engine.CodeOf(err).String())
	}
}

// backoff parks the face in Failed, shows a notice and re-arms it after the
// recognize retry interval.
func (h *Helper) backoff(info *Info) {
	if !info.fail() {
		return
	}
	h.setNotice(info, NoticeNotRecognized)
	h.scheduler.Schedule(info.id, h.cfg.RecognizeRetryInterval, func() {
		info.retry()
	})
}

// setNotice shows n for the face and clears it after NoticeDuration unless
// it has been replaced meanwhile.
func (h *Helper) setNotice(info *Info, n string) {
	if !info.setNotice(n) {
		return
	}
	h.listener.NoticeChanged(info.id, n)
	h.scheduler.Schedule(info.id, h.cfg.NoticeDuration, func() {
		if info.clearNotice(n) {
			h.listener.NoticeChanged(info.id, "")
		}
	})
}

// --- results list ---

func (h *Helper) insertResult(r Result) {
	h.resultsMu.Lock()
	defer h.resultsMu.Unlock()
	for _, e := range h.results {
		if e.TrackID == r.TrackID {
			return
		}
	}
	h.results = append(h.results, r)
	h.listener.ResultInserted(len(h.results)-1, r)
}

func (h *Helper) removeResult(id types.TrackID) {
	h.resultsMu.Lock()
	defer h.resultsMu.Unlock()
	for i, e := range h.results {
		if e.TrackID == id {
			h.results = append(h.results[:i], h.results[i+1:]...)
			h.listener.ResultRemoved(i, e)
			return
		}
	}
}

// Results returns a copy of the recognized-faces list
func (h *Helper) Results() []Result {
	h.resultsMu.Lock()
	defer h.resultsMu.Unlock()
	return append([]Result(nil), h.results...)
}

func (h *Helper) Stats() Stats {
	h.resultsMu.Lock()
	results := len(h.results)
	h.resultsMu.Unlock()
	return Stats{
		Session:         h.session,
		Frames:          h.frames.Load(),
		SkippedFrames:   h.skipped.Load(),
		Tracked:         h.registry.Len(),
		Results:         results,
		FeaturePending:  h.featurePool.Pending(),
		LivenessPending: h.livenessPool.Pending(),
		FeatureRunning:  h.featurePool.Running(),
		LivenessRunning: h.livenessPool.Running(),
		FeatureBusy:     h.featurePool.Rejected(),
		LivenessBusy:    h.livenessPool.Rejected(),
		Parked:          int(h.parked.Load()),
		Timers:          h.scheduler.Len(),
		HighWater:       h.assigner.HighWater(),
	}
}

// Close evicts every face, stops both pools and all timers, and persists the
// track high-water mark. The engine is not closed. Close must not run
// concurrently with OnFrame.
func (h *Helper) Close(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		h.closed.Store(true)
		h.cancel()
		h.Reconcile(map[types.TrackID]struct{}{})
		h.featurePool.Stop()
		h.livenessPool.Stop()
		h.scheduler.Stop()

		hw := h.assigner.HighWater()
		if h.hw != nil {
			if err = h.hw.SaveHighWater(ctx, h.source, hw); err != nil {
				err = fmt.Errorf("failed to save track high-water mark: %w", err)
			}
		}
		h.logger.Info("recognition session closed", "frames", h.frames.Load(), "high_water", hw)
	})
	return err
}
