package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lazypower/preheat/internal/config"
	"github.com/lazypower/preheat/internal/model"
	"github.com/lazypower/preheat/internal/observe"
	"github.com/lazypower/preheat/internal/predict"
	"github.com/lazypower/preheat/internal/prefetch"
	"github.com/lazypower/preheat/internal/store"
)

// ControlKind enumerates the runtime control requests.
type ControlKind uint8

const (
	ControlReload ControlKind = iota + 1
	ControlDump
	ControlSave
	ControlShutdown
)

func (k ControlKind) String() string {
	switch k {
	case ControlReload:
		return "reload"
	case ControlDump:
		return "dump"
	case ControlSave:
		return "save"
	case ControlShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ControlEvent is one control request delivered to the run loop.
type ControlEvent struct {
	Kind ControlKind
}

// Services are the engine's injected collaborators. Clock, Logger, and
// Metrics get working defaults when nil; Prefetcher overrides the
// config-selected implementation when set.
type Services struct {
	Clock      Clock
	Scanner    observe.Scanner
	Repository store.Repository
	LoadConfig func() (config.Config, error)
	Prefetcher prefetch.Prefetcher
	Logger     *zap.Logger
	Metrics    *Metrics
}

// ConfigSummary is the slice of configuration worth showing in the
// admin summary.
type ConfigSummary struct {
	Cycle        uint64 `json:"cycle"`
	DoScan       bool   `json:"doscan"`
	DoPredict    bool   `json:"dopredict"`
	SortStrategy string `json:"sortstrategy"`
	StatePath    string `json:"state_path"`
}

// Summary is a point-in-time snapshot of the engine, safe to read from
// other goroutines.
type Summary struct {
	Time            uint64             `json:"time"`
	ModelTime       uint64             `json:"model_time"`
	Exes            int                `json:"exes"`
	Maps            int                `json:"maps"`
	Edges           int                `json:"edges"`
	Active          int                `json:"active"`
	LastPlanItems   int                `json:"last_plan_items"`
	LastPlanKB      uint64             `json:"last_plan_kb"`
	LastBudgetKB    uint64             `json:"last_budget_kb"`
	PrefetchedBytes uint64             `json:"prefetched_bytes"`
	LastWarnings    []string           `json:"last_warnings,omitempty"`
	Cache           observe.CacheStats `json:"admission_cache"`
	Config          ConfigSummary      `json:"config"`
}

// Engine runs the observe, predict, plan, prefetch cycle and owns the
// model state. All state access happens on the run loop goroutine;
// other goroutines interact through the control channel and Summary.
type Engine struct {
	cfg       config.Config
	statePath string

	st         *model.State
	policy     *observe.Policy
	updater    *observe.Updater
	predictor  *predict.Predictor
	planner    *prefetch.Planner
	prefetcher prefetch.Prefetcher

	svc     Services
	log     *zap.Logger
	metrics *Metrics

	events chan ControlEvent

	summary         atomic.Pointer[Summary]
	prefetchedBytes uint64
	lastSave        uint64
	lastWarnings    []string
}

// New builds an engine for the given configuration.
func New(cfg config.Config, svc Services) (*Engine, error) {
	if svc.Clock == nil {
		svc.Clock = SystemClock{}
	}
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	if svc.Metrics == nil {
		svc.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if svc.Repository == nil {
		svc.Repository = store.NoopRepository{}
	}

	e := &Engine{
		cfg:       cfg,
		statePath: cfg.Persistence.StatePath,
		st:        model.NewState(cfg.Model.ActiveWindow),
		svc:       svc,
		log:       svc.Logger.Named("engine"),
		metrics:   svc.Metrics,
		events:    make(chan ControlEvent, 8),
	}
	if err := e.applyConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Events returns the channel control requests are delivered on.
func (e *Engine) Events() chan<- ControlEvent {
	return e.events
}

// Summary returns the most recently published snapshot, never nil.
func (e *Engine) Summary() *Summary {
	if s := e.summary.Load(); s != nil {
		return s
	}
	return &Summary{}
}

// applyConfig rebuilds the per-config components. The model state and
// the snapshot path survive reconfiguration.
func (e *Engine) applyConfig(cfg config.Config) error {
	strategy, err := prefetch.ParseSortStrategy(cfg.System.SortStrategy)
	if err != nil {
		return fmt.Errorf("apply config: %w", err)
	}

	e.policy = observe.NewPolicy(
		cfg.System.ExePrefix, cfg.System.MapPrefix,
		cfg.Model.MinSize,
		cfg.System.PolicyCacheTTL, cfg.System.PolicyCacheCapacity)
	e.updater = observe.NewUpdater(e.policy,
		float64(cfg.Model.HalfLife), cfg.Model.Decay, e.svc.Logger)
	e.predictor = predict.New(cfg.Model.UseCorrelation, cfg.Model.Cycle, e.svc.Logger)
	e.planner = prefetch.NewPlanner(
		cfg.Model.Memory.MemTotal, cfg.Model.Memory.MemAvailable, strategy)

	switch {
	case e.svc.Prefetcher != nil:
		e.prefetcher = e.svc.Prefetcher
	case cfg.System.PrefetchConcurrency == 0:
		e.prefetcher = prefetch.NoopPrefetcher{}
	default:
		e.prefetcher = prefetch.NewAdvisePrefetcher(
			cfg.System.PrefetchConcurrency, e.svc.Logger)
	}

	e.st.Active.SetWindow(cfg.Model.ActiveWindow)
	e.cfg = cfg
	return nil
}

// LoadSnapshot restores persisted state. A missing or empty snapshot
// is not an error.
func (e *Engine) LoadSnapshot(ctx context.Context) error {
	if err := e.svc.Repository.Load(ctx, e.st); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	e.log.Info("state restored",
		zap.Int("exes", e.st.Exes.Len()),
		zap.Int("maps", e.st.Maps.Len()),
		zap.Int("edges", e.st.Graph.Len()))
	e.publish()
	return nil
}

// Tick runs one full cycle: scan, update, predict, plan, prefetch.
// Every failure inside a tick is non-fatal; the loop carries on.
func (e *Engine) Tick(ctx context.Context) {
	now := e.svc.Clock.Now()
	var warnings error

	obs := &observe.Observation{BeginTime: now, EndTime: now}
	if e.cfg.System.DoScan {
		o, err := e.svc.Scanner.Scan(ctx)
		if err != nil {
			e.warn("scan failed", err)
			return
		}
		obs = o
	}
	for _, w := range obs.Warnings {
		warnings = multierror.Append(warnings, w)
	}

	if err := e.updater.Apply(e.st, obs); err != nil {
		// Apply validates before mutating, so the state is intact.
		e.warn("observation rejected", err)
		return
	}

	if e.cfg.System.DoPredict {
		if obs.HasMem {
			e.prefetchCycle(ctx, obs, &warnings)
		} else if e.cfg.System.DoScan {
			warnings = multierror.Append(warnings,
				fmt.Errorf("no memory stats, prefetch skipped"))
		}
	}

	e.lastWarnings = nil
	if warnings != nil {
		e.metrics.Warnings.Inc()
		e.log.Warn("tick completed with warnings", zap.Error(warnings))
		if merr, ok := warnings.(*multierror.Error); ok {
			for _, werr := range merr.Errors {
				e.lastWarnings = append(e.lastWarnings, werr.Error())
			}
		} else {
			e.lastWarnings = append(e.lastWarnings, warnings.Error())
		}
	}
	e.metrics.Ticks.Inc()
	e.publish()
}

func (e *Engine) prefetchCycle(ctx context.Context, obs *observe.Observation, warnings *error) {
	scores := e.predictor.Predict(e.st)
	plan := e.planner.Build(e.st, scores, obs.Mem)
	e.metrics.PlanItems.Set(float64(len(plan.Items)))
	e.metrics.PlanKB.Set(float64(plan.TotalKB))

	s := e.Summary()
	last := *s
	last.LastPlanItems = len(plan.Items)
	last.LastPlanKB = plan.TotalKB
	last.LastBudgetKB = plan.BudgetKB
	e.summary.Store(&last)

	if len(plan.Items) == 0 {
		return
	}
	report, err := e.prefetcher.Run(ctx, plan)
	if err != nil {
		*warnings = multierror.Append(*warnings, fmt.Errorf("prefetch: %w", err))
		return
	}
	bytes := report.BytesPrefetched()
	e.prefetchedBytes += bytes
	e.metrics.PrefetchedBytes.Add(float64(bytes))

	for _, item := range report.Missing() {
		e.log.Info("purging vanished map", zap.String("path", item.Path))
		e.st.PurgeMap(item.Map)
	}
	for _, err := range report.Errs() {
		*warnings = multierror.Append(*warnings, err)
	}
}

// Run drives the engine until the context is canceled or a shutdown
// request arrives. Control events are handled between ticks without
// restarting the cycle timer.
func (e *Engine) Run(ctx context.Context) error {
	e.lastSave = e.svc.Clock.Now()
	for {
		e.Tick(ctx)
		e.maybeAutosave(ctx)

		wait := e.svc.Clock.After(time.Duration(e.cfg.Model.Cycle) * time.Second)
	idle:
		for {
			select {
			case <-ctx.Done():
				return e.shutdown(ctx)
			case ev := <-e.events:
				if e.handleControl(ctx, ev) {
					return e.shutdown(ctx)
				}
			case <-wait:
				break idle
			}
		}
	}
}

// handleControl reports true when the engine should stop.
func (e *Engine) handleControl(ctx context.Context, ev ControlEvent) bool {
	e.log.Info("control event", zap.Stringer("kind", ev.Kind))
	switch ev.Kind {
	case ControlReload:
		e.reload()
	case ControlDump:
		s := e.Summary()
		e.log.Info("state summary",
			zap.Uint64("model_time", s.ModelTime),
			zap.Int("exes", s.Exes),
			zap.Int("maps", s.Maps),
			zap.Int("edges", s.Edges),
			zap.Int("active", s.Active),
			zap.Uint64("prefetched_bytes", s.PrefetchedBytes),
			zap.Strings("last_warnings", s.LastWarnings),
			zap.Any("config", s.Config))
	case ControlSave:
		e.save(ctx)
	case ControlShutdown:
		return true
	}
	return false
}

// reload re-reads configuration and reapplies admission to the live
// state. The snapshot path is pinned for the life of the process.
func (e *Engine) reload() {
	if e.svc.LoadConfig == nil {
		e.log.Warn("reload requested without a config source")
		return
	}
	cfg, err := e.svc.LoadConfig()
	if err != nil {
		e.warn("reload failed, keeping previous config", err)
		return
	}
	if cfg.Persistence.StatePath != e.statePath {
		e.log.Warn("state_path change ignored until restart",
			zap.String("current", e.statePath),
			zap.String("requested", cfg.Persistence.StatePath))
		cfg.Persistence.StatePath = e.statePath
	}
	if err := e.applyConfig(cfg); err != nil {
		e.warn("reload failed, keeping previous config", err)
		return
	}
	e.policy.Flush()
	e.updater.Reapply(e.st, e.svc.Clock.Now())
	e.publish()
	e.log.Info("configuration reloaded")
}

func (e *Engine) maybeAutosave(ctx context.Context) {
	if e.statePath == "" {
		return
	}
	interval := e.cfg.AutosaveInterval()
	if interval == 0 {
		return
	}
	now := e.svc.Clock.Now()
	if now-e.lastSave < interval {
		return
	}
	e.save(ctx)
}

func (e *Engine) save(ctx context.Context) {
	if err := e.svc.Repository.Save(ctx, e.st); err != nil {
		e.metrics.SaveFailures.Inc()
		e.warn("snapshot save failed", err)
		return
	}
	e.metrics.Saves.Inc()
	e.lastSave = e.svc.Clock.Now()
	e.log.Info("state saved")
}

// shutdown performs the final save. The fresh context keeps the save
// alive past the canceled run context.
func (e *Engine) shutdown(ctx context.Context) error {
	if e.cfg.Persistence.SaveOnShutdown && e.statePath != "" {
		e.save(context.WithoutCancel(ctx))
	}
	e.log.Info("engine stopped")
	return nil
}

// publish refreshes the shared summary and the size gauges.
func (e *Engine) publish() {
	prev := e.Summary()
	s := &Summary{
		Time:            e.svc.Clock.Now(),
		ModelTime:       e.st.ModelTime,
		Exes:            e.st.Exes.Len(),
		Maps:            e.st.Maps.Len(),
		Edges:           e.st.Graph.Len(),
		Active:          e.st.Active.Len(),
		LastPlanItems:   prev.LastPlanItems,
		LastPlanKB:      prev.LastPlanKB,
		LastBudgetKB:    prev.LastBudgetKB,
		PrefetchedBytes: e.prefetchedBytes,
		LastWarnings:    e.lastWarnings,
		Cache:           e.policy.CacheStats(),
		Config: ConfigSummary{
			Cycle:        e.cfg.Model.Cycle,
			DoScan:       e.cfg.System.DoScan,
			DoPredict:    e.cfg.System.DoPredict,
			SortStrategy: e.cfg.System.SortStrategy,
			StatePath:    e.statePath,
		},
	}
	e.summary.Store(s)

	e.metrics.Exes.Set(float64(s.Exes))
	e.metrics.Maps.Set(float64(s.Maps))
	e.metrics.Edges.Set(float64(s.Edges))
	e.metrics.Active.Set(float64(s.Active))
}

func (e *Engine) warn(msg string, err error) {
	e.metrics.Warnings.Inc()
	e.log.Warn(msg, zap.Error(err))
}
