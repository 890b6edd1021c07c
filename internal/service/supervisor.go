package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/valuation-tools/tabctl/internal/job"
	"github.com/valuation-tools/tabctl/internal/log"
	"github.com/valuation-tools/tabctl/internal/model"
	"github.com/valuation-tools/tabctl/internal/portal"
	"github.com/valuation-tools/tabctl/internal/progress"
	"github.com/valuation-tools/tabctl/internal/registry"
	"github.com/valuation-tools/tabctl/internal/store"
	"github.com/valuation-tools/tabctl/internal/tabs"
)

const hubBuffer = 64

type Supervisor struct {
	cfg       model.Config
	launcher  tabs.Launcher
	recycler  *tabs.Recycler
	portal    *portal.Portal
	reg       *registry.Registry
	orch      *job.Orchestrator
	hub       *progress.Hub
	sink      progress.Sink
	store     store.Store
	nc        *nats.Conn
	ownsNC    bool
	uploaders []model.Uploader
	scheduler gocron.Scheduler
	start     chan struct{}

	browserMx   sync.Mutex
	browser     tabs.Browser
	ownsBrowser bool
}

type Option func(*options)

type options struct {
	sinks     []progress.Sink
	store     store.Store
	storeSet  bool
	uploaders []model.Uploader
	browser   tabs.Browser
	nc        *nats.Conn
}

// WithSinks adds progress sinks next to the built in ones.
func WithSinks(sinks ...progress.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithStore replaces the store configured by store.kind. A nil store
// disables persistence.
func WithStore(st store.Store) Option {
	return func(o *options) {
		o.store = st
		o.storeSet = true
	}
}

// WithUploaders replaces the uploaders configured by output.
func WithUploaders(uploaders ...model.Uploader) Option {
	return func(o *options) { o.uploaders = uploaders }
}

// WithBrowser makes jobs run in an already running browser, which the
// supervisor does not stop.
func WithBrowser(b tabs.Browser) Option {
	return func(o *options) { o.browser = b }
}

// WithNATS reuses a connection instead of dialing progress.nats_url.
func WithNATS(nc *nats.Conn) Option {
	return func(o *options) { o.nc = nc }
}

func NewSupervisor(ctx context.Context, cfg model.Config, launcher tabs.Launcher, opts ...Option) (*Supervisor, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		recycler: tabs.NewRecycler(launcher),
		portal:   portal.New(cfg),
		hub:      progress.NewHub(hubBuffer),
		start:    make(chan struct{}, 1),
		browser:  o.browser,
	}

	var err error
	if o.storeSet {
		s.store = o.store
	} else if s.store, err = store.Open(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	s.nc = o.nc
	if s.nc == nil && cfg.Progress.NATSURL != "" {
		if s.nc, err = progress.Connect(cfg.Progress.NATSURL); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		s.ownsNC = true
	}

	sinks := append([]progress.Sink{s.hub}, o.sinks...)
	if s.nc != nil {
		sinks = append(sinks, progress.NewNATS(s.nc, cfg.Progress.Subject))
	}
	s.sink = progress.Multi(sinks...)
	s.reg = registry.New(
		registry.WithPollInterval(cfg.Jobs.PollInterval),
		registry.WithSink(s.sink),
	)
	s.orch = job.NewOrchestrator(s.reg, tabs.NewPool(cfg.Jobs.MaxTabs), s.sink, s.store, cfg.Jobs.ItemTimeout)

	s.uploaders = o.uploaders
	if s.uploaders == nil {
		if s.uploaders, err = uploaders(cfg.Output); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("initializing uploaders: %w", err)
		}
	}

	if cfg.Schedule.Cron != "" {
		if s.scheduler, err = newScheduler(ctx, cfg.Schedule.Cron, s.Trigger); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("schedule mode failed: %w", err)
		}
	}
	return s, nil
}

// NewJobID returns prefix-<uuid>.
func NewJobID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Subscribe streams the progress events of every job run by this supervisor.
// An unread subscription holds back the jobs, so call the returned func once
// done.
func (s *Supervisor) Subscribe() (<-chan model.Event, func()) {
	return s.hub.Subscribe()
}

// Registry exposes the control state of running jobs.
func (s *Supervisor) Registry() *registry.Registry {
	return s.reg
}

// Submission is one job run request.
type Submission struct {
	// JobID defaults to batch-<uuid>.
	JobID    string
	JobType  model.JobType
	Items    []model.WorkItem
	Shards   int
	Resume   bool
	// Spawn runs the job in a new headless browser forked from the primary
	// session.
	Spawn    bool
	Metadata map[string]string
}

// Submit runs a job to completion and uploads its result.
func (s *Supervisor) Submit(ctx context.Context, sub Submission) (model.Result, error) {
	if sub.JobID == "" {
		sub.JobID = NewJobID("batch")
	}
	if sub.Shards <= 0 {
		sub.Shards = s.cfg.Jobs.MaxTabs
	}
	ctx = log.Job(ctx, sub.JobID, string(sub.JobType))

	op, err := s.portal.WithJob(sub.JobID).Operation(sub.JobType)
	if err != nil {
		return s.fail(ctx, sub, model.Structural("resolving operation", err))
	}
	browser, err := s.primary(ctx)
	if err != nil {
		return s.fail(ctx, sub, model.Structural("starting browser", fmt.Errorf("%w: %w", model.ErrNoBrowser, err)))
	}

	if sub.Spawn {
		session, err := s.recycler.Spawn(ctx, browser, tabs.LaunchOptions{Headless: true})
		if err != nil {
			return s.fail(ctx, sub, model.Structural("spawning session", err))
		}
		defer func() {
			if err := session.Close(ctx); err != nil {
				slog.WarnContext(ctx, "stopping spawned session failed", "error", err)
			}
		}()
		browser = session.Browser
	}

	res, err := s.orch.Run(ctx, job.Request{
		JobID:     sub.JobID,
		JobType:   sub.JobType,
		Items:     sub.Items,
		Shards:    sub.Shards,
		Browser:   browser,
		Operation: op,
		Resume:    sub.Resume,
		Metadata:  sub.Metadata,
	})
	if uerr := s.upload(ctx, res); uerr != nil {
		slog.ErrorContext(ctx, "upload failed", "error", uerr)
	}
	return res, err
}

// fail reports a run that could not reach the orchestrator.
func (s *Supervisor) fail(ctx context.Context, sub Submission, err error) (model.Result, error) {
	res := model.Result{
		JobID:   sub.JobID,
		JobType: sub.JobType,
		Status:  model.StatusFailed,
		Total:   len(sub.Items),
		Error:   err.Error(),
		Started: time.Now().UTC(),
	}
	if eerr := s.sink.Emit(context.WithoutCancel(ctx), model.TerminalEvent(res, "job failed: "+res.Error)); eerr != nil {
		slog.WarnContext(ctx, "emitting terminal progress failed", "error", eerr)
	}
	slog.ErrorContext(ctx, "job failed", "error", err)
	if uerr := s.upload(ctx, res); uerr != nil {
		slog.ErrorContext(ctx, "upload failed", "error", uerr)
	}
	return res, err
}

func (s *Supervisor) primary(ctx context.Context) (tabs.Browser, error) {
	s.browserMx.Lock()
	defer s.browserMx.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}
	if s.launcher == nil {
		return nil, errors.New("no launcher configured")
	}
	b, err := s.launcher.Launch(ctx, tabs.LaunchOptions{
		Headless:    s.cfg.Browser.Headless,
		UserDataDir: s.cfg.Browser.UserDataDir,
	})
	if err != nil {
		return nil, err
	}
	s.browser = b
	s.ownsBrowser = true
	return b, nil
}

func (s *Supervisor) upload(ctx context.Context, res model.Result) error {
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	raw = append(raw, '\n')
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, u := range s.uploaders {
		if err := u.Upload(ctx, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Trigger asks Do to run the scheduled check. It never blocks: a trigger
// arriving while one is pending is dropped.
func (s *Supervisor) Trigger() {
	select {
	case s.start <- struct{}{}:
	default:
		slog.Warn("scheduled check still pending: skipping tick")
	}
}

// Do serves control requests and scheduled checks until ctx is done.
//
// Startup: subscribes the control subject (with NATS configured) and starts
// the scheduler (with schedule.cron configured).
// Shutdown (deferred order): scheduler -> control subscription. Resources are
// released by Close.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	if s.nc != nil {
		subject := s.cfg.Progress.ControlSubject
		sub, err := s.nc.Subscribe(subject, func(m *nats.Msg) {
			reply := s.HandleControl(ctx, m.Data)
			if m.Reply == "" {
				return
			}
			if err := m.Respond(reply); err != nil {
				slog.ErrorContext(ctx, "replying to control request failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribing %s: %w", subject, err)
		}
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				slog.ErrorContext(ctx, "unsubscribing control subject failed", "error", err)
			}
		}()
		slog.InfoContext(ctx, "listening for control commands", "subject", subject)
	}

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			if err := s.scheduledCheck(ctx); err != nil {
				slog.ErrorContext(ctx, "scheduled check failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) scheduledCheck(ctx context.Context) error {
	if s.cfg.Schedule.Items == "" {
		return errors.New("schedule.items is not set")
	}
	items, err := model.ReadItemsFile(s.cfg.Schedule.Items)
	if err != nil {
		return err
	}
	jobID := s.cfg.Schedule.JobID
	if jobID == "" {
		jobID = NewJobID("check")
	}
	_, err = s.Submit(ctx, Submission{
		JobID:    jobID,
		JobType:  model.JobTypeCheckStatus,
		Items:    items,
		Metadata: map[string]string{"trigger": "schedule"},
	})
	return err
}

// Close stops the browser the supervisor launched and releases the store,
// the NATS connection and the uploaders.
func (s *Supervisor) Close(ctx context.Context) error {
	var errs []error
	s.browserMx.Lock()
	if s.ownsBrowser && s.browser != nil {
		errs = append(errs, s.browser.Stop(ctx))
		s.browser = nil
	}
	s.browserMx.Unlock()

	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.ownsNC && s.nc != nil {
		errs = append(errs, s.nc.Drain())
	}
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

func newScheduler(ctx context.Context, expr string, startFunc func()) (gocron.Scheduler, error) {
	withSeconds, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule.cron: %w", err)
	}
	slog.DebugContext(ctx, "successfully parsed", "cron", expr)

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.CronJob(expr, withSeconds),
		gocron.NewTask(startFunc),
		gocron.WithName("check-status"),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
