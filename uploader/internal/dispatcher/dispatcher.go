// Package dispatcher drives upload requests through their lifecycle:
// constraint checks, preprocessing, signing, submission, retry and
// terminal reporting.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/callback"
	"github.com/you-humble/mediaupload/uploader/internal/domain"
	"github.com/you-humble/mediaupload/uploader/internal/payload"
	"github.com/you-humble/mediaupload/uploader/internal/policy"
	"github.com/you-humble/mediaupload/uploader/internal/preprocess"
	"github.com/you-humble/mediaupload/uploader/internal/signing"
)

var (
	// ErrNoRoom is returned by Execute when every concurrency slot is taken.
	// The scheduler is expected to retry after NotifyQueueRoomFreed.
	ErrNoRoom          = errors.New("no free upload slot")
	ErrUnknownChain    = errors.New("unknown preprocess chain")
	ErrAlreadyFinished = errors.New("request already finished")
)

// reservedOptions are added to every upload call by signing.
var reservedOptions = []string{"timestamp", "signature", "api_key"}

type Store interface {
	Persist(ctx context.Context, r domain.UploadRequest) error
	Load(ctx context.Context, id string) (domain.UploadRequest, error)
	LoadPending(ctx context.Context) ([]domain.UploadRequest, error)
	Delete(ctx context.Context, id string) error
}

type Scheduler interface {
	ScheduleConstrained(ctx context.Context, requestID string, window policy.TimeWindow, p policy.UploadPolicy) error
	ScheduleImmediate(ctx context.Context, requestID string) error
	Cancel(ctx context.Context, requestID string) error
	NotifyQueueRoomFreed()
}

type Transport interface {
	Submit(
		ctx context.Context,
		url string,
		fields []domain.Field,
		file domain.FilePart,
		progress func(sent, total int64),
	) (status int, body []byte, err error)
}

type SignatureProvider interface {
	ProvideSignature(ctx context.Context, params map[string]any) (domain.Signature, error)
}

type FileCleaner interface {
	Delete(ctx context.Context, filename string) error
}

type Observer interface {
	AttemptFinished(status domain.UploadStatus, took time.Duration)
	BytesUploaded(n int64)
	InFlight(n int)
}

type Config struct {
	Cloud signing.Config
	// ResourceType is the upload endpoint's resource segment, "auto" when empty.
	ResourceType string
	Global       policy.Global
}

type Option func(*Dispatcher)

func WithSignatureProvider(p SignatureProvider) Option {
	return func(d *Dispatcher) { d.signer = p }
}

func WithDeviceState(s policy.DeviceState) Option {
	return func(d *Dispatcher) { d.device = s }
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

func WithEnv(env payload.Env) Option {
	return func(d *Dispatcher) { d.env = env }
}

// WithFileCleaner removes preprocessing output once an attempt is done with it.
func WithFileCleaner(c FileCleaner) Option {
	return func(d *Dispatcher) { d.cleaner = c }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

type Dispatcher struct {
	cloud        signing.Config
	resourceType string

	store     Store
	scheduler Scheduler
	transport Transport
	registry  *callback.Registry
	signer    SignatureProvider
	cleaner   FileCleaner
	observer  Observer
	device    policy.DeviceState
	env       payload.Env
	now       func() time.Time

	global atomic.Pointer[policy.Global]
	locks  *keyedMutex

	mu        sync.Mutex
	running   int
	inflight  map[string]context.CancelFunc
	cancelled map[string]struct{}
	chains    map[string]preprocess.Runner

	wg sync.WaitGroup
}

func New(
	cfg Config,
	store Store,
	transport Transport,
	registry *callback.Registry,
	opts ...Option,
) (*Dispatcher, error) {
	global := cfg.Global
	if global == (policy.Global{}) {
		global = policy.DefaultGlobal()
	}
	if err := global.Validate(); err != nil {
		return nil, fmt.Errorf("global policy: %w", err)
	}

	d := &Dispatcher{
		cloud:        cfg.Cloud,
		resourceType: cfg.ResourceType,
		store:        store,
		transport:    transport,
		registry:     registry,
		observer:     noopObserver{},
		now:          time.Now,
		locks:        newKeyedMutex(),
		inflight:     make(map[string]context.CancelFunc),
		cancelled:    make(map[string]struct{}),
		chains:       make(map[string]preprocess.Runner),
	}
	d.global.Store(&global)
	for _, opt := range opts {
		opt(d)
	}

	registry.OnDelivered(func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.Delete(ctx, id); err != nil {
			slog.Warn("delete delivered request",
				slog.String("request_id", id),
				slog.String("error", err.Error()),
			)
		}
	})

	return d, nil
}

// SetScheduler attaches the scheduler. It must be called before Dispatch;
// schedulers hold the dispatcher as their executor, hence the late binding.
func (d *Dispatcher) SetScheduler(s Scheduler) {
	d.scheduler = s
}

// RegisterChain makes a preprocess runner available under name. Requests refer
// to chains by name so they survive a restart.
func (d *Dispatcher) RegisterChain(name string, r preprocess.Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chains[name] = r
}

func (d *Dispatcher) chain(name string) (preprocess.Runner, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.chains[name]
	return r, ok
}

func (d *Dispatcher) GlobalPolicy() policy.Global {
	return *d.global.Load()
}

func (d *Dispatcher) isImmediate(w policy.TimeWindow) bool {
	return w.IsImmediate(d.GlobalPolicy().ImmediateThreshold)
}

// SetGlobalPolicy replaces the defaults. Attempts already running keep the
// snapshot they started with.
func (d *Dispatcher) SetGlobalPolicy(g policy.Global) error {
	if err := g.Validate(); err != nil {
		return err
	}
	d.global.Store(&g)
	return nil
}

// NewRequest builds a request carrying the current default policy, stamped
// with the dispatcher's clock.
func (d *Dispatcher) NewRequest(p payload.Payload, opts ...domain.RequestOption) (domain.UploadRequest, error) {
	req, err := domain.NewUploadRequest(p, d.GlobalPolicy().UploadPolicy, opts...)
	if err != nil {
		return domain.UploadRequest{}, err
	}
	if err := checkReserved(req.Options); err != nil {
		return domain.UploadRequest{}, err
	}
	now := d.now()
	req.CreatedAt = now
	req.UpdatedAt = now
	req.NotBefore = now.Add(req.TimeWindow.MinLatency)
	return req, nil
}

func checkReserved(opts domain.Options) error {
	for _, k := range reservedOptions {
		_, isValue := opts.Get(k)
		_, isList := opts.List(k)
		if isValue || isList {
			return fmt.Errorf("option %q is set by signing: %w", k, domain.ErrOptionsInvalid)
		}
	}
	return nil
}

// Dispatch persists req and hands it to the scheduler. It never blocks on
// the upload itself.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.UploadRequest) (string, error) {
	if req.ID == "" {
		return "", fmt.Errorf("dispatch: empty request id: %w", domain.ErrOptionsInvalid)
	}
	if err := req.Policy.Validate(); err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}
	if err := req.TimeWindow.Validate(); err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}
	if err := checkReserved(req.Options); err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}

	now := d.now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.NotBefore.IsZero() {
		req.NotBefore = req.CreatedAt.Add(req.TimeWindow.MinLatency)
	}
	req.Status = domain.StatusQueued
	req.UpdatedAt = now

	if err := d.store.Persist(ctx, req); err != nil {
		return "", fmt.Errorf("dispatch: persist: %w", err)
	}
	if err := d.schedule(ctx, req); err != nil {
		return "", fmt.Errorf("dispatch: schedule: %w", err)
	}

	slog.Debug("request dispatched",
		slog.String("request_id", req.ID),
		slog.String("payload", req.Payload.Scheme()),
		slog.Bool("immediate", d.isImmediate(req.TimeWindow)),
	)
	return req.ID, nil
}

// schedule hands a QUEUED request to the scheduler honoring NotBefore and
// the deadline of its original window.
func (d *Dispatcher) schedule(ctx context.Context, req domain.UploadRequest) error {
	if d.isImmediate(req.TimeWindow) && !req.NotBefore.After(d.now()) {
		return d.scheduler.ScheduleImmediate(ctx, req.ID)
	}
	return d.scheduler.ScheduleConstrained(ctx, req.ID, d.remainingWindow(req), req.Policy)
}

func (d *Dispatcher) remainingWindow(req domain.UploadRequest) policy.TimeWindow {
	now := d.now()
	delay := max(req.NotBefore.Sub(now), 0)
	if d.isImmediate(req.TimeWindow) {
		return policy.TimeWindow{MinLatency: delay, MaxExecutionDelay: delay}
	}
	remaining := max(req.TimeWindow.Deadline(req.CreatedAt).Sub(now), delay)
	return policy.TimeWindow{MinLatency: delay, MaxExecutionDelay: remaining}
}

// StartNow runs an attempt for id right away, bypassing the queue, the
// concurrency limit and the device constraints.
func (d *Dispatcher) StartNow(ctx context.Context, id string) error {
	req, err := d.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return ErrAlreadyFinished
	}
	if err := d.scheduler.Cancel(ctx, id); err != nil {
		slog.Warn("unschedule before start",
			slog.String("request_id", id),
			slog.String("error", err.Error()),
		)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.run(context.WithoutCancel(ctx), id, true); err != nil {
			slog.Error("start now",
				slog.String("request_id", id),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Cancel marks id CANCELLED. An attempt already in flight has its context
// cancelled and whatever it returns is discarded.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	d.cancelled[id] = struct{}{}
	stop, running := d.inflight[id]
	d.mu.Unlock()
	if running {
		stop()
	}

	if err := d.scheduler.Cancel(ctx, id); err != nil {
		slog.Warn("unschedule cancelled request",
			slog.String("request_id", id),
			slog.String("error", err.Error()),
		)
	}
	if running {
		return nil
	}

	unlock := d.locks.Lock(id)
	defer unlock()

	req, err := d.store.Load(ctx, id)
	if err != nil {
		d.clearCancelled(id)
		return err
	}
	if req.Status.IsTerminal() {
		d.clearCancelled(id)
		return nil
	}
	return d.finishCancelled(ctx, &req)
}

func (d *Dispatcher) isCancelled(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.cancelled[id]
	return ok
}

func (d *Dispatcher) clearCancelled(id string) {
	d.mu.Lock()
	delete(d.cancelled, id)
	d.mu.Unlock()
}

// Status returns a snapshot of the request. A pending cancellation is
// reported as CANCELLED even while its last attempt drains.
func (d *Dispatcher) Status(ctx context.Context, id string) (domain.UploadRequest, error) {
	req, err := d.store.Load(ctx, id)
	if err != nil {
		return domain.UploadRequest{}, err
	}
	if !req.Status.IsTerminal() && d.isCancelled(id) {
		req.Status = domain.StatusCancelled
	}
	return req.Snapshot(), nil
}

// Resume reloads everything the store still holds. Unfinished requests are
// scheduled again; finished ones have their result re-published so a
// listener registering later still receives it.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	reqs, err := d.store.LoadPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}

	resumed := 0
	for _, req := range reqs {
		if req.Status.IsTerminal() {
			d.publishTerminal(req)
			continue
		}

		// An UPLOADING record means the process died mid-attempt.
		if req.Status != domain.StatusQueued {
			req.Status = domain.StatusQueued
			req.UpdatedAt = d.now()
			if err := d.store.Persist(ctx, req); err != nil {
				return resumed, fmt.Errorf("resume %s: %w", req.ID, err)
			}
		}
		if err := d.schedule(ctx, req); err != nil {
			return resumed, fmt.Errorf("resume %s: %w", req.ID, err)
		}
		resumed++
	}

	slog.Info("requests resumed",
		slog.Int("scheduled", resumed),
		slog.Int("total", len(reqs)),
	)
	return resumed, nil
}

// Wait blocks until StartNow goroutines have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) acquire() bool {
	limit := d.GlobalPolicy().MaxConcurrentRequests
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running >= limit {
		return false
	}
	d.running++
	d.observer.InFlight(d.running)
	return true
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	d.running--
	d.observer.InFlight(d.running)
	d.mu.Unlock()
	d.scheduler.NotifyQueueRoomFreed()
}

func (d *Dispatcher) publishTerminal(req domain.UploadRequest) {
	switch req.Status {
	case domain.StatusSuccess:
		d.registry.Publish(callback.Event{Kind: callback.KindSuccess, RequestID: req.ID, Result: req.Result})
	case domain.StatusFailure, domain.StatusCancelled:
		info := req.LastError
		if info == nil {
			info = domain.NewErrorInfo(domain.CodeUnknown, "")
		}
		d.registry.Publish(callback.Event{Kind: callback.KindError, RequestID: req.ID, Error: info})
	}
}

type noopObserver struct{}

func (noopObserver) AttemptFinished(domain.UploadStatus, time.Duration) {}
func (noopObserver) BytesUploaded(int64)                                {}
func (noopObserver) InFlight(int)                                       {}
