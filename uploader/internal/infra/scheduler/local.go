package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/dispatcher"
	"github.com/you-humble/mediaupload/uploader/internal/policy"
)

type Executor interface {
	Execute(ctx context.Context, requestID string) error
}

type job struct {
	requestID string
	seq       uint64
	policy    policy.UploadPolicy
	deadline  time.Time
	failures  int
}

// Local runs scheduled requests on an in-process worker pool. Jobs are lost
// on restart; the dispatcher's Resume puts them back.
type Local struct {
	exec         Executor
	device       policy.DeviceState
	queue        chan job
	workerNum    int
	maxRetries   int
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	seq     uint64
	live    map[string]uint64
	timers  map[string]*time.Timer
	waiting []job
}

type LocalConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	Workers      int           `yaml:"workers"`
	MaxRetries   int           `yaml:"max_retries"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func NewLocal(exec Executor, device policy.DeviceState, cfg LocalConfig) *Local {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Local{
		exec:         exec,
		device:       device,
		queue:        make(chan job, cfg.QueueSize),
		workerNum:    cfg.Workers,
		maxRetries:   cfg.MaxRetries,
		pollInterval: cfg.PollInterval,
		ctx:          ctx,
		cancel:       cancel,
		live:         make(map[string]uint64),
		timers:       make(map[string]*time.Timer),
	}
}

func (s *Local) Start(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(s.workerNum + 1)
	for i := 0; i < s.workerNum; i++ {
		go s.worker(i)
	}
	go s.sweep()
}

func (s *Local) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	close(s.queue)
	s.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		s.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-doneCh:
	}

	slog.Info("scheduler: stopped")
	return nil
}

func (s *Local) ScheduleImmediate(_ context.Context, requestID string) error {
	j := s.register(requestID, policy.UploadPolicy{}, time.Time{})
	s.enqueue(j)
	return nil
}

// ScheduleConstrained runs requestID no sooner than window.MinLatency from
// now, once p's constraints hold or window.MaxExecutionDelay has elapsed.
func (s *Local) ScheduleConstrained(_ context.Context, requestID string, window policy.TimeWindow, p policy.UploadPolicy) error {
	now := time.Now()
	j := s.register(requestID, p, now.Add(window.MaxExecutionDelay))
	s.after(j, window.MinLatency)
	return nil
}

func (s *Local) Cancel(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.live, requestID)
	if t, ok := s.timers[requestID]; ok {
		t.Stop()
		delete(s.timers, requestID)
	}
	s.dropWaitingLocked(requestID)
	return nil
}

// NotifyQueueRoomFreed hands the oldest parked job back to the workers.
func (s *Local) NotifyQueueRoomFreed() {
	s.mu.Lock()
	if len(s.waiting) == 0 {
		s.mu.Unlock()
		return
	}
	j := s.waiting[0]
	s.waiting = s.waiting[1:]
	s.mu.Unlock()

	s.enqueue(j)
}

// Waiting is the number of jobs parked for lack of a free slot.
func (s *Local) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

func (s *Local) register(requestID string, p policy.UploadPolicy, deadline time.Time) job {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.live[requestID] = s.seq
	if t, ok := s.timers[requestID]; ok {
		t.Stop()
		delete(s.timers, requestID)
	}
	s.dropWaitingLocked(requestID)
	return job{requestID: requestID, seq: s.seq, policy: p, deadline: deadline}
}

func (s *Local) dropWaitingLocked(requestID string) {
	out := s.waiting[:0]
	for _, w := range s.waiting {
		if w.requestID != requestID {
			out = append(out, w)
		}
	}
	s.waiting = out
}

func (s *Local) current(j job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.live[j.requestID] == j.seq
}

func (s *Local) after(j job, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.live[j.requestID] != j.seq {
		return
	}
	s.timers[j.requestID] = time.AfterFunc(d, func() { s.due(j) })
}

func (s *Local) due(j job) {
	s.mu.Lock()
	if s.live[j.requestID] == j.seq {
		delete(s.timers, j.requestID)
	}
	s.mu.Unlock()

	if !s.current(j) {
		return
	}

	if !j.deadline.IsZero() && j.policy.HasRequirements() && !policy.Satisfied(j.policy, s.device) {
		left := time.Until(j.deadline)
		if left > 0 {
			s.after(j, min(s.pollInterval, left))
			return
		}
	}
	s.enqueue(j)
}

func (s *Local) enqueue(j job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.queue <- j:
	default:
		s.waiting = append(s.waiting, j)
	}
}

func (s *Local) park(j job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.live[j.requestID] != j.seq {
		return
	}
	s.waiting = append(s.waiting, j)
}

func (s *Local) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case j, ok := <-s.queue:
			if !ok {
				return
			}
			s.handleJob(s.ctx, j)
		}
	}
}

// sweep periodically retries parked jobs so a missed room notification
// cannot strand them.
func (s *Local) sweep() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			parked := s.waiting
			s.waiting = nil
			s.mu.Unlock()

			for _, j := range parked {
				s.enqueue(j)
			}
		}
	}
}

func (s *Local) handleJob(ctx context.Context, j job) {
	if !s.current(j) {
		return
	}

	l := slog.With(
		slog.String("request_id", j.requestID),
		slog.Int("failures", j.failures),
	)

	err := s.exec.Execute(ctx, j.requestID)
	switch {
	case err == nil:
		s.finish(j)
	case errors.Is(err, dispatcher.ErrNoRoom):
		l.Debug("no free slot, job parked")
		s.park(j)
	case errors.Is(err, context.Canceled):
		return
	default:
		if j.failures >= s.maxRetries {
			l.Error("execute failed, max retries exceeded", slog.String("error", err.Error()))
			s.finish(j)
			return
		}
		j.failures++
		l.Warn("execute failed, job requeued",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", s.pollInterval),
		)
		s.after(j, s.pollInterval)
	}
}

func (s *Local) finish(j job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[j.requestID] == j.seq {
		delete(s.live, j.requestID)
	}
}
