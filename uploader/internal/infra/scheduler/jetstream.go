package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	natsq "github.com/you-humble/mediaupload/core/libs/nats"
	"github.com/you-humble/mediaupload/uploader/internal/dispatcher"
	"github.com/you-humble/mediaupload/uploader/internal/policy"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
)

type JetStreamConfig struct {
	Stream       string        `yaml:"stream"`
	Subject      string        `yaml:"subject"`
	Consumer     string        `yaml:"consumer"`
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxNakDelay caps a single redelivery delay; longer waits take several hops.
	MaxNakDelay time.Duration `yaml:"max_nak_delay"`
}

type message struct {
	RequestID string              `json:"request_id"`
	Published int64               `json:"published"`
	NotBefore int64               `json:"not_before"`
	Deadline  int64               `json:"deadline,omitempty"`
	Policy    policy.UploadPolicy `json:"policy"`
}

type action int

const (
	actionRun action = iota
	actionWait
	actionDrop
)

// JetStream persists scheduled jobs in a stream so they survive restarts
// and can be spread across several processes.
type JetStream struct {
	js     nats.JetStreamContext
	cfg    JetStreamConfig
	exec   Executor
	device policy.DeviceState
	now    func() time.Time

	sub  *nats.Subscription
	done chan struct{}

	// cancelled maps request id to the time it was cancelled.
	cancelled *lru.Cache[string, time.Time]
}

func NewJetStream(js nats.JetStreamContext, exec Executor, device policy.DeviceState, cfg JetStreamConfig) *JetStream {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.MaxNakDelay <= 0 {
		cfg.MaxNakDelay = 5 * time.Minute
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "upload-scheduler"
	}

	cancelled, _ := lru.New[string, time.Time](cancelCacheSize)

	return &JetStream{
		js:        js,
		cfg:       cfg,
		exec:      exec,
		device:    device,
		now:       time.Now,
		done:      make(chan struct{}, cfg.Workers),
		cancelled: cancelled,
	}
}

func (s *JetStream) ScheduleImmediate(ctx context.Context, requestID string) error {
	now := s.now().UnixNano()
	return s.publish(ctx, message{RequestID: requestID, Published: now, NotBefore: now})
}

func (s *JetStream) ScheduleConstrained(ctx context.Context, requestID string, window policy.TimeWindow, p policy.UploadPolicy) error {
	now := s.now()
	return s.publish(ctx, message{
		RequestID: requestID,
		Published: now.UnixNano(),
		NotBefore: now.Add(window.MinLatency).UnixNano(),
		Deadline:  now.Add(window.MaxExecutionDelay).UnixNano(),
		Policy:    p,
	})
}

const (
	// cancelTTL bounds how long a cancellation is remembered.
	cancelTTL       = 24 * time.Hour
	cancelCacheSize = 10_000
)

// Cancel drops messages for requestID published before now that this
// process has yet to handle. Other consumers rely on the dispatcher
// ignoring finished requests.
func (s *JetStream) Cancel(_ context.Context, requestID string) error {
	s.cancelled.Add(requestID, s.now())
	return nil
}

// NotifyQueueRoomFreed is a no-op: jobs refused for lack of room are
// redelivered by JetStream after a short delay.
func (s *JetStream) NotifyQueueRoomFreed() {}

func (s *JetStream) publish(ctx context.Context, m message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if _, err := s.js.Publish(s.cfg.Subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("JetStream publish: %w", err)
	}
	return nil
}

func (s *JetStream) Run(ctx context.Context) error {
	err := natsq.EnsureConsumer(s.js, s.cfg.Stream, &nats.ConsumerConfig{
		Durable:       s.cfg.Consumer,
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: s.cfg.Subject,
		MaxAckPending: s.cfg.Workers * 2,
		AckWait:       time.Minute,
	})
	if err != nil {
		return err
	}

	sub, err := s.js.PullSubscribe(s.cfg.Subject, s.cfg.Consumer)
	if err != nil {
		return fmt.Errorf("JetStream PullSubscribe: %w", err)
	}
	s.sub = sub

	for range s.cfg.Workers {
		go func() {
			defer func() { s.done <- struct{}{} }()
			s.runWorker(ctx)
		}()
	}

	slog.Info("JetStream scheduler is running",
		slog.Int("workers", s.cfg.Workers),
		slog.String("subject", s.cfg.Subject),
	)
	return nil
}

// Stop waits for the workers to exit after ctx passed to Run is done.
func (s *JetStream) Stop(ctx context.Context) {
	for range s.cfg.Workers {
		select {
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}

	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			slog.Warn("NATS subscription drain", slog.String("error", err.Error()))
		}
	}
	slog.Info("JetStream scheduler stopped")
}

func (s *JetStream) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := s.sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			slog.Warn("NATS Fetch", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			s.handle(ctx, msg)
		}
	}
}

func (s *JetStream) handle(ctx context.Context, msg *nats.Msg) {
	var m message
	if err := json.Unmarshal(msg.Data, &m); err != nil || m.RequestID == "" {
		slog.Error("bad scheduler message", slog.String("data", string(msg.Data)))
		_ = msg.Term()
		return
	}

	act, delay := s.decide(m, s.now())
	switch act {
	case actionDrop:
		_ = msg.Ack()
		return
	case actionWait:
		if err := msg.NakWithDelay(min(delay, s.cfg.MaxNakDelay)); err != nil {
			slog.Warn("NATS NakWithDelay", slog.String("error", err.Error()))
		}
		return
	}

	l := slog.With(slog.String("request_id", m.RequestID))
	err := s.exec.Execute(ctx, m.RequestID)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			l.Warn("NATS Ack", slog.String("error", err.Error()))
		}
	case errors.Is(err, dispatcher.ErrNoRoom):
		_ = msg.NakWithDelay(time.Second)
	default:
		l.Error("execute", slog.String("error", err.Error()))
		_ = msg.NakWithDelay(s.cfg.PollInterval)
	}
}

// decide reports what to do with a delivered job at now.
func (s *JetStream) decide(m message, now time.Time) (action, time.Duration) {
	if at, ok := s.cancelled.Get(m.RequestID); ok {
		if now.Sub(at) > cancelTTL {
			s.cancelled.Remove(m.RequestID)
		} else if !time.Unix(0, m.Published).After(at) {
			return actionDrop, 0
		}
	}

	if wait := time.Unix(0, m.NotBefore).Sub(now); wait > 0 {
		return actionWait, wait
	}

	if m.Deadline != 0 && m.Policy.HasRequirements() && !policy.Satisfied(m.Policy, s.device) {
		if left := time.Unix(0, m.Deadline).Sub(now); left > 0 {
			return actionWait, min(s.cfg.PollInterval, left)
		}
	}
	return actionRun, 0
}
