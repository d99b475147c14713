// Package metrics exports dispatcher and callback activity to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/callback"
	"github.com/you-humble/mediaupload/uploader/internal/domain"

	promclient "github.com/prometheus/client_golang/prometheus"
)

type Observer struct {
	attempts      *promclient.CounterVec
	attemptTime   *promclient.HistogramVec
	uploadedBytes promclient.Counter
	inFlight      promclient.Gauge
	events        *promclient.CounterVec
}

func NewObserver(namespace string, reg promclient.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = "mediaupload"
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}

	o := &Observer{
		attempts: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Upload attempts by outcome.",
		}, []string{"outcome"}),
		attemptTime: promclient.NewHistogramVec(promclient.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Time spent preprocessing, signing and submitting one attempt.",
			Buckets:   promclient.ExponentialBuckets(0.05, 2, 12),
		}, []string{"outcome"}),
		uploadedBytes: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Payload bytes handed to the upload API.",
		}),
		inFlight: promclient.NewGauge(promclient.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Attempts currently holding a concurrency slot.",
		}),
		events: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "callback_events_total",
			Help:      "Lifecycle events published to listeners.",
		}, []string{"kind"}),
	}

	var err error
	if o.attempts, err = register(reg, o.attempts); err != nil {
		return nil, err
	}
	if o.attemptTime, err = register(reg, o.attemptTime); err != nil {
		return nil, err
	}
	if o.uploadedBytes, err = register(reg, o.uploadedBytes); err != nil {
		return nil, err
	}
	if o.inFlight, err = register(reg, o.inFlight); err != nil {
		return nil, err
	}
	if o.events, err = register(reg, o.events); err != nil {
		return nil, err
	}
	return o, nil
}

// register returns the already registered collector when one with the same
// descriptor exists.
func register[C promclient.Collector](reg promclient.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are promclient.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("register collector: %w", err)
}

func (o *Observer) AttemptFinished(status domain.UploadStatus, took time.Duration) {
	o.attempts.WithLabelValues(string(status)).Inc()
	o.attemptTime.WithLabelValues(string(status)).Observe(took.Seconds())
}

func (o *Observer) BytesUploaded(n int64) {
	o.uploadedBytes.Add(float64(n))
}

func (o *Observer) InFlight(n int) {
	o.inFlight.Set(float64(n))
}

// Handle counts events; register it as a global callback listener.
func (o *Observer) Handle(e callback.Event) {
	o.events.WithLabelValues(e.Kind.String()).Inc()
}
