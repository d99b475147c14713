package metrics

import (
	"testing"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/callback"
	"github.com/you-humble/mediaupload/uploader/internal/domain"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver_Records(t *testing.T) {
	reg := promclient.NewRegistry()
	o, err := NewObserver("test", reg)
	require.NoError(t, err)

	o.AttemptFinished(domain.StatusSuccess, 200*time.Millisecond)
	o.AttemptFinished(domain.StatusRescheduled, time.Second)
	o.AttemptFinished(domain.StatusSuccess, 100*time.Millisecond)
	o.BytesUploaded(1024)
	o.BytesUploaded(1024)
	o.InFlight(3)
	o.Handle(callback.Event{Kind: callback.KindStart})
	o.Handle(callback.Event{Kind: callback.KindSuccess})

	assert.Equal(t, 2.0, testutil.ToFloat64(o.attempts.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.attempts.WithLabelValues("rescheduled")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(o.uploadedBytes))
	assert.Equal(t, 3.0, testutil.ToFloat64(o.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.events.WithLabelValues("start")))
	assert.Equal(t, 2, testutil.CollectAndCount(o.attemptTime))
}

func TestObserver_ReusesRegisteredCollectors(t *testing.T) {
	reg := promclient.NewRegistry()
	first, err := NewObserver("test", reg)
	require.NoError(t, err)
	second, err := NewObserver("test", reg)
	require.NoError(t, err)

	first.BytesUploaded(10)
	second.BytesUploaded(5)
	assert.Equal(t, 15.0, testutil.ToFloat64(second.uploadedBytes))
}
