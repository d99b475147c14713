package signature

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/domain"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 3)
}

func TestProvideSignature_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	var gotParams map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req signRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		gotParams = req.Params
		_ = json.NewEncoder(w).Encode(domain.Signature{Signature: "abc", APIKey: "k", Timestamp: 7})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second, fastBackoff)
	sig, err := p.ProvideSignature(context.Background(), map[string]any{"public_id": "x", "timestamp": "7"})
	require.NoError(t, err)

	assert.Equal(t, domain.Signature{Signature: "abc", APIKey: "k", Timestamp: 7}, sig)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, "x", gotParams["public_id"])
}

func TestProvideSignature_ClientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second, fastBackoff)
	_, err := p.ProvideSignature(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrSignature)
	assert.Equal(t, int32(1), hits.Load())
}

func TestProvideSignature_EmptySignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"api_key":"k"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second, fastBackoff)
	_, err := p.ProvideSignature(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrSignature)
}

func TestProvideSignature_GivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second, fastBackoff)
	_, err := p.ProvideSignature(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrSignature)
	assert.Equal(t, int32(4), hits.Load())
}
