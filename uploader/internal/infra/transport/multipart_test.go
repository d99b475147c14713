package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_SendsFieldsAndFile(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100_000)

	var (
		gotFields = map[string]string{}
		gotFile   []byte
		gotName   string
		gotUA     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusTeapot)
			return
		}
		for k, v := range r.MultipartForm.Value {
			gotFields[k] = v[0]
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusTeapot)
			return
		}
		defer f.Close()
		gotName = hdr.Filename
		gotFile, _ = io.ReadAll(f)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"public_id":"abc"}`))
	}))
	defer srv.Close()

	var (
		mu    sync.Mutex
		calls []int64
	)
	tr := NewMultipart(5*time.Second, "mediaupload-test")
	status, body, err := tr.Submit(context.Background(), srv.URL,
		[]domain.Field{{Name: "public_id", Value: "abc"}, {Name: "timestamp", Value: "1"}},
		domain.FilePart{Filename: "a.bin", Reader: bytes.NewReader(data), Size: int64(len(data))},
		func(sent, total int64) {
			mu.Lock()
			calls = append(calls, sent)
			mu.Unlock()
			assert.Equal(t, int64(len(data)), total)
		},
	)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"public_id":"abc"}`, string(body))
	assert.Equal(t, "abc", gotFields["public_id"])
	assert.Equal(t, "1", gotFields["timestamp"])
	assert.Equal(t, "a.bin", gotName)
	assert.Equal(t, data, gotFile)
	assert.Equal(t, "mediaupload-test", gotUA)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, calls)
	assert.Equal(t, int64(len(data)), calls[len(calls)-1])
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i], calls[i-1])
	}
}

func TestSubmit_ReturnsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad"}}`))
	}))
	defer srv.Close()

	tr := NewMultipart(5*time.Second, "")
	status, body, err := tr.Submit(context.Background(), srv.URL, nil,
		domain.FilePart{Filename: "a", Reader: strings.NewReader("abc"), Size: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "bad")
}

func TestSubmit_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := NewMultipart(time.Second, "")
	_, _, err := tr.Submit(context.Background(), url, nil,
		domain.FilePart{Filename: "a", Reader: strings.NewReader("abc"), Size: 3}, nil)
	require.Error(t, err)
}

func TestSubmit_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	tr := NewMultipart(5*time.Second, "")
	_, _, err := tr.Submit(ctx, srv.URL, nil,
		domain.FilePart{Filename: "a", Reader: strings.NewReader("abc"), Size: 3}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
