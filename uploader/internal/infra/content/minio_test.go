package content

import (
	"errors"
	"testing"

	"github.com/you-humble/mediaupload/uploader/internal/domain"
	"github.com/you-humble/mediaupload/uploader/internal/payload"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		uri     string
		want    objectRef
		wantErr error
	}{
		{uri: "photos/cat.jpg", want: objectRef{bucket: "media", key: "photos/cat.jpg"}},
		{uri: "/photos/../cat.jpg", want: objectRef{bucket: "media", key: "cat.jpg"}},
		{uri: "s3://other/a/b.png", want: objectRef{bucket: "other", key: "a/b.png"}},
		{uri: "s3://other/../../etc/passwd", want: objectRef{bucket: "other", key: "etc/passwd"}},
		{uri: "", wantErr: errInvalidName},
		{uri: "s3://other/", wantErr: errInvalidName},
		{uri: "http://example.com/x", wantErr: payload.ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := parseRef(tt.uri, "media")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTranslate(t *testing.T) {
	ref := objectRef{bucket: "media", key: "x"}

	err := translate(minio.ErrorResponse{Code: minio.NoSuchKey}, ref)
	require.ErrorIs(t, err, payload.ErrNotFound)

	err = translate(minio.ErrorResponse{Code: "NoSuchBucket"}, ref)
	require.ErrorIs(t, err, payload.ErrNotFound)

	boom := errors.New("boom")
	err = translate(boom, ref)
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.NotErrorIs(t, err, payload.ErrNotFound)

	err = translate(minio.ErrorResponse{Code: "InternalError", StatusCode: 500}, ref)
	assert.ErrorIs(t, err, domain.ErrNetwork)
}

func TestNewMinIOStore_BasePath(t *testing.T) {
	s := newMinIOStore(nil, "media", "/staging/")
	assert.Equal(t, "staging/", s.basePath)

	s = newMinIOStore(nil, "media", "")
	assert.Empty(t, s.basePath)
}
