// Package signature asks a remote backend to sign upload parameters when
// the process does not hold the API secret itself.
package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/domain"

	backoff "github.com/cenkalti/backoff/v4"
)

type httpProvider struct {
	url          string
	client       *http.Client
	buildBackoff func() backoff.BackOff
}

// NewHTTPProvider posts {"params": {...}} to url and expects a
// domain.Signature back. Server errors and network failures are retried.
func NewHTTPProvider(url string, timeout time.Duration, factory func() backoff.BackOff) *httpProvider {
	if factory == nil {
		factory = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		}
	}
	return &httpProvider{
		url:          url,
		client:       &http.Client{Timeout: timeout},
		buildBackoff: factory,
	}
}

type signRequest struct {
	Params map[string]any `json:"params"`
}

func (p *httpProvider) ProvideSignature(ctx context.Context, params map[string]any) (domain.Signature, error) {
	body, err := json.Marshal(signRequest{Params: params})
	if err != nil {
		return domain.Signature{}, fmt.Errorf("%w: encode params: %v", domain.ErrSignature, err)
	}

	var sig domain.Signature
	op := func() error {
		s, err := p.once(ctx, body)
		if err != nil {
			return err
		}
		sig = s
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(p.buildBackoff(), ctx)); err != nil {
		return domain.Signature{}, fmt.Errorf("%w: %v", domain.ErrSignature, err)
	}
	return sig, nil
}

func (p *httpProvider) once(ctx context.Context, body []byte) (domain.Signature, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return domain.Signature{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Signature{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Signature{}, err
	}

	switch {
	case resp.StatusCode >= 500:
		return domain.Signature{}, fmt.Errorf("signature backend: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return domain.Signature{}, backoff.Permanent(fmt.Errorf("signature backend: status %d", resp.StatusCode))
	}

	var sig domain.Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return domain.Signature{}, backoff.Permanent(fmt.Errorf("decode signature: %w", err))
	}
	if sig.Signature == "" {
		return domain.Signature{}, backoff.Permanent(errors.New("empty signature"))
	}
	return sig, nil
}
