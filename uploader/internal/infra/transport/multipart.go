// Package transport submits multipart uploads over HTTP.
package transport

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/domain"
)

// maxResponseBytes bounds how much of the API answer is read.
const maxResponseBytes = 4 << 20

type multipartTransport struct {
	client    *http.Client
	userAgent string
}

func NewMultipart(timeout time.Duration, userAgent string) *multipartTransport {
	return &multipartTransport{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func NewMultipartWithClient(client *http.Client, userAgent string) *multipartTransport {
	return &multipartTransport{client: client, userAgent: userAgent}
}

// Submit streams fields and file as multipart/form-data. progress is called
// from the request goroutine as file bytes are consumed.
func (t *multipartTransport) Submit(
	ctx context.Context,
	url string,
	fields []domain.Field,
	file domain.FilePart,
	progress func(sent, total int64),
) (int, []byte, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeBody(mw, fields, file, progress))
	}()

	defer pr.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return 0, nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func writeBody(mw *multipart.Writer, fields []domain.Field, file domain.FilePart, progress func(sent, total int64)) error {
	for _, f := range fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return fmt.Errorf("write field %s: %w", f.Name, err)
		}
	}

	name := file.Field
	if name == "" {
		name = "file"
	}
	part, err := mw.CreateFormFile(name, file.Filename)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}

	src := io.Reader(file.Reader)
	if progress != nil {
		src = &progressReader{r: file.Reader, total: file.Size, report: progress}
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy file: %w", err)
	}
	return mw.Close()
}

type progressReader struct {
	r      io.Reader
	sent   int64
	total  int64
	report func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.report(p.sent, p.total)
	}
	return n, err
}
