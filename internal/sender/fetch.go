package sender

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxMediaBytes caps product images and attachments.
const maxMediaBytes = 32 << 20

// Fetcher downloads media for session-routed sends.
type Fetcher struct {
	Client *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{Client: &http.Client{Timeout: 60 * time.Second}}
}

// Fetch downloads url with retries and returns the body and its content type.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	var body []byte
	var ct string
	err := withRetry(ctx, func() error {
		var err error
		body, ct, err = f.fetchOnce(ctx, url)
		return err
	})
	return body, ct, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	res, err := f.Client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, "", &httpStatusError{code: res.StatusCode, url: url}
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(body) > maxMediaBytes {
		return nil, "", fmt.Errorf("%s: media larger than %d bytes", url, maxMediaBytes)
	}
	ct := res.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" || ct == "application/octet-stream" {
		ct = guessContentType(url, body)
	}
	return body, ct, nil
}

func guessContentType(url string, body []byte) string {
	if ct := http.DetectContentType(body); ct != "application/octet-stream" {
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = ct[:i]
		}
		return ct
	}
	u := strings.ToLower(url)
	switch {
	case strings.Contains(u, ".jpg"), strings.Contains(u, ".jpeg"):
		return "image/jpeg"
	case strings.Contains(u, ".png"):
		return "image/png"
	case strings.Contains(u, ".webp"):
		return "image/webp"
	case strings.Contains(u, ".mp4"):
		return "video/mp4"
	case strings.Contains(u, ".pdf"):
		return "application/pdf"
	}
	return "application/octet-stream"
}
