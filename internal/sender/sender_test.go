package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"livecast/internal/model"
	"livecast/internal/wa"
)

func init() {
	baseBackoff = time.Millisecond
	maxBackoff = 5 * time.Millisecond
}

func TestZAPIClientSendText(t *testing.T) {
	var gotPath, gotToken string
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("Client-Token")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"zaapId":"z1","messageId":"m1"}`))
	}))
	defer srv.Close()

	c := &ZAPIClient{BaseURL: srv.URL + "/", InstanceID: "INST", Token: "TOK", ClientToken: "CT", HTTP: srv.Client()}
	id, err := c.SendGroupMessage(context.Background(), "120363-group", "olá", "")
	if err != nil {
		t.Fatal(err)
	}
	if id != "m1" {
		t.Errorf("expected message id m1, got %q", id)
	}
	if gotPath != "/instances/INST/token/TOK/send-text" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotToken != "CT" {
		t.Errorf("expected Client-Token header CT, got %q", gotToken)
	}
	if got["phone"] != "120363-group" || got["message"] != "olá" {
		t.Errorf("unexpected body %v", got)
	}
}

func TestZAPIClientSendImage(t *testing.T) {
	var gotPath string
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"zaapId":"z2"}`))
	}))
	defer srv.Close()

	c := &ZAPIClient{BaseURL: srv.URL, InstanceID: "I", Token: "T", HTTP: srv.Client()}
	id, err := c.SendGroupMessage(context.Background(), "g1", "caption", "https://cdn.example/p.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if id != "z2" || gotPath != "/instances/I/token/T/send-image" {
		t.Errorf("unexpected id %q path %s", id, gotPath)
	}
	if got["image"] != "https://cdn.example/p.jpg" || got["caption"] != "caption" {
		t.Errorf("unexpected body %v", got)
	}
}

func TestZAPIClientRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"messageId":"ok"}`))
	}))
	defer srv.Close()

	c := &ZAPIClient{BaseURL: srv.URL, InstanceID: "I", Token: "T", HTTP: srv.Client()}
	if _, err := c.SendGroupMessage(context.Background(), "g", "x", ""); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestZAPIClientDoesNotResendAfterServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := &ZAPIClient{BaseURL: srv.URL, InstanceID: "I", Token: "T", HTTP: srv.Client()}
	if _, err := c.SendGroupMessage(context.Background(), "g", "x", ""); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestZAPIClientDoesNotResendAfterDroppedConnection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("hijack unsupported")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	c := &ZAPIClient{BaseURL: srv.URL, InstanceID: "I", Token: "T", HTTP: srv.Client()}
	if _, err := c.SendGroupMessage(context.Background(), "g", "x", ""); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestIsSafeToResend(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&httpStatusError{code: http.StatusTooManyRequests}, true},
		{&httpStatusError{code: http.StatusBadGateway}, false},
		{&net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{&net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, false},
		{&net.DNSError{Err: "no such host", Name: "api.z-api.io"}, true},
		{errors.New("unexpected EOF"), false},
		{context.Canceled, false},
	}
	for _, c := range cases {
		if got := isSafeToResend(c.err); got != c.want {
			t.Errorf("isSafeToResend(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestZAPIClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid phone"}`))
	}))
	defer srv.Close()

	c := &ZAPIClient{BaseURL: srv.URL, InstanceID: "I", Token: "SECRET", HTTP: srv.Client()}
	_, err := c.SendGroupMessage(context.Background(), "g", "x", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
	if strings.Contains(err.Error(), "SECRET") {
		t.Errorf("token leaked into error: %v", err)
	}
}

type credMap map[string]*model.Credentials

func (m credMap) GetCredentials(ctx context.Context, tenantID string) (*model.Credentials, error) {
	c, ok := m[tenantID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return c, nil
}

type fakeSessions struct {
	status model.SessionStatus
	texts  []string
	media  []string
}

func (f *fakeSessions) GetStatus(tenantID string) (model.Session, error) {
	if f.status == "" {
		return model.Session{}, wa.ErrNotFound
	}
	return model.Session{TenantID: tenantID, Status: f.status}, nil
}

func (f *fakeSessions) SendText(ctx context.Context, tenantID, to, text string) (string, error) {
	f.texts = append(f.texts, to+":"+text)
	return "t1", nil
}

func (f *fakeSessions) SendMedia(ctx context.Context, tenantID, to, url, caption string, kind wa.MediaKind) (string, error) {
	f.media = append(f.media, to+":"+url+":"+caption+":"+string(kind))
	return "m1", nil
}

func TestResolver(t *testing.T) {
	creds := credMap{
		"zapi":    {TenantID: "zapi", Provider: model.ProviderZAPI, InstanceID: "I", Token: "T"},
		"partial": {TenantID: "partial", Provider: model.ProviderZAPI, InstanceID: "I"},
		"session": {TenantID: "session", Provider: model.ProviderSession},
		"carrier": {TenantID: "carrier", Provider: "pigeon"},
	}
	sessions := &fakeSessions{}
	r := NewResolver(creds, sessions, "https://api.z-api.io", 2, nil)
	ctx := context.Background()

	tr, err := r.Resolve(ctx, "zapi")
	if err != nil {
		t.Fatal(err)
	}
	z, ok := tr.(*ZAPIClient)
	if !ok || z.BaseURL != "https://api.z-api.io" || z.Limiter == nil {
		t.Errorf("expected zapi client with default base and limiter, got %#v", tr)
	}

	if _, err := r.Resolve(ctx, "missing"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
	if _, err := r.Resolve(ctx, "partial"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials for incomplete creds, got %v", err)
	}
	if _, err := r.Resolve(ctx, "carrier"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
	if _, err := r.Resolve(ctx, "session"); !errors.Is(err, ErrSessionOffline) {
		t.Errorf("expected ErrSessionOffline, got %v", err)
	}

	sessions.status = model.StatusOnline
	tr, err = r.Resolve(ctx, "session")
	if err != nil {
		t.Fatal(err)
	}
	tr.SendGroupMessage(ctx, "g1", "hi", "")
	tr.SendGroupMessage(ctx, "g1", "promo", "https://cdn/p.jpg")
	if len(sessions.texts) != 1 || sessions.texts[0] != "g1:hi" {
		t.Errorf("unexpected texts %v", sessions.texts)
	}
	if len(sessions.media) != 1 || sessions.media[0] != "g1:https://cdn/p.jpg:promo:image" {
		t.Errorf("unexpected media %v", sessions.media)
	}
}

func TestFetcherFallsBackToSniffing(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(png)
	}))
	defer srv.Close()

	f := &Fetcher{Client: srv.Client()}
	body, ct, err := f.Fetch(context.Background(), srv.URL+"/x")
	if err != nil {
		t.Fatal(err)
	}
	if ct != "image/png" || len(body) != len(png) {
		t.Errorf("expected image/png, got %q (%d bytes)", ct, len(body))
	}
}

func TestFetcherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := &Fetcher{Client: srv.Client()}
	_, _, err := f.Fetch(context.Background(), srv.URL)
	var se *httpStatusError
	if !errors.As(err, &se) || se.code != http.StatusNotFound {
		t.Errorf("expected 404 status error, got %v", err)
	}
}
