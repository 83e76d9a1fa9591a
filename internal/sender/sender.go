// Package sender provides the outbound transports broadcast jobs send through.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"livecast/internal/model"
	"livecast/internal/wa"
)

var (
	ErrNoCredentials   = errors.New("sender: no messaging credentials")
	ErrSessionOffline  = errors.New("sender: tenant session is not online")
	ErrUnknownProvider = errors.New("sender: unknown messaging provider")
)

// Transport delivers one message to one group.
type Transport interface {
	SendGroupMessage(ctx context.Context, groupID, text, imageURL string) (string, error)
}

// CredentialStore looks up a tenant's messaging provider settings.
type CredentialStore interface {
	GetCredentials(ctx context.Context, tenantID string) (*model.Credentials, error)
}

// Sessions is the part of wa.Manager the session transport needs.
type Sessions interface {
	GetStatus(tenantID string) (model.Session, error)
	SendText(ctx context.Context, tenantID, to, text string) (string, error)
	SendMedia(ctx context.Context, tenantID, to, url, caption string, kind wa.MediaKind) (string, error)
}

// SessionTransport routes sends through the tenant's own WhatsApp session.
type SessionTransport struct {
	Sessions Sessions
	TenantID string
}

func (t *SessionTransport) SendGroupMessage(ctx context.Context, groupID, text, imageURL string) (string, error) {
	if imageURL != "" {
		return t.Sessions.SendMedia(ctx, t.TenantID, groupID, imageURL, text, wa.MediaImage)
	}
	return t.Sessions.SendText(ctx, t.TenantID, groupID, text)
}

// Resolver picks the transport configured for a tenant.
type Resolver struct {
	Creds          CredentialStore
	Sessions       Sessions
	HTTP           *http.Client
	DefaultBaseURL string
	// RequestsPerSecond limits Z-API calls per tenant; 0 disables the limit.
	RequestsPerSecond float64

	log      *zap.Logger
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewResolver(creds CredentialStore, sessions Sessions, defaultBaseURL string, rps float64, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		Creds:             creds,
		Sessions:          sessions,
		HTTP:              &http.Client{Timeout: 60 * time.Second},
		DefaultBaseURL:    defaultBaseURL,
		RequestsPerSecond: rps,
		log:               log.Named("sender"),
		limiters:          make(map[string]*rate.Limiter),
	}
}

// Resolve returns the tenant's transport. Every error it returns is a setup
// fault: missing or incomplete credentials, or a session that is not online.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (Transport, error) {
	creds, err := r.Creds.GetCredentials(ctx, tenantID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w for tenant %s", ErrNoCredentials, tenantID)
	}
	if err != nil {
		return nil, err
	}

	switch creds.Provider {
	case model.ProviderZAPI, "":
		if creds.InstanceID == "" || creds.Token == "" {
			return nil, fmt.Errorf("%w: zapi instance or token missing for tenant %s", ErrNoCredentials, tenantID)
		}
		base := creds.BaseURL
		if base == "" {
			base = r.DefaultBaseURL
		}
		return &ZAPIClient{
			BaseURL:     base,
			InstanceID:  creds.InstanceID,
			Token:       creds.Token,
			ClientToken: creds.ClientToken,
			HTTP:        r.HTTP,
			Limiter:     r.limiter(tenantID),
		}, nil

	case model.ProviderSession:
		if r.Sessions == nil {
			return nil, fmt.Errorf("%w: session transport unavailable", ErrSessionOffline)
		}
		sess, err := r.Sessions.GetStatus(tenantID)
		if err != nil || sess.Status != model.StatusOnline {
			return nil, fmt.Errorf("%w: tenant %s status %q", ErrSessionOffline, tenantID, sess.Status)
		}
		r.log.Debug("routing through tenant session", zap.String("tenant", tenantID))
		return &SessionTransport{Sessions: r.Sessions, TenantID: tenantID}, nil
	}
	return nil, fmt.Errorf("%w %q for tenant %s", ErrUnknownProvider, creds.Provider, tenantID)
}

func (r *Resolver) limiter(tenantID string) *rate.Limiter {
	if r.RequestsPerSecond <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.RequestsPerSecond), 1)
		r.limiters[tenantID] = l
	}
	return l
}
