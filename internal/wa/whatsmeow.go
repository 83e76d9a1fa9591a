package wa

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"livecast/internal/applog"
	"livecast/internal/model"
)

// FetchFunc downloads a media URL and returns its bytes and content type.
type FetchFunc func(ctx context.Context, url string) ([]byte, string, error)

// WhatsmeowDialer builds connections backed by go.mau.fi/whatsmeow, with device
// credentials kept in the shared SQLite database.
type WhatsmeowDialer struct {
	Container *sqlstore.Container
	Fetch     FetchFunc
	log       *zap.Logger
}

func NewWhatsmeowDialer(ctx context.Context, dsn string, log *zap.Logger, fetch FetchFunc) (*WhatsmeowDialer, error) {
	container, err := sqlstore.New(ctx, "sqlite3", dsn, applog.WA(log, "Database"))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	return &WhatsmeowDialer{Container: container, Fetch: fetch, log: log}, nil
}

func (d *WhatsmeowDialer) Dial(ctx context.Context, req DialRequest) (Conn, error) {
	device, err := d.device(ctx, req)
	if err != nil {
		return nil, err
	}
	client := whatsmeow.NewClient(device, applog.WA(d.log, "WhatsApp").Sub(req.TenantID))
	// Reconnection is driven by the Manager's backoff policy.
	client.EnableAutoReconnect = false

	c := &waConn{
		tenantID: req.TenantID,
		client:   client,
		fetch:    d.Fetch,
		events:   make(chan Event, 64),
		closed:   make(chan struct{}),
	}
	client.AddEventHandler(c.handle)
	return c, nil
}

func (d *WhatsmeowDialer) device(ctx context.Context, req DialRequest) (*store.Device, error) {
	if req.Identity == nil || req.Identity.ExternalID == "" {
		return d.Container.NewDevice(), nil
	}
	jid, err := types.ParseJID(req.Identity.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("parse device jid: %w", err)
	}
	existing, err := d.Container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", jid, err)
	}
	if req.Fresh {
		if existing != nil {
			if err := existing.Delete(ctx); err != nil {
				d.log.Warn("delete stale device", zap.String("tenant", req.TenantID), zap.Error(err))
			}
		}
		return d.Container.NewDevice(), nil
	}
	if existing == nil {
		d.log.Warn("stored device missing, pairing again", zap.String("tenant", req.TenantID), zap.String("jid", jid.String()))
		return d.Container.NewDevice(), nil
	}
	return existing, nil
}

type waConn struct {
	tenantID string
	client   *whatsmeow.Client
	fetch    FetchFunc
	events   chan Event
	closed   chan struct{}
}

func (c *waConn) Events() <-chan Event { return c.events }

func (c *waConn) Connect() error {
	if c.client.Store.ID == nil {
		// QR channel must be requested before Connect; it outlives any request context.
		qrChan, err := c.client.GetQRChannel(context.Background())
		if err != nil {
			return err
		}
		go c.forwardQR(qrChan)
	}
	return c.client.Connect()
}

func (c *waConn) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			if item.Code != "" {
				c.emit(Event{Kind: EventQR, QR: item.Code})
			}
		case "success":
			// PairSuccess arrives through the event handler.
		case "timeout":
			c.emit(Event{Kind: EventQRTimeout, Err: fmt.Errorf("qr codes expired without a scan")})
		default:
			err := item.Error
			if err == nil {
				err = fmt.Errorf("pairing: %s", item.Event)
			}
			c.emit(Event{Kind: EventDisconnected, Err: err})
		}
	}
}

func (c *waConn) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		c.emit(Event{Kind: EventAuthenticated, Identity: identityOf(v.ID)})
	case *events.Connected:
		var id *model.Identity
		if c.client.Store != nil && c.client.Store.ID != nil {
			id = identityOf(*c.client.Store.ID)
		}
		c.emit(Event{Kind: EventReady, Identity: id})
	case *events.Disconnected:
		c.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("connection dropped")})
	case *events.StreamReplaced:
		c.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("stream replaced by another client")})
	case *events.KeepAliveTimeout:
		if v.ErrorCount >= 3 {
			c.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("keepalive timeout, %d errors", v.ErrorCount)})
		}
	case *events.LoggedOut:
		c.emit(Event{Kind: EventAuthFailed, Err: fmt.Errorf("%w: logged out (%s)", ErrAuthFailed, v.Reason)})
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			c.emit(Event{Kind: EventAuthFailed, Err: fmt.Errorf("%w: %s", ErrAuthFailed, v.Reason)})
			return
		}
		c.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("connect failure: %s %s", v.Reason, v.Message)})
	case *events.TemporaryBan:
		c.emit(Event{Kind: EventAuthFailed, Err: fmt.Errorf("%w: temporary ban %s", ErrAuthFailed, v.String())})
	case *events.ClientOutdated:
		c.emit(Event{Kind: EventAuthFailed, Err: fmt.Errorf("%w: client outdated", ErrAuthFailed)})
	}
}

// emit blocks until the owner accepts the event or the connection is closed.
func (c *waConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *waConn) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *waConn) SendMedia(ctx context.Context, to string, media Media) (string, error) {
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}
	if c.fetch == nil {
		return "", fmt.Errorf("media fetch not configured")
	}
	data, mime, err := c.fetch(ctx, media.URL)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	kind := media.Kind
	if kind == "" {
		kind = kindFromMime(mime)
	}
	up, err := c.client.Upload(ctx, data, mediaType(kind))
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	msg := buildMediaMessage(up, uint64(len(data)), mime, media, kind)
	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *waConn) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return nil
	}
	return c.client.Logout(ctx)
}

func (c *waConn) Close() {
	select {
	case <-c.closed:
		return
	default:
	}
	close(c.closed)
	c.client.Disconnect()
}

func identityOf(jid types.JID) *model.Identity {
	return &model.Identity{ExternalID: jid.String(), DisplayPhone: jid.User}
}

func mediaType(kind MediaKind) whatsmeow.MediaType {
	switch kind {
	case MediaImage:
		return whatsmeow.MediaImage
	case MediaVideo:
		return whatsmeow.MediaVideo
	default:
		return whatsmeow.MediaDocument
	}
}

func kindFromMime(mime string) MediaKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return MediaImage
	case strings.HasPrefix(mime, "video/"):
		return MediaVideo
	default:
		return MediaDocument
	}
}

func buildMediaMessage(up whatsmeow.UploadResponse, size uint64, mime string, media Media, kind MediaKind) *waE2E.Message {
	switch kind {
	case MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(size),
			Caption:       proto.String(media.Caption),
		}}
	case MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(size),
			Caption:       proto.String(media.Caption),
		}}
	default:
		name := path.Base(media.URL)
		if i := strings.IndexByte(name, '?'); i >= 0 {
			name = name[:i]
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(size),
			FileName:      proto.String(name),
			Caption:       proto.String(media.Caption),
		}}
	}
}

var (
	nonDigits   = regexp.MustCompile(`\D`)
	legacyGroup = regexp.MustCompile(`^\d{10,}-\d{9,}$`)
)

// ParseRecipient accepts a full JID, a Z-API style group id ("<id>-group"), a
// legacy group id ("<creator>-<ts>") or a phone number in any punctuation.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	switch {
	case to == "":
		return types.EmptyJID, ErrInvalidRecipient
	case strings.Contains(to, "@"):
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
		}
		return jid, nil
	case strings.HasSuffix(to, "-group"):
		return types.NewJID(strings.TrimSuffix(to, "-group"), types.GroupServer), nil
	case legacyGroup.MatchString(to):
		return types.NewJID(to, types.GroupServer), nil
	}
	digits := nonDigits.ReplaceAllString(to, "")
	if len(digits) < 8 {
		return types.EmptyJID, fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
