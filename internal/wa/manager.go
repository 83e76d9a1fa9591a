package wa

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"livecast/internal/model"
)

// Options tunes session supervision.
type Options struct {
	// WatchdogTimeout bounds how long a session may stay initializing or
	// qr_pending before it is moved to error.
	WatchdogTimeout time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	BackoffJitter   float64 // fraction of the delay, e.g. 0.2
	// StoreTimeout bounds each best-effort SessionStore write.
	StoreTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = 150 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = 60 * time.Second
		if o.BackoffMax < o.BackoffBase {
			o.BackoffMax = o.BackoffBase
		}
	}
	if o.BackoffJitter < 0 || o.BackoffJitter >= 1 {
		o.BackoffJitter = 0
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	return o
}

// Manager keeps one supervised WhatsApp connection per tenant. Every session has
// a single owner goroutine that applies lifecycle events and performs sends, so
// per-session state is never shared; mu only guards the registry map.
type Manager struct {
	dialer Dialer
	store  SessionStore
	opts   Options
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(dialer Dialer, store SessionStore, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		dialer:   dialer,
		store:    store,
		opts:     opts.withDefaults(),
		log:      log.Named("wa"),
		sessions: make(map[string]*session),
	}
}

func (m *Manager) lookup(tenantID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenantID]
	return s, ok
}

// Connect starts a session for the tenant. While a live, non-terminal session
// exists it returns that session's status without dialing again. A session in
// auth_failed or error is torn down and replaced; auth_failed pairs from scratch.
func (m *Manager) Connect(ctx context.Context, tenantID string) (model.Session, error) {
	if tenantID == "" {
		return model.Session{}, fmt.Errorf("%w: empty tenant id", ErrNotFound)
	}
	for {
		m.mu.Lock()
		old, ok := m.sessions[tenantID]
		if !ok {
			s := m.startLocked(tenantID, false)
			m.mu.Unlock()
			return s.snapshot(), nil
		}
		snap := old.snapshot()
		if !snap.Status.Terminal() {
			m.mu.Unlock()
			return snap, nil
		}
		delete(m.sessions, tenantID)
		m.mu.Unlock()

		if err := old.stop(ctx, false, false); err != nil {
			return snap, err
		}

		m.mu.Lock()
		if _, raced := m.sessions[tenantID]; raced {
			m.mu.Unlock()
			continue
		}
		s := m.startLocked(tenantID, snap.Status == model.StatusAuthFailed)
		m.mu.Unlock()
		return s.snapshot(), nil
	}
}

// startLocked registers and launches a session; m.mu must be held.
func (m *Manager) startLocked(tenantID string, fresh bool) *session {
	s := &session{
		tenantID: tenantID,
		m:        m,
		log:      m.log.With(zap.String("tenant", tenantID)),
		cmds:     make(chan command),
		done:     make(chan struct{}),
	}
	s.state = model.Session{TenantID: tenantID, Status: model.StatusInitializing, LastTransitionAt: time.Now().UTC()}
	s.publish()
	m.sessions[tenantID] = s
	go s.run(fresh)
	return s
}

// GetStatus returns the in-memory session, or ErrNotFound if the tenant was
// never connected in this process.
func (m *Manager) GetStatus(tenantID string) (model.Session, error) {
	s, ok := m.lookup(tenantID)
	if !ok {
		return model.Session{TenantID: tenantID}, ErrNotFound
	}
	return s.snapshot(), nil
}

// GetQR returns the pending pairing code. No QR is not an error: callers must
// also check the status, which may already be online.
func (m *Manager) GetQR(tenantID string) (string, bool) {
	s, ok := m.lookup(tenantID)
	if !ok {
		return "", false
	}
	snap := s.snapshot()
	if snap.Status != model.StatusQRPending || snap.QRPayload == "" {
		return "", false
	}
	return snap.QRPayload, true
}

// List returns a snapshot of every live session.
func (m *Manager) List() map[string]model.Session {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make(map[string]model.Session, len(all))
	for _, s := range all {
		snap := s.snapshot()
		out[snap.TenantID] = snap
	}
	return out
}

// Disconnect logs the tenant out, removes it from the live map and persists
// offline without an identity, so Restore leaves the tenant alone.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	if ok {
		delete(m.sessions, tenantID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return s.stop(ctx, true, true)
}

// Restart drops the tenant's connection without logging out and dials again
// from the persisted credentials.
func (m *Manager) Restart(ctx context.Context, tenantID string) (model.Session, error) {
	m.mu.Lock()
	old, ok := m.sessions[tenantID]
	if ok {
		delete(m.sessions, tenantID)
	}
	m.mu.Unlock()
	if ok {
		if err := old.stop(ctx, false, false); err != nil {
			return old.snapshot(), err
		}
	}
	return m.Connect(ctx, tenantID)
}

// Restore reconnects every tenant that had a linked device before the process
// stopped. Tenants that never finished pairing are left alone.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	list, err := m.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range list {
		if sess.Identity == nil {
			continue
		}
		switch sess.Status {
		case model.StatusOnline, model.StatusOffline, model.StatusAuthenticated:
		default:
			continue
		}
		if _, err := m.Connect(ctx, sess.TenantID); err != nil {
			m.log.Warn("restore session", zap.String("tenant", sess.TenantID), zap.Error(err))
			continue
		}
		n++
	}
	m.log.Info("sessions restored", zap.Int("count", n))
	return n, nil
}

// Shutdown closes every connection without logging out, leaving the persisted
// status untouched so Restore can pick the sessions up again.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			if err := s.stop(ctx, false, false); err != nil {
				s.log.Warn("shutdown session", zap.Error(err))
			}
		}(s)
	}
	wg.Wait()
}

// SendText sends a text message through the tenant's connection. It fails with
// ErrNotConnected unless the session is online.
func (m *Manager) SendText(ctx context.Context, tenantID, to, text string) (string, error) {
	return m.send(ctx, tenantID, sendRequest{to: to, text: text})
}

// SendMedia fetches url and sends it with caption as the given kind.
func (m *Manager) SendMedia(ctx context.Context, tenantID, to, url, caption string, kind MediaKind) (string, error) {
	return m.send(ctx, tenantID, sendRequest{to: to, media: &Media{URL: url, Caption: caption, Kind: kind}})
}

func (m *Manager) send(ctx context.Context, tenantID string, req sendRequest) (string, error) {
	s, ok := m.lookup(tenantID)
	if !ok {
		return "", ErrNotConnected
	}
	if err := notOnline(s.snapshot()); err != nil {
		return "", err
	}
	return s.send(ctx, req)
}

func notOnline(snap model.Session) error {
	switch snap.Status {
	case model.StatusOnline:
		return nil
	case model.StatusAuthFailed:
		return fmt.Errorf("%w: %w", ErrNotConnected, ErrAuthFailed)
	}
	return fmt.Errorf("%w (status %s)", ErrNotConnected, snap.Status)
}

type sendRequest struct {
	to    string
	text  string
	media *Media
}

type sendResult struct {
	id  string
	err error
}

type command struct {
	ctx   context.Context
	send  *sendRequest
	reply chan sendResult

	// stop fields
	stop    bool
	logout  bool
	persist bool
}

// session is one tenant's supervised connection. Fields below the mark are
// owned by the run goroutine.
type session struct {
	tenantID string
	m        *Manager
	log      *zap.Logger
	snap     atomic.Pointer[model.Session]
	cmds     chan command
	done     chan struct{}

	state     model.Session
	conn      Conn
	attempts  int
	watchdog  *time.Timer
	reconnect *time.Timer
}

func (s *session) snapshot() model.Session {
	return *s.snap.Load()
}

func (s *session) publish() {
	cp := s.state
	cp.HasClient = s.conn != nil
	if s.state.Identity != nil {
		id := *s.state.Identity
		cp.Identity = &id
	}
	s.snap.Store(&cp)
}

func (s *session) send(ctx context.Context, req sendRequest) (string, error) {
	reply := make(chan sendResult, 1)
	select {
	case s.cmds <- command{ctx: ctx, send: &req, reply: reply}:
	case <-s.done:
		return "", ErrNotConnected
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// stop asks the owner to release the connection and exit, then waits for it.
func (s *session) stop(ctx context.Context, logout, persist bool) error {
	reply := make(chan sendResult, 1)
	select {
	case s.cmds <- command{ctx: ctx, stop: true, logout: logout, persist: persist, reply: reply}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return (<-reply).err
}

func (s *session) run(fresh bool) {
	defer close(s.done)
	defer s.disarmAll()

	// A fresh dial still needs the old identity to delete its device.
	ctx, cancel := context.WithTimeout(context.Background(), s.m.opts.StoreTimeout)
	prev, err := s.m.store.LoadSession(ctx, s.tenantID)
	cancel()
	if err == nil {
		s.state.Identity = prev.Identity
	} else if !errors.Is(err, model.ErrNotFound) {
		s.log.Warn("load session", zap.Error(err))
	}
	s.transition(model.StatusInitializing, "")
	s.dial(fresh)

	for {
		var events <-chan Event
		if s.conn != nil {
			events = s.conn.Events()
		}
		select {
		case ev := <-events:
			s.handle(ev)
		case cmd := <-s.cmds:
			if cmd.stop {
				cmd.reply <- sendResult{err: s.release(cmd)}
				return
			}
			id, err := s.exec(cmd)
			cmd.reply <- sendResult{id: id, err: err}
		case <-timerC(s.watchdog):
			s.watchdog = nil
			s.onWatchdog()
		case <-timerC(s.reconnect):
			s.reconnect = nil
			s.log.Info("reconnecting", zap.Int("attempt", s.attempts))
			s.dial(false)
		}
	}
}

// dial creates a connection and starts its handshake. The watchdog covers the
// handshake whether pairing or reconnecting.
func (s *session) dial(fresh bool) {
	s.closeConn()
	s.armWatchdog()

	if fresh {
		ctx, cancel := context.WithTimeout(context.Background(), s.m.opts.StoreTimeout)
		if err := s.m.store.ForgetIdentity(ctx, s.tenantID); err != nil {
			s.log.Warn("forget identity", zap.Error(err))
		}
		cancel()
	}

	req := DialRequest{TenantID: s.tenantID, Identity: s.state.Identity, Fresh: fresh}
	if fresh {
		s.state.Identity = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.m.opts.WatchdogTimeout)
	conn, err := s.m.dialer.Dial(ctx, req)
	cancel()
	if err != nil {
		s.connectFailed(&ConnectionError{TenantID: s.tenantID, Err: err})
		return
	}
	s.conn = conn
	s.publish()
	if err := conn.Connect(); err != nil {
		s.connectFailed(&ConnectionError{TenantID: s.tenantID, Err: err})
	}
}

// connectFailed handles a dial or handshake that failed before any event. A
// linked device keeps retrying with backoff; a pairing attempt stops at error.
func (s *session) connectFailed(err error) {
	s.log.Warn("connect failed", zap.Error(err))
	s.closeConn()
	s.disarmWatchdog()
	if s.state.Identity == nil {
		s.transition(model.StatusError, err.Error())
		return
	}
	s.transition(model.StatusOffline, err.Error())
	s.scheduleReconnect()
}

func (s *session) handle(ev Event) {
	s.log.Debug("event", zap.Stringer("kind", ev.Kind), zap.String("status", string(s.state.Status)))
	switch ev.Kind {
	case EventQR:
		if !s.state.Status.Pairing() {
			return
		}
		s.state.QRPayload = ev.QR
		s.transition(model.StatusQRPending, "")

	case EventQRTimeout:
		if !s.state.Status.Pairing() {
			return
		}
		s.disarmWatchdog()
		s.closeConn()
		s.transition(model.StatusError, errString(ev.Err, "qr expired"))

	case EventAuthenticated:
		s.disarmWatchdog()
		if ev.Identity != nil {
			s.state.Identity = ev.Identity
		}
		s.transition(model.StatusAuthenticated, "")

	case EventReady:
		s.disarmWatchdog()
		s.disarmReconnect()
		s.attempts = 0
		if ev.Identity != nil {
			s.state.Identity = ev.Identity
		}
		s.transition(model.StatusOnline, "")
		s.log.Info("session online", zap.String("phone", s.displayPhone()))

	case EventDisconnected:
		if s.state.Status.Terminal() {
			return
		}
		s.connectFailed(&ConnectionError{TenantID: s.tenantID, Err: errOr(ev.Err, "disconnected")})

	case EventAuthFailed:
		s.disarmAll()
		s.closeConn()
		s.transition(model.StatusAuthFailed, errString(ev.Err, ErrAuthFailed.Error()))
		s.log.Error("session credentials rejected, explicit connect required", zap.String("reason", s.state.LastError))
	}
}

func (s *session) exec(cmd command) (string, error) {
	if err := notOnline(s.state); err != nil {
		return "", err
	}
	if s.conn == nil {
		return "", ErrNotConnected
	}
	if err := cmd.ctx.Err(); err != nil {
		return "", err
	}
	if cmd.send.media != nil {
		return s.conn.SendMedia(cmd.ctx, cmd.send.to, *cmd.send.media)
	}
	return s.conn.SendText(cmd.ctx, cmd.send.to, cmd.send.text)
}

// release tears the connection down for Disconnect, Restart or Shutdown.
func (s *session) release(cmd command) error {
	s.disarmAll()
	var err error
	if s.conn != nil && cmd.logout {
		if err = s.conn.Logout(cmd.ctx); err != nil {
			s.log.Warn("logout failed", zap.Error(err))
		}
	}
	s.closeConn()
	if cmd.persist {
		s.state.QRPayload = ""
		if cmd.logout {
			s.state.Identity = nil
		}
		s.transition(model.StatusOffline, "")
		if cmd.logout {
			ctx, cancel := context.WithTimeout(context.Background(), s.m.opts.StoreTimeout)
			if ferr := s.m.store.ForgetIdentity(ctx, s.tenantID); ferr != nil {
				s.log.Warn("forget identity", zap.Error(ferr))
			}
			cancel()
		}
	} else {
		s.publish()
	}
	return err
}

func (s *session) onWatchdog() {
	switch {
	case s.state.Status.Pairing():
		s.closeConn()
		s.transition(model.StatusError, fmt.Sprintf("no login within %s; check the device and call connect again", s.m.opts.WatchdogTimeout))
		s.log.Error("session stuck while pairing", zap.Duration("timeout", s.m.opts.WatchdogTimeout))
	case s.state.Status == model.StatusOffline:
		s.connectFailed(&ConnectionError{TenantID: s.tenantID, Err: fmt.Errorf("reconnect timed out")})
	}
}

func (s *session) transition(to model.SessionStatus, lastErr string) {
	if to != model.StatusQRPending {
		s.state.QRPayload = ""
	}
	s.state.Status = to
	s.state.LastError = lastErr
	s.state.LastTransitionAt = time.Now().UTC()
	s.publish()

	ctx, cancel := context.WithTimeout(context.Background(), s.m.opts.StoreTimeout)
	defer cancel()
	if err := s.m.store.SaveSession(ctx, s.snapshot()); err != nil {
		s.log.Warn("persist session", zap.String("status", string(to)), zap.Error(err))
	}
}

func (s *session) scheduleReconnect() {
	d := backoff(s.attempts, s.m.opts)
	s.attempts++
	s.disarmReconnect()
	s.reconnect = time.NewTimer(d)
	s.log.Info("reconnect scheduled", zap.Duration("in", d), zap.Int("attempt", s.attempts))
}

// backoff is base*2^attempt capped at max, with +/- jitter.
func backoff(attempt int, o Options) time.Duration {
	d := o.BackoffBase
	for i := 0; i < attempt && d < o.BackoffMax; i++ {
		d *= 2
	}
	if d > o.BackoffMax {
		d = o.BackoffMax
	}
	if o.BackoffJitter > 0 {
		delta := float64(d) * o.BackoffJitter
		d += time.Duration((rand.Float64()*2 - 1) * delta)
	}
	return d
}

func (s *session) closeConn() {
	if s.conn == nil {
		return
	}
	s.conn.Close()
	s.conn = nil
	s.publish()
}

func (s *session) armWatchdog() {
	s.disarmWatchdog()
	s.watchdog = time.NewTimer(s.m.opts.WatchdogTimeout)
}

func (s *session) disarmWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *session) disarmReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *session) disarmAll() {
	s.disarmWatchdog()
	s.disarmReconnect()
}

func (s *session) displayPhone() string {
	if s.state.Identity == nil {
		return ""
	}
	return s.state.Identity.DisplayPhone
}

// timerC returns the timer's channel, or nil (blocks forever in select) when unset.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func errString(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

func errOr(err error, msg string) error {
	if err == nil {
		return errors.New(msg)
	}
	return err
}
