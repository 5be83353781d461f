package whatsapp

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/waauth/internal/app"
	"github.com/talkincode/waauth/internal/authstate"
	"github.com/talkincode/waauth/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrServiceNotReady = errors.New("whatsapp: service not initialized")
	ErrDeviceNotFound  = errors.New("whatsapp: device not found")
)

// Client is a live protocol connection bound to one session.
type Client interface {
	Disconnect()
}

// Connector adapts the messaging protocol library. Connect runs the
// handshake for device using the session's auth state; the returned client
// keeps reading and writing keys through session until Disconnect.
type Connector interface {
	Connect(ctx context.Context, device domain.WhatsAppDevice, session *authstate.Session) (Client, error)
}

// IdleConnector keeps the session open without touching the network. It is
// used when no protocol adapter is configured.
type IdleConnector struct{}

func (IdleConnector) Connect(context.Context, domain.WhatsAppDevice, *authstate.Session) (Client, error) {
	return idleClient{}, nil
}

type idleClient struct{}

func (idleClient) Disconnect() {}

type Option func(*Service)

func WithConnector(c Connector) Option {
	return func(s *Service) {
		if c != nil {
			s.connector = c
		}
	}
}

// WithBackOff replaces the policy used to retry opening a session.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Service) { s.newBackOff = newBackOff }
}

// DeviceView is a device row together with its in-process state.
type DeviceView struct {
	domain.WhatsAppDevice
	Online  bool `json:"online"`
	Pending bool `json:"pending"`
}

// Service supervises the channel lifecycle of WhatsAppDevice rows: it opens
// each device's auth state session, hands it to the connector and mirrors
// the outcome into the device status.
type Service struct {
	app        app.AppContext
	connector  Connector
	newBackOff func() backoff.BackOff

	// clients keyed by WhatsAppDevice ID
	clients    map[int64]Client
	clientsMux sync.RWMutex

	onFlushFailed    func(sessionID string, err error)
	onFlushRecovered func(sessionID string)
}

// New creates the supervisor and registers it as the package-global service.
func New(a app.AppContext, opts ...Option) (*Service, error) {
	if a == nil || a.AuthManager() == nil {
		return nil, ErrServiceNotReady
	}
	svc := &Service{
		app:       a,
		connector: IdleConnector{},
		clients:   make(map[int64]Client),
	}
	svc.newBackOff = svc.defaultBackOff
	for _, opt := range opts {
		opt(svc)
	}

	svc.onFlushFailed = func(sessionID string, err error) {
		svc.updateStatus(sessionID, domain.DeviceStatusFlushFailed, err)
	}
	svc.onFlushRecovered = func(sessionID string) {
		svc.updateStatus(sessionID, domain.DeviceStatusConnected, nil)
	}
	if bus := a.EventBus(); bus != nil {
		if err := bus.Subscribe(authstate.TopicFlushFailed, svc.onFlushFailed); err != nil {
			return nil, errors.Wrap(err, "subscribe flush failed")
		}
		if err := bus.Subscribe(authstate.TopicFlushRecovered, svc.onFlushRecovered); err != nil {
			return nil, errors.Wrap(err, "subscribe flush recovered")
		}
	}

	setGlobalService(svc)
	zap.L().Info("whatsapp: service initialized")
	return svc, nil
}

func (s *Service) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	retries := s.app.Config().AuthState.OpenRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// SessionID returns the auth state session id of a device.
func SessionID(deviceID int64) string {
	return strconv.FormatInt(deviceID, 10)
}

func parseSessionID(sessionID string) (int64, bool) {
	id, err := strconv.ParseInt(sessionID, 10, 64)
	return id, err == nil
}

// CreateDevice persists a new WhatsAppDevice. Its session is created on the
// first connect.
func (s *Service) CreateDevice(ctx context.Context, tenantID int64, phone, name string) (*domain.WhatsAppDevice, error) {
	if s == nil || s.app == nil {
		return nil, ErrServiceNotReady
	}
	if phone == "" {
		return nil, errors.New("phone is required")
	}
	dev := &domain.WhatsAppDevice{
		TenantId: tenantID,
		Phone:    phone,
		Name:     name,
		Status:   domain.DeviceStatusCreated,
	}
	if err := s.app.DB().WithContext(ctx).Create(dev).Error; err != nil {
		zap.L().Error("whatsapp: create device failed", zap.String("phone", phone), zap.Error(err))
		return nil, err
	}
	zap.L().Info("whatsapp: device created",
		zap.String("namespace", "whatsapp"),
		zap.Int64("wad_id", dev.ID),
		zap.String("phone", phone))
	return dev, nil
}

func (s *Service) GetDevice(ctx context.Context, id int64) (*domain.WhatsAppDevice, error) {
	if s == nil || s.app == nil {
		return nil, ErrServiceNotReady
	}
	var dev domain.WhatsAppDevice
	err := s.app.DB().WithContext(ctx).Where("id = ?", id).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// ListDevices returns every device, optionally limited to one tenant.
func (s *Service) ListDevices(ctx context.Context, tenantID int64) ([]DeviceView, error) {
	if s == nil || s.app == nil {
		return nil, ErrServiceNotReady
	}
	query := s.app.DB().WithContext(ctx).Order("id")
	if tenantID != 0 {
		query = query.Where("tenant_id = ?", tenantID)
	}
	var devs []domain.WhatsAppDevice
	if err := query.Find(&devs).Error; err != nil {
		return nil, err
	}
	out := make([]DeviceView, 0, len(devs))
	for _, d := range devs {
		view := DeviceView{WhatsAppDevice: d, Online: s.Online(d.ID)}
		if sess, ok := s.app.AuthManager().Lookup(SessionID(d.ID)); ok {
			view.Pending = sess.Pending()
		}
		out = append(out, view)
	}
	return out, nil
}

// Online reports whether a client is connected for the device.
func (s *Service) Online(id int64) bool {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	_, ok := s.clients[id]
	return ok
}

// ConnectDevice opens the device's session, retrying store failures with
// exponential backoff, and starts a client on it. Connecting an online
// device is a no-op.
func (s *Service) ConnectDevice(ctx context.Context, id int64) error {
	if s == nil || s.app == nil {
		return ErrServiceNotReady
	}
	dev, err := s.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if s.Online(id) {
		return nil
	}
	s.setStatus(id, domain.DeviceStatusConnecting, nil)

	sessionID := SessionID(id)
	var sess *authstate.Session
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		var err error
		sess, err = s.app.AuthManager().Open(ctx, sessionID)
		if err != nil && !authstate.IsStoreIOError(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			zap.L().Warn("whatsapp: open session failed, retrying",
				zap.Int64("wad_id", id),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, backoff.WithContext(s.newBackOff(), ctx))
	if err != nil {
		s.setStatus(id, domain.DeviceStatusFailed, err)
		return errors.Wrapf(err, "open session of device %d", id)
	}

	cli, err := s.connector.Connect(ctx, *dev, sess)
	if err != nil {
		zap.L().Warn("whatsapp: device connect failed", zap.Int64("wad_id", id), zap.Error(err))
		if ferr := sess.Flush(ctx); ferr != nil {
			zap.L().Warn("whatsapp: flush after failed connect", zap.Int64("wad_id", id), zap.Error(ferr))
		}
		s.app.AuthManager().Close(sessionID)
		s.setStatus(id, domain.DeviceStatusFailed, err)
		return err
	}

	s.clientsMux.Lock()
	if _, ok := s.clients[id]; ok {
		// lost a race with a concurrent connect
		s.clientsMux.Unlock()
		cli.Disconnect()
		return nil
	}
	s.clients[id] = cli
	s.clientsMux.Unlock()

	updates := map[string]interface{}{
		"status":     domain.DeviceStatusConnected,
		"last_error": "",
	}
	if me := sess.Info().Me; me != "" {
		updates["jid"] = me
	}
	if err := s.app.DB().Model(&domain.WhatsAppDevice{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		zap.L().Warn("whatsapp: failed to update app device after connect", zap.Error(err), zap.Int64("wad_id", id))
	}
	zap.L().Info("whatsapp: device connected",
		zap.String("namespace", "whatsapp"),
		zap.Int64("wad_id", id),
		zap.Int("attempts", attempt))
	return nil
}

// DisconnectDevice stops the device's client, flushes and closes its
// session and marks the device offline.
func (s *Service) DisconnectDevice(ctx context.Context, id int64) error {
	if s == nil || s.app == nil {
		return ErrServiceNotReady
	}
	s.clientsMux.Lock()
	cli, ok := s.clients[id]
	delete(s.clients, id)
	s.clientsMux.Unlock()
	if !ok {
		return errors.Wrapf(ErrDeviceNotFound, "no client for device %d", id)
	}
	cli.Disconnect()

	sessionID := SessionID(id)
	mgr := s.app.AuthManager()
	if sess, ok := mgr.Lookup(sessionID); ok {
		if err := sess.Flush(ctx); err != nil {
			zap.L().Warn("whatsapp: flush before disconnect failed", zap.Int64("wad_id", id), zap.Error(err))
		}
	}
	mgr.Close(sessionID)
	s.setStatus(id, domain.DeviceStatusOffline, nil)
	zap.L().Info("whatsapp: device disconnected", zap.String("namespace", "whatsapp"), zap.Int64("wad_id", id))
	return nil
}

// RemoveDevice disconnects the device, deletes its persisted auth state and
// then the device row.
func (s *Service) RemoveDevice(ctx context.Context, id int64) error {
	if s == nil || s.app == nil {
		return ErrServiceNotReady
	}
	if _, err := s.GetDevice(ctx, id); err != nil {
		return err
	}
	s.clientsMux.Lock()
	cli, ok := s.clients[id]
	delete(s.clients, id)
	s.clientsMux.Unlock()
	if ok {
		zap.L().Info("whatsapp: disconnecting client prior to removal", zap.Int64("wad_id", id))
		cli.Disconnect()
	}

	if err := s.app.AuthManager().Remove(ctx, SessionID(id)); err != nil {
		zap.L().Warn("whatsapp: failed to delete auth state", zap.Error(err), zap.Int64("wad_id", id))
		return err
	}
	if err := s.app.DB().WithContext(ctx).Delete(&domain.WhatsAppDevice{}, id).Error; err != nil {
		zap.L().Warn("whatsapp: failed to delete app device record", zap.Error(err), zap.Int64("wad_id", id))
		return err
	}
	zap.L().Info("whatsapp: app device record removed", zap.Int64("wad_id", id))
	return nil
}

// Start reconnects every paired device, then blocks until ctx is cancelled
// and disconnects all clients.
func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.app == nil {
		return ErrServiceNotReady
	}
	var devs []domain.WhatsAppDevice
	if err := s.app.DB().Where("jid <> ''").Find(&devs).Error; err != nil {
		return err
	}
	zap.L().Info("whatsapp: starting clients", zap.Int("devices", len(devs)))
	for _, d := range devs {
		go func(id int64) {
			if err := s.ConnectDevice(ctx, id); err != nil {
				zap.L().Warn("whatsapp: auto-connect failed", zap.Error(err), zap.Int64("wad_id", id))
			}
		}(d.ID)
	}

	<-ctx.Done()
	zap.L().Info("whatsapp: shutting down clients")
	s.Stop()
	return nil
}

// Stop disconnects every client and unsubscribes from the event bus.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.clientsMux.RLock()
	ids := make([]int64, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMux.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range ids {
		_ = s.DisconnectDevice(ctx, id)
	}
	if bus := s.app.EventBus(); bus != nil {
		_ = bus.Unsubscribe(authstate.TopicFlushFailed, s.onFlushFailed)
		_ = bus.Unsubscribe(authstate.TopicFlushRecovered, s.onFlushRecovered)
	}
}

// updateStatus mirrors session events into the device row. Sessions that
// do not belong to a device are ignored.
func (s *Service) updateStatus(sessionID, status string, cause error) {
	id, ok := parseSessionID(sessionID)
	if !ok {
		return
	}
	if status == domain.DeviceStatusConnected && !s.Online(id) {
		status = domain.DeviceStatusOffline
	}
	s.setStatus(id, status, cause)
}

func (s *Service) setStatus(id int64, status string, cause error) {
	updates := map[string]interface{}{"status": status}
	if cause != nil {
		updates["last_error"] = cause.Error()
	} else {
		updates["last_error"] = ""
	}
	if err := s.app.DB().Model(&domain.WhatsAppDevice{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		zap.L().Warn("whatsapp: failed to update app device status",
			zap.Error(err),
			zap.Int64("wad_id", id),
			zap.String("status", status))
	}
}

// package-level global reference for the running service instance
var globalSvc *Service
var globalSvcLock sync.RWMutex

func setGlobalService(s *Service) {
	globalSvcLock.Lock()
	defer globalSvcLock.Unlock()
	globalSvc = s
}

// Get returns the running WhatsApp service instance or nil if not
// initialized.
func Get() *Service {
	globalSvcLock.RLock()
	defer globalSvcLock.RUnlock()
	return globalSvc
}
