package imapsession

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/logging"
)

// MailEventType distinguishes the unilateral server notifications IDLE
// surfaces.
type MailEventType int

const (
	EventNewMail MailEventType = iota
	EventExpunge
)

func (t MailEventType) String() string {
	if t == EventExpunge {
		return "expunge"
	}
	return "new_mail"
}

// MailEvent is emitted whenever an IDLE connection observes new mail or an
// expunge on its watched folder. Nothing in this module reads these
// events: the folder sync engines run their own IDLE and poll cadence.
type MailEvent struct {
	Type      MailEventType
	AccountID string
	Folder    string
	SeqNum    uint32
	Count     uint32
}

// IdleConfig configures one account's IDLE watch.
type IdleConfig struct {
	IdleTimeout           time.Duration
	ReconnectBackoff      time.Duration
	MaxReconnectBackoff   time.Duration
	MaxReconnectAttempts  int
	EventSendTimeout      time.Duration
	HealthCheckEnabled    bool
	ShutdownTimeout       time.Duration
}

func DefaultIdleConfig() IdleConfig {
	return IdleConfig{
		IdleTimeout:          10 * time.Minute, // RFC 2177 recommends restarting before 29m
		ReconnectBackoff:     1 * time.Second,
		MaxReconnectBackoff:  5 * time.Minute,
		MaxReconnectAttempts: 10,
		EventSendTimeout:     2 * time.Second,
		HealthCheckEnabled:   true,
		ShutdownTimeout:      5 * time.Second,
	}
}

// idleConnection watches one account's designated folder (usually INBOX,
// the only folder most providers allow IDLE on) for EXISTS/EXPUNGE.
type idleConnection struct {
	accountID      string
	config         IdleConfig
	getCredentials func(accountID string) (*ClientConfig, error)

	log zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	folder  string
	raw     *imapclient.Client
	events  chan<- MailEvent
}

func newIdleConnection(accountID string, config IdleConfig, getCredentials func(string) (*ClientConfig, error)) *idleConnection {
	return &idleConnection{
		accountID:      accountID,
		config:         config,
		getCredentials: getCredentials,
		log:            logging.WithComponent("imapsession-idle").With().Str("account", accountID).Logger(),
		folder:         "INBOX",
	}
}

func (ic *idleConnection) sendEvent(event MailEvent) {
	select {
	case ic.events <- event:
	case <-time.After(ic.config.EventSendTimeout):
		ic.log.Warn().Str("type", event.Type.String()).Msg("imapsession: idle event channel full, dropping")
	case <-ic.stopCh:
	}
}

func (ic *idleConnection) Start(ctx context.Context, events chan<- MailEvent) {
	ic.mu.Lock()
	if ic.running {
		ic.mu.Unlock()
		return
	}
	ic.running = true
	ic.stopCh = make(chan struct{})
	ic.doneCh = make(chan struct{})
	ic.events = events
	ic.mu.Unlock()

	go ic.run(ctx)
}

func (ic *idleConnection) Stop() {
	ic.mu.Lock()
	if !ic.running {
		ic.mu.Unlock()
		return
	}
	ic.running = false
	close(ic.stopCh)
	doneCh := ic.doneCh
	timeout := ic.config.ShutdownTimeout
	ic.mu.Unlock()

	if doneCh == nil {
		return
	}
	select {
	case <-doneCh:
	case <-time.After(timeout):
		ic.mu.Lock()
		if ic.raw != nil {
			ic.raw.Close()
			ic.raw = nil
		}
		ic.mu.Unlock()
	}
}

func (ic *idleConnection) run(ctx context.Context) {
	defer func() {
		ic.mu.Lock()
		ic.running = false
		if ic.raw != nil {
			ic.raw.Close()
			ic.raw = nil
		}
		if ic.doneCh != nil {
			close(ic.doneCh)
		}
		ic.mu.Unlock()
	}()

	backoff := ic.config.ReconnectBackoff
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ic.stopCh:
			return
		default:
		}

		if err := ic.ensureConnected(); err != nil {
			attempts++
			if attempts >= ic.config.MaxReconnectAttempts {
				ic.log.Error().Err(err).Int("attempts", attempts).Msg("imapsession: idle giving up after max reconnect attempts")
				return
			}
			select {
			case <-time.After(backoff):
				if backoff*2 < ic.config.MaxReconnectBackoff {
					backoff *= 2
				} else {
					backoff = ic.config.MaxReconnectBackoff
				}
				continue
			case <-ctx.Done():
				return
			case <-ic.stopCh:
				return
			}
		}

		backoff = ic.config.ReconnectBackoff
		attempts = 0

		if err := ic.idleCycle(ctx); err != nil {
			ic.log.Warn().Err(err).Msg("imapsession: idle cycle failed")
			ic.mu.Lock()
			if ic.raw != nil {
				ic.raw.Close()
				ic.raw = nil
			}
			ic.mu.Unlock()
		}
	}
}

func (ic *idleConnection) ensureConnected() error {
	ic.mu.Lock()
	if ic.raw != nil {
		ic.mu.Unlock()
		return nil
	}
	ic.mu.Unlock()

	creds, err := ic.getCredentials(ic.accountID)
	if err != nil {
		return err
	}

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					ic.sendEvent(MailEvent{Type: EventNewMail, AccountID: ic.accountID, Folder: ic.folder, Count: *data.NumMessages})
				}
			},
			Expunge: func(seqNum uint32) {
				ic.sendEvent(MailEvent{Type: EventExpunge, AccountID: ic.accountID, Folder: ic.folder, SeqNum: seqNum})
			},
		},
	}

	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)
	var raw *imapclient.Client
	var err error

	switch creds.Security {
	case SecurityTLS:
		tlsConfig := creds.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: creds.Host}
		}
		dialer := &net.Dialer{Timeout: creds.ConnectTimeout}
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if dialErr != nil {
			return fmt.Errorf("imapsession: idle tls dial: %w", dialErr)
		}
		raw = imapclient.New(conn, options)
	case SecurityStartTLS:
		if creds.TLSConfig != nil {
			options.TLSConfig = creds.TLSConfig
		}
		raw, err = imapclient.DialStartTLS(addr, options)
	default:
		raw, err = imapclient.DialInsecure(addr, options)
	}
	if err != nil {
		return fmt.Errorf("imapsession: idle dial: %w", err)
	}

	if err := raw.WaitGreeting(); err != nil {
		raw.Close()
		return fmt.Errorf("imapsession: idle greeting: %w", err)
	}

	authType := creds.AuthType
	if authType == "" {
		authType = AuthTypePassword
	}
	switch authType {
	case AuthTypeOAuth2:
		if err := raw.Authenticate(newXOAuth2Client(creds.Username, creds.AccessToken)); err != nil {
			raw.Close()
			return fmt.Errorf("imapsession: idle xoauth2: %w", err)
		}
	default:
		if raw.Caps().Has("LOGINDISABLED") {
			if err := raw.Authenticate(sasl.NewPlainClient("", creds.Username, creds.Password)); err != nil {
				raw.Close()
				return fmt.Errorf("imapsession: idle authenticate: %w", err)
			}
		} else if err := raw.Login(creds.Username, creds.Password).Wait(); err != nil {
			raw.Close()
			return fmt.Errorf("imapsession: idle login: %w", err)
		}
	}

	if !raw.Caps().Has("IDLE") {
		raw.Close()
		return fmt.Errorf("imapsession: server does not support IDLE")
	}

	if _, err := raw.Select(ic.folder, nil).Wait(); err != nil {
		raw.Close()
		return fmt.Errorf("imapsession: select %s for idle: %w", ic.folder, err)
	}

	ic.mu.Lock()
	ic.raw = raw
	ic.mu.Unlock()

	return nil
}

func (ic *idleConnection) idleCycle(ctx context.Context) error {
	ic.mu.Lock()
	raw := ic.raw
	ic.mu.Unlock()
	if raw == nil {
		return nil
	}

	if ic.config.HealthCheckEnabled {
		if err := raw.Noop().Wait(); err != nil {
			return fmt.Errorf("imapsession: idle health check: %w", err)
		}
	}

	idleCmd, err := raw.Idle()
	if err != nil {
		return fmt.Errorf("imapsession: start idle: %w", err)
	}

	timer := time.NewTimer(ic.config.IdleTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		idleCmd.Close()
		return nil
	case <-ic.stopCh:
		idleCmd.Close()
		return nil
	case <-timer.C:
		return idleCmd.Close()
	}
}

// IdleManager runs one idleConnection per watched account and fans their
// events into a single channel, read through Events(). No component in
// this module constructs an IdleManager.
type IdleManager struct {
	config         IdleConfig
	getCredentials func(accountID string) (*ClientConfig, error)
	log            zerolog.Logger

	connections map[string]*idleConnection
	mu          sync.Mutex

	events chan MailEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIdleManager(config IdleConfig, getCredentials func(accountID string) (*ClientConfig, error)) *IdleManager {
	return &IdleManager{
		config:         config,
		getCredentials: getCredentials,
		log:            logging.WithComponent("imapsession-idle-manager"),
		connections:    make(map[string]*idleConnection),
		events:         make(chan MailEvent, 100),
	}
}

func (m *IdleManager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
}

func (m *IdleManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	for _, conn := range m.connections {
		conn.Stop()
	}
	m.connections = make(map[string]*idleConnection)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *IdleManager) Events() <-chan MailEvent { return m.events }

func (m *IdleManager) StartAccount(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, exists := m.connections[accountID]; exists {
		conn.mu.Lock()
		running := conn.running
		conn.mu.Unlock()
		if running {
			return
		}
		delete(m.connections, accountID)
	}

	conn := newIdleConnection(accountID, m.config, m.getCredentials)
	m.connections[accountID] = conn

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		conn.Start(m.ctx, m.events)
	}()
}

func (m *IdleManager) StopAccount(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, exists := m.connections[accountID]; exists {
		conn.Stop()
		delete(m.connections, accountID)
	}
}

func (m *IdleManager) RestartAccount(accountID string) {
	m.StopAccount(accountID)
	m.StartAccount(accountID)
}
