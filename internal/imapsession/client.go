// Package imapsession is the IMAP session pool (C2): per-account pooled
// connections to the remote IMAP server, session-level operations (LIST,
// SELECT, STATUS, UID SEARCH/FETCH/STORE/COPY/APPEND/EXPUNGE), and an IDLE
// watcher used to wake the folder sync engine on new mail.
//
// Grounded in the teacher's internal/imap package (client.go, pool.go,
// idle.go), generalized from a desktop single-user client to a
// multi-account server process.
package imapsession

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/logging"
)

// SecurityType is the connection security method.
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// AuthType selects how Login authenticates.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// ClientConfig holds the connection and credential parameters for one
// account's IMAP connections.
type ClientConfig struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	AuthType    AuthType
	AccessToken string // required when AuthType == AuthTypeOAuth2

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	TLSConfig *tls.Config
}

// DefaultConfig returns sensible per-connection timeouts.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// deadlineConn enforces read/write deadlines on every operation, since
// go-imap/v2 does not impose its own timeouts on a stalled connection.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// Client wraps an imapclient.Client with account-aware logging and the
// cancellable-Wait() pattern used throughout this package.
type Client struct {
	config ClientConfig
	client *imapclient.Client
	caps   imap.CapSet
	log    zerolog.Logger
}

// NewClient constructs a Client but does not connect.
func NewClient(config ClientConfig) *Client {
	return &Client{config: config, log: logging.WithComponent("imapsession")}
}

func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	options := &imapclient.Options{}

	var err error
	switch c.config.Security {
	case SecurityTLS:
		tlsConfig := c.config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: c.config.Host}
		}
		rawConn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if dialErr != nil {
			return fmt.Errorf("imapsession: tls dial: %w", dialErr)
		}
		wrapped := &deadlineConn{Conn: rawConn, readTimeout: c.config.ReadTimeout, writeTimeout: c.config.WriteTimeout}
		c.client = imapclient.New(wrapped, options)
	case SecurityStartTLS:
		if c.config.TLSConfig != nil {
			options.TLSConfig = c.config.TLSConfig
		}
		c.client, err = imapclient.DialStartTLS(addr, options)
		if err != nil {
			return fmt.Errorf("imapsession: starttls dial: %w", err)
		}
	case SecurityNone:
		rawConn, dialErr := dialer.Dial("tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("imapsession: plain dial: %w", dialErr)
		}
		wrapped := &deadlineConn{Conn: rawConn, readTimeout: c.config.ReadTimeout, writeTimeout: c.config.WriteTimeout}
		c.client = imapclient.New(wrapped, options)
	default:
		return fmt.Errorf("imapsession: unknown security type %q", c.config.Security)
	}

	if err := c.client.WaitGreeting(); err != nil {
		c.client.Close()
		return fmt.Errorf("imapsession: greeting: %w", err)
	}
	c.caps = c.client.Caps()
	return nil
}

func (c *Client) Login() error {
	if c.client == nil {
		return fmt.Errorf("imapsession: not connected")
	}
	authType := c.config.AuthType
	if authType == "" {
		authType = AuthTypePassword
	}

	var err error
	switch authType {
	case AuthTypeOAuth2:
		err = c.loginOAuth2()
	default:
		err = c.loginPassword()
	}
	if err != nil {
		return err
	}
	c.caps = c.client.Caps()
	return nil
}

// loginPassword prefers plain LOGIN; it only falls back to AUTHENTICATE
// PLAIN when the server advertises LOGINDISABLED, since a failed
// AUTHENTICATE can leave some servers' wire state unable to retry LOGIN.
func (c *Client) loginPassword() error {
	if c.caps.Has(imap.CapLoginDisabled) {
		client := sasl.NewPlainClient("", c.config.Username, c.config.Password)
		if err := c.client.Authenticate(client); err != nil {
			return fmt.Errorf("imapsession: authenticate plain: %w", err)
		}
		return nil
	}
	if err := c.client.Login(c.config.Username, c.config.Password).Wait(); err != nil {
		return fmt.Errorf("imapsession: login: %w", err)
	}
	return nil
}

func (c *Client) loginOAuth2() error {
	if c.config.AccessToken == "" {
		return fmt.Errorf("imapsession: oauth2 login requires an access token")
	}
	client := newXOAuth2Client(c.config.Username, c.config.AccessToken)
	if err := c.client.Authenticate(client); err != nil {
		return fmt.Errorf("imapsession: xoauth2: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Logout().Wait(); err != nil {
		c.log.Warn().Err(err).Msg("imapsession: logout failed, closing anyway")
	}
	return c.client.Close()
}

// ForceClose skips the graceful LOGOUT round-trip; use it on connections
// already known to be dead so Close doesn't block on a stalled socket.
func (c *Client) ForceClose() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Client) Caps() imap.CapSet       { return c.caps }
func (c *Client) HasCap(cp imap.Cap) bool { return c.caps.Has(cp) }
func (c *Client) SupportsQResync() bool   { return c.caps.Has(imap.CapQResync) }
func (c *Client) SupportsCondStore() bool { return c.caps.Has(imap.CapCondStore) }
func (c *Client) SupportsIdle() bool      { return c.caps.Has(imap.CapIdle) }
func (c *Client) SupportsUIDPlus() bool   { return c.caps.Has(imap.CapUIDPlus) }
func (c *Client) RawClient() *imapclient.Client { return c.client }

// IsConnectionError reports whether err indicates a dead/broken connection
// that warrants discarding the pooled connection rather than releasing it.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, needle := range []string{
		"use of closed network connection",
		"connection reset",
		"broken pipe",
		"EOF",
		"i/o timeout",
		"connection refused",
		"no such host",
		"network is unreachable",
	} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// withCancel runs a blocking Wait()-style call on a goroutine so ctx
// cancellation can interrupt it; go-imap/v2 commands have no native
// context support.
func withCancel[T any](ctx context.Context, wait func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := wait()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.val, r.err
	}
}
