package imapsession

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/logging"
)

// PoolConfig configures the per-account connection pool.
type PoolConfig struct {
	MaxConnections int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	WaiterTimeout  time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections: 3,
		IdleTimeout:    5 * time.Minute,
		ConnectTimeout: 30 * time.Second,
		WaiterTimeout:  2 * time.Minute,
	}
}

// PooledConnection wraps a Client with pool bookkeeping.
type PooledConnection struct {
	client    *Client
	accountID string
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	mu        sync.Mutex
}

func (pc *PooledConnection) Client() *Client { return pc.client }

func (pc *PooledConnection) isHealthyLocked() bool {
	return pc.client != nil && pc.client.client != nil
}

// Pool manages IMAP connections across every account assigned to this
// process (C2). One Pool instance is shared by all folder sync engines
// for a process, keyed by account id.
type Pool struct {
	config      PoolConfig
	connections map[string][]*PooledConnection
	waiters     map[string][]chan *PooledConnection
	mu          sync.Mutex
	log         zerolog.Logger

	getCredentials func(accountID string) (*ClientConfig, error)
}

func NewPool(config PoolConfig, getCredentials func(accountID string) (*ClientConfig, error)) *Pool {
	return &Pool{
		config:         config,
		connections:    make(map[string][]*PooledConnection),
		waiters:        make(map[string][]chan *PooledConnection),
		log:            logging.WithComponent("imapsession-pool"),
		getCredentials: getCredentials,
	}
}

// GetConnection returns a healthy idle connection for accountID, creating
// one if the account is under MaxConnections, or blocking until one frees
// up (or ctx is cancelled, or WaiterTimeout elapses).
func (p *Pool) GetConnection(ctx context.Context, accountID string) (*PooledConnection, error) {
	p.mu.Lock()
	for _, conn := range p.connections[accountID] {
		conn.mu.Lock()
		if !conn.inUse && conn.isHealthyLocked() {
			conn.inUse = true
			conn.lastUsed = time.Now()
			conn.mu.Unlock()
			p.mu.Unlock()
			return conn, nil
		}
		conn.mu.Unlock()
	}

	current := len(p.connections[accountID])
	if current < p.config.MaxConnections {
		p.mu.Unlock()
		return p.createConnection(ctx, accountID)
	}

	waiter := make(chan *PooledConnection, 1)
	p.waiters[accountID] = append(p.waiters[accountID], waiter)
	p.mu.Unlock()

	select {
	case conn := <-waiter:
		if conn == nil {
			return nil, fmt.Errorf("imapsession: pool closed")
		}
		return conn, nil
	case <-ctx.Done():
		p.removeWaiter(accountID, waiter)
		return nil, ctx.Err()
	case <-time.After(p.config.WaiterTimeout):
		p.removeWaiter(accountID, waiter)
		return nil, fmt.Errorf("imapsession: timed out waiting for a connection")
	}
}

func (p *Pool) removeWaiter(accountID string, waiter chan *PooledConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	waiters := p.waiters[accountID]
	for i, w := range waiters {
		if w == waiter {
			p.waiters[accountID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

func (p *Pool) createConnection(ctx context.Context, accountID string) (*PooledConnection, error) {
	return p.createConnectionWithRetry(ctx, accountID, 0)
}

// createConnectionWithRetry retries once on "maximum number of connections"
// errors: the server may still hold ghost connections from a force-closed
// session (e.g. after a network change), which usually clear within
// seconds.
func (p *Pool) createConnectionWithRetry(ctx context.Context, accountID string, attempt int) (*PooledConnection, error) {
	config, err := p.getCredentials(accountID)
	if err != nil {
		return nil, fmt.Errorf("imapsession: credentials for %s: %w", accountID, err)
	}

	client := NewClient(*config)
	done := make(chan error, 1)
	go func() {
		if err := client.Connect(); err != nil {
			done <- err
			return
		}
		if err := client.Login(); err != nil {
			client.ForceClose()
			done <- err
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			if attempt == 0 && strings.Contains(err.Error(), "Maximum number of connections") {
				p.log.Warn().Str("account", accountID).Msg("imapsession: max connections exceeded, retrying after 15s")
				select {
				case <-time.After(15 * time.Second):
					return p.createConnectionWithRetry(ctx, accountID, attempt+1)
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, fmt.Errorf("imapsession: connect account %s: %w", accountID, err)
		}
	case <-ctx.Done():
		go client.ForceClose()
		return nil, ctx.Err()
	}

	conn := &PooledConnection{client: client, accountID: accountID, createdAt: time.Now(), lastUsed: time.Now(), inUse: true}

	p.mu.Lock()
	p.connections[accountID] = append(p.connections[accountID], conn)
	p.mu.Unlock()

	return conn, nil
}

// Release returns a connection to the pool, handing it directly to a
// waiter if one exists.
func (p *Pool) Release(conn *PooledConnection) {
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.inUse = false
	conn.lastUsed = time.Now()
	healthy := conn.isHealthyLocked()
	conn.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !healthy {
		return
	}

	inPool := false
	for _, c := range p.connections[conn.accountID] {
		if c == conn {
			inPool = true
			break
		}
	}
	if !inPool {
		return
	}

	if waiters := p.waiters[conn.accountID]; len(waiters) > 0 {
		waiter := waiters[0]
		p.waiters[conn.accountID] = waiters[1:]
		conn.mu.Lock()
		conn.inUse = true
		conn.mu.Unlock()
		waiter <- conn
	}
}

// Discard force-closes and removes a known-dead connection rather than
// returning it to the pool.
func (p *Pool) Discard(conn *PooledConnection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	conn.mu.Lock()
	if conn.client != nil {
		conn.client.ForceClose()
		conn.client = nil
	}
	conn.mu.Unlock()

	conns := p.connections[conn.accountID]
	for i, c := range conns {
		if c == conn {
			p.connections[conn.accountID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(p.connections[conn.accountID]) == 0 {
		delete(p.connections, conn.accountID)
	}
}

// CloseAccount force-closes every connection for accountID and unblocks
// any waiters.
func (p *Pool) CloseAccount(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns, ok := p.connections[accountID]
	if !ok {
		return
	}
	for _, conn := range conns {
		conn.mu.Lock()
		if conn.client != nil {
			conn.client.ForceClose()
			conn.client = nil
		}
		conn.mu.Unlock()
	}
	delete(p.connections, accountID)

	for _, w := range p.waiters[accountID] {
		close(w)
	}
	delete(p.waiters, accountID)
}

func (p *Pool) CloseAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.connections))
	for id := range p.connections {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.CloseAccount(id)
	}
}

// CleanupIdle closes idle connections older than IdleTimeout; call
// periodically via StartCleanupRoutine.
func (p *Pool) CleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for accountID, conns := range p.connections {
		var remaining []*PooledConnection
		for _, conn := range conns {
			conn.mu.Lock()
			idle := !conn.inUse && now.Sub(conn.lastUsed) > p.config.IdleTimeout
			conn.mu.Unlock()
			if idle {
				conn.mu.Lock()
				if conn.client != nil {
					conn.client.ForceClose()
				}
				conn.mu.Unlock()
				continue
			}
			remaining = append(remaining, conn)
		}
		if len(remaining) == 0 {
			delete(p.connections, accountID)
		} else {
			p.connections[accountID] = remaining
		}
	}
}

func (p *Pool) StartCleanupRoutine(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.CleanupIdle()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// PoolStats reports current pool occupancy.
type PoolStats struct {
	TotalConnections  int
	ActiveConnections int
	IdleConnections   int
	AccountCount      int
}

func (p *Pool) GetStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{AccountCount: len(p.connections)}
	for _, conns := range p.connections {
		for _, conn := range conns {
			stats.TotalConnections++
			conn.mu.Lock()
			if conn.inUse {
				stats.ActiveConnections++
			} else {
				stats.IdleConnections++
			}
			conn.mu.Unlock()
		}
	}
	return stats
}
