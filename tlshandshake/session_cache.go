// session_cache.go implements the in-memory session-resumption cache
// named in spec.md §6's "Persisted state. Session cache (session id ->
// master secret + suite + peer certs + issue time) is in memory only,"
// a plain mutex-guarded map rather than anything backed by disk.
package tlshandshake

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/x509cert"
)

// CachedSession is one resumable session's saved state.
type CachedSession struct {
	MasterSecret     []byte
	Suite            CipherSuite
	Version          stackcfg.TLSVersion
	PeerCertificates []*x509cert.Certificate
	IssuedAt         time.Time
}

// SessionCache holds resumable sessions keyed by session ID, plus a
// client-side index from server name to the most recent session ID
// offered by that server, so a client reconnecting to the same name can
// find a ticket to offer without the caller tracking IDs itself.
type SessionCache struct {
	mu       sync.Mutex
	lifetime time.Duration
	byID     map[string]CachedSession
	byName   map[string]string
}

// NewSessionCache returns an empty cache evicting entries older than
// lifetime.
func NewSessionCache(lifetime time.Duration) *SessionCache {
	return &SessionCache{
		lifetime: lifetime,
		byID:     make(map[string]CachedSession),
		byName:   make(map[string]string),
	}
}

func sessionKey(id []byte) string { return hex.EncodeToString(id) }

// Put records s under id, and (if serverName is non-empty) as that name's
// most recent session.
func (c *SessionCache) Put(id []byte, serverName string, s CachedSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sessionKey(id)
	c.byID[key] = s
	if serverName != "" {
		c.byName[serverName] = key
	}
}

// Get looks up a session by its wire ID, evicting and reporting a miss if
// it has outlived the cache's lifetime.
func (c *SessionCache) Get(id []byte, now time.Time) (CachedSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(sessionKey(id), now)
}

// GetByName returns the most recent session a client cached for
// serverName, along with the session ID to offer in ClientHello.
func (c *SessionCache) GetByName(serverName string, now time.Time) ([]byte, CachedSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.byName[serverName]
	if !ok {
		return nil, CachedSession{}, false
	}
	s, ok := c.getLocked(key, now)
	if !ok {
		return nil, CachedSession{}, false
	}
	id, err := hex.DecodeString(key)
	if err != nil {
		return nil, CachedSession{}, false
	}
	return id, s, true
}

func (c *SessionCache) getLocked(key string, now time.Time) (CachedSession, bool) {
	s, ok := c.byID[key]
	if !ok {
		return CachedSession{}, false
	}
	if c.lifetime > 0 && now.Sub(s.IssuedAt) > c.lifetime {
		delete(c.byID, key)
		return CachedSession{}, false
	}
	return s, true
}
