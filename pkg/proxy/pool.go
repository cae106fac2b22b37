package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/objectum/objectum-proxy/pkg/objstore"
	"github.com/objectum/objectum-proxy/pkg/store"
)

// ErrUnknownSession is returned when a sid has no session record.
var ErrUnknownSession = errors.New("unknown session")

// ErrNoAdminSession is returned when the reserved admin pseudo-model is
// addressed before any administrator has authenticated.
var ErrNoAdminSession = errors.New("no administrator session")

// Session is the state captured from a successful backend auth call.
type Session struct {
	ID       string                 `json:"sessionId"`
	Username string                 `json:"username"`
	Role     string                 `json:"role,omitempty"`
	Auth     map[string]interface{} `json:"auth,omitempty"`
}

// Pool maps sids to sessions and lazily-created backend handles. Handle
// creation for one sid is serialized so concurrent first requests cannot
// race two handles into the pool. Sessions carry a sliding TTL; the janitor
// evicts expired sessions together with their handles.
type Pool struct {
	backendURL string
	client     *http.Client
	registry   *objstore.Registry
	mirror     store.Cache // optional session mirror, may be nil
	ttl        time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	handles  map[string]*objstore.Handle
	creating map[string]*sync.Mutex
	adminSID string

	dictMu sync.Mutex
	dict   *objstore.Dict
}

type sessionEntry struct {
	session   Session
	expiresAt time.Time
}

const sessionKeyPrefix = "session:"

func NewPool(backendURL string, client *http.Client, registry *objstore.Registry, mirror store.Cache, ttl time.Duration) *Pool {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Pool{
		backendURL: backendURL,
		client:     client,
		registry:   registry,
		mirror:     mirror,
		ttl:        ttl,
		sessions:   map[string]*sessionEntry{},
		handles:    map[string]*objstore.Handle{},
		creating:   map[string]*sync.Mutex{},
	}
}

// Register records a session after a successful backend auth call.
func (p *Pool) Register(ctx context.Context, s Session) {
	p.mu.Lock()
	p.sessions[s.ID] = &sessionEntry{session: s, expiresAt: time.Now().Add(p.ttl)}
	p.mu.Unlock()
	if p.mirror != nil {
		if raw, err := json.Marshal(s); err == nil {
			_ = p.mirror.Set(ctx, sessionKeyPrefix+s.ID, string(raw), p.ttl)
		}
	}
}

// MarkAdmin remembers the sid of the most recent administrator login so the
// dispatcher can redirect admin pseudo-model calls to a privileged handle.
func (p *Pool) MarkAdmin(sid string) {
	p.mu.Lock()
	p.adminSID = sid
	p.mu.Unlock()
}

// Session returns the live session for a sid.
func (p *Pool) Session(ctx context.Context, sid string) (Session, error) {
	p.mu.Lock()
	ent, ok := p.sessions[sid]
	if ok && time.Now().After(ent.expiresAt) {
		p.evictLocked(sid)
		ok = false
	}
	if ok {
		ent.expiresAt = time.Now().Add(p.ttl)
		s := ent.session
		p.mu.Unlock()
		p.touchMirror(ctx, sid)
		return s, nil
	}
	p.mu.Unlock()

	// A restarted proxy can re-adopt sessions from the mirror.
	if p.mirror != nil {
		if raw, err := p.mirror.Get(ctx, sessionKeyPrefix+sid); err == nil {
			var s Session
			if err := json.Unmarshal([]byte(raw), &s); err == nil && s.ID == sid {
				p.mu.Lock()
				p.sessions[sid] = &sessionEntry{session: s, expiresAt: time.Now().Add(p.ttl)}
				p.mu.Unlock()
				return s, nil
			}
		}
	}
	return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sid)
}

func (p *Pool) touchMirror(ctx context.Context, sid string) {
	if p.mirror != nil {
		_ = p.mirror.Expire(ctx, sessionKeyPrefix+sid, p.ttl)
	}
}

// Resolve returns the handle pooled for sid, creating it on first use. The
// first handle created process-wide performs the blocking dictionary load;
// every later handle attaches the shared dictionary by reference.
func (p *Pool) Resolve(ctx context.Context, sid string) (*objstore.Handle, error) {
	session, err := p.Session(ctx, sid)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if h, ok := p.handles[sid]; ok {
		p.mu.Unlock()
		return h, nil
	}
	keyLock, ok := p.creating[sid]
	if !ok {
		keyLock = &sync.Mutex{}
		p.creating[sid] = keyLock
	}
	p.mu.Unlock()

	keyLock.Lock()
	defer keyLock.Unlock()

	p.mu.Lock()
	if h, ok := p.handles[sid]; ok {
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	h := objstore.NewHandle(p.backendURL, sid, p.client)
	h.Username = session.Username
	h.Role = session.Role
	h.Registry = p.registry

	dict, err := p.sharedDict(ctx, h)
	if err != nil {
		return nil, err
	}
	h.Dict = dict

	p.mu.Lock()
	p.handles[sid] = h
	delete(p.creating, sid)
	p.mu.Unlock()
	return h, nil
}

// ResolveAdmin returns a handle for the last authenticated administrator.
func (p *Pool) ResolveAdmin(ctx context.Context) (*objstore.Handle, error) {
	p.mu.Lock()
	sid := p.adminSID
	p.mu.Unlock()
	if sid == "" {
		return nil, ErrNoAdminSession
	}
	return p.Resolve(ctx, sid)
}

func (p *Pool) sharedDict(ctx context.Context, h *objstore.Handle) (*objstore.Dict, error) {
	p.dictMu.Lock()
	defer p.dictMu.Unlock()
	if p.dict != nil {
		return p.dict, nil
	}
	if err := h.Load(ctx); err != nil {
		return nil, err
	}
	p.dict = h.Dict
	return p.dict, nil
}

// Dict exposes the shared dictionary once loaded.
func (p *Pool) Dict() *objstore.Dict {
	p.dictMu.Lock()
	defer p.dictMu.Unlock()
	return p.dict
}

func (p *Pool) evictLocked(sid string) {
	delete(p.sessions, sid)
	delete(p.handles, sid)
	if p.adminSID == sid {
		p.adminSID = ""
	}
}

// EvictExpired drops expired sessions and their handles, returning the
// number evicted.
func (p *Pool) EvictExpired() int {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for sid, ent := range p.sessions {
		if now.After(ent.expiresAt) {
			p.evictLocked(sid)
			evicted++
		}
	}
	return evicted
}

// Stats reports live session and handle counts for gauges.
func (p *Pool) Stats() (sessions, handles int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions), len(p.handles)
}

// StartJanitor sweeps expired sessions until ctx is done.
func (p *Pool) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.EvictExpired(); n > 0 {
				log.Printf("session janitor: evicted %d expired sessions", n)
			}
		}
	}
}
