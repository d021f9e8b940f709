package portal

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

type CookieKey struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
}

type Cookie struct {
	Value   string    `json:"value"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

type SnapshotCookie struct {
	Domain  string    `json:"domain"`
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

// Snapshot is the serialized form of a Session, round-tripped to durable
// storage on every mutation.
type Snapshot struct {
	Cookies       []SnapshotCookie `json:"cookies"`
	Validated     bool             `json:"validated"`
	LastValidated time.Time        `json:"last_validated"`
}

// Store persists session snapshots so a crawl can resume a previous
// login across process runs.
type Store interface {
	Save(snapshot Snapshot) error
	Load() (Snapshot, bool, error)
}

// Session holds the authenticated cookie state shared by every request
// of a crawl. Multiple in-flight requests may merge cookies
// concurrently, so every mutation (and its write-through persist) runs
// under a single lock. The persisted snapshot is last-write-wins under
// that serialized access.
type Session struct {
	mu            sync.Mutex
	cookies       map[CookieKey]Cookie
	validated     bool
	lastValidated time.Time
	store         Store
}

// NewSession creates an empty session. store may be nil, in which case
// the session lives only in memory.
func NewSession(store Store) *Session {
	return &Session{
		cookies: map[CookieKey]Cookie{},
		store:   store,
	}
}

// Restore loads a previously persisted snapshot if one exists. A
// restored session is assumed valid but unverified, validity is
// confirmed lazily on its first protected-page use.
func (s *Session) Restore() (bool, error) {
	if s.store == nil {
		return false, nil
	}
	snapshot, found, err := s.store.Load()
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = map[CookieKey]Cookie{}
	for _, c := range snapshot.Cookies {
		s.cookies[CookieKey{Domain: c.Domain, Name: c.Name}] = Cookie{
			Value:   c.Value,
			Path:    c.Path,
			Expires: c.Expires,
		}
	}
	s.validated = snapshot.Validated
	s.lastValidated = snapshot.LastValidated
	return true, nil
}

// MergeCookies overwrites the session's cookie values with those of a
// response. Updates are monotonic, a later response's value for a given
// (domain, name) replaces the earlier one and nothing is ever cleared
// implicitly.
func (s *Session) MergeCookies(domain string, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cookies {
		cookieDomain := c.Domain
		if cookieDomain == "" {
			cookieDomain = domain
		}
		s.cookies[CookieKey{Domain: cookieDomain, Name: c.Name}] = Cookie{
			Value:   c.Value,
			Path:    c.Path,
			Expires: c.Expires,
		}
	}
	s.persistLocked()
}

// CookiesFor returns the non-expired cookies applicable to a host.
func (s *Session) CookiesFor(host string) []*http.Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []*http.Cookie
	for key, c := range s.cookies {
		if !domainMatches(host, key.Domain) {
			continue
		}
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			continue
		}
		out = append(out, &http.Cookie{
			Name:  key.Name,
			Value: c.Value,
			Path:  c.Path,
		})
	}
	return out
}

// SetValidated flips the login validity flag and persists immediately.
func (s *Session) SetValidated(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validated = ok
	s.lastValidated = time.Now()
	s.persistLocked()
}

func (s *Session) Validated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validated
}

// Invalidate drops the cookie state entirely. This is the only way
// cookies are ever cleared, used on detected expiry or logout.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = map[CookieKey]Cookie{}
	s.validated = false
	s.persistLocked()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		Validated:     s.validated,
		LastValidated: s.lastValidated,
	}
	for key, c := range s.cookies {
		snapshot.Cookies = append(snapshot.Cookies, SnapshotCookie{
			Domain:  key.Domain,
			Name:    key.Name,
			Value:   c.Value,
			Path:    c.Path,
			Expires: c.Expires,
		})
	}
	return snapshot
}

// persistLocked writes through to the store. A failed write is only
// logged, the in-memory state stays authoritative for the life of the
// process and must never fail the request that produced it.
func (s *Session) persistLocked() {
	if s.store == nil {
		return
	}
	err := s.store.Save(s.snapshotLocked())
	if err != nil {
		slog.Warn("failed to persist session snapshot", "err", err)
	}
}

func domainMatches(host, domain string) bool {
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+strings.TrimPrefix(domain, "."))
}
