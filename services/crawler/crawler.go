package crawler

import (
	"context"
	"errors"
	"net/url"

	"catalogsync/lib/portal"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("services/crawler")

var (
	ErrSessionExpired     = errors.New("session expired")
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrVersionMismatch marks cross-talk between concurrent
	// session-bound requests: the served entity is not the one asked
	// for. Records from such responses are never merged.
	ErrVersionMismatch = errors.New("served entity does not match the requested one")
)

// Target is one (epoch, entity) unit of work. Immutable, enqueued once
// per run.
type Target struct {
	// crawl-epoch key, e.g. a term code
	Epoch string
	// department or program code
	Entity string
	// expected entity version for entity-scoped fetches, empty when
	// the query kind embeds none
	Version string
	// entity-specific extra query parameters
	Params url.Values
}

func (t Target) Identity() portal.Identity {
	return portal.Identity{Entity: t.Entity, Version: t.Version}
}

// Record is one extracted domain row. Identity is (Epoch, Entity, Key).
type Record struct {
	Epoch  string
	Entity string
	// natural key, e.g. subject code + section
	Key    string
	Fields map[string]string
}

// Extractor converts a response already classified as success into
// records. Page-layout specifics live behind this interface.
type Extractor interface {
	Extract(target Target, body []byte) ([]Record, error)
}

// Fetcher is the single-exchange surface of portal.Executor.
type Fetcher interface {
	Execute(ctx context.Context, req portal.Request) (*portal.Response, error)
}

// Authenticator is the re-login surface of portal.Manager.
type Authenticator interface {
	Login(ctx context.Context) error
}
