package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/LightspeedDMS/ssh-mcp/internal/model"
	"github.com/LightspeedDMS/ssh-mcp/internal/sshadapter"
)

// Registry is the named collection of Sessions for one process: a single
// mutex guarding a name-keyed map, with name uniqueness enforced by
// reserving the name (in StateConnecting) before the slow dial happens
// outside the lock.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	webBase    string // e.g. "http://localhost:8080"; empty if the web surface isn't up yet
	historyCap int    // bytes of normalized history kept per session; 0 means the default
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// SetHistoryCapacity overrides the per-session history size for sessions
// created after this call. Zero or negative keeps the default.
func (r *Registry) SetHistoryCapacity(bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.historyCap = bytes
}

// SetWebBaseURL records the base URL (scheme://host:port) of the HTTP/WS surface,
// used to build monitoring-url results. Called once by cmd/ssh-mcp-server
// after the listener is bound.
func (r *Registry) SetWebBaseURL(base string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webBase = base
}

// Create reserves name, dials host:port as username with auth, and on
// success returns the connected Session. On any dial/auth failure the
// reservation is rolled back so the name can be retried.
func (r *Registry) Create(ctx context.Context, name, host string, port int, username string, auth sshadapter.Auth) (*Session, *model.Error) {
	if name == "" || host == "" || username == "" {
		return nil, model.NewError(model.ErrMissingParams, "name, host, and username are required")
	}

	r.mu.Lock()
	if _, exists := r.sessions[name]; exists {
		r.mu.Unlock()
		return nil, model.NewError(model.ErrExists, fmt.Sprintf("session %q already exists", name))
	}
	sess := newSession(name, host, port, username, r.historyCap)
	r.sessions[name] = sess
	r.mu.Unlock()

	if err := sess.open(ctx, auth); err != nil {
		r.mu.Lock()
		delete(r.sessions, name)
		r.mu.Unlock()
		return nil, classifyDialError(err)
	}

	return sess, nil
}

// classifyDialError maps a dial/open failure to auth-failed or unreachable,
// the two kinds the `connect` tool distinguishes.
func classifyDialError(err error) *model.Error {
	msg := err.Error()
	if isAuthError(err) {
		return model.NewError(model.ErrAuthFailed, msg)
	}
	return model.NewError(model.ErrUnreachable, msg)
}

// isAuthError does a best-effort classification: golang.org/x/crypto/ssh
// reports failed authentication as a textual "unable to authenticate"
// handshake message, not a distinguishable error type.
func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

// Get looks up a session by name.
func (r *Registry) Get(name string) (*Session, *model.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[name]
	if !ok {
		return nil, model.NewError(model.ErrNotFound, fmt.Sprintf("session %q not found", name))
	}
	return sess, nil
}

// List returns a snapshot of every session's summary.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	names := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		names = append(names, sess)
	}
	r.mu.Unlock()

	out := make([]Summary, 0, len(names))
	for _, sess := range names {
		out = append(out, sess.Summary())
	}
	return out
}

// Dispose transitions the named session to closing, tears it down, and
// removes it from the Registry.
func (r *Registry) Dispose(name string) *model.Error {
	r.mu.Lock()
	sess, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	if !ok {
		return model.NewError(model.ErrNotFound, fmt.Sprintf("session %q not found", name))
	}
	sess.Disconnect()
	return nil
}

// MonitoringURL builds the browser-facing URL for a session, or
// web-unavailable if the HTTP surface has not been published yet.
func (r *Registry) MonitoringURL(name string) (string, *model.Error) {
	if _, err := r.Get(name); err != nil {
		return "", err
	}
	r.mu.Lock()
	base := r.webBase
	r.mu.Unlock()
	if base == "" {
		return "", model.NewError(model.ErrWebUnavailable, "web surface is not available")
	}
	return fmt.Sprintf("%s/session/%s", base, name), nil
}
