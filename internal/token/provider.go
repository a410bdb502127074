// Package token supplies bearer credentials for the broker connection and
// the conversation API. The connection manager treats it purely as "get
// current token" / "token became invalid, request a new one"; refresh
// queueing lives here.
package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when no credential can be produced (user logged out).
var ErrNoToken = errors.New("token: no credential available")

// Provider supplies the current bearer credential.
type Provider interface {
	// Token returns a currently valid credential, refreshing if needed.
	Token(ctx context.Context) (string, error)
	// Invalidate discards tok if it is the cached credential, forcing the
	// next Token call to refresh. Stale invalidations are ignored.
	Invalidate(tok string)
}

// Static is a Provider returning a fixed credential. Used by tests and
// service accounts with non-expiring tokens.
type Static string

func (s Static) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

func (s Static) Invalidate(string) {}

// RefreshFunc obtains a fresh credential from the auth subsystem.
type RefreshFunc func(ctx context.Context) (string, error)

// RefreshLeeway is how long before the recorded expiry a token is treated as
// stale, so a refresh happens before the broker starts rejecting it.
const RefreshLeeway = 30 * time.Second

// Refreshing is a Provider with single-flight refresh semantics: when the
// cached credential is expired, exactly one caller performs the refresh and
// concurrent callers queue for its result.
type Refreshing struct {
	refresh RefreshFunc
	leeway  time.Duration
	now     func() time.Time

	mu       sync.Mutex
	tok      string
	expires  time.Time
	inflight chan struct{} // non-nil while a refresh is running
	lastErr  error
}

// NewRefreshing creates a Refreshing provider around the given refresh
// function.
func NewRefreshing(refresh RefreshFunc) *Refreshing {
	return &Refreshing{refresh: refresh, leeway: RefreshLeeway, now: time.Now}
}

// Token returns the cached credential when still valid, otherwise refreshes.
// Concurrent callers during a refresh share its outcome.
func (r *Refreshing) Token(ctx context.Context) (string, error) {
	for {
		r.mu.Lock()
		if r.validLocked() {
			tok := r.tok
			r.mu.Unlock()
			return tok, nil
		}

		if r.inflight == nil {
			done := make(chan struct{})
			r.inflight = done
			r.mu.Unlock()

			tok, err := r.refresh(ctx)

			r.mu.Lock()
			r.inflight = nil
			r.lastErr = err
			if err == nil {
				r.tok = tok
				r.expires = expiryOf(tok)
			}
			close(done)
			r.mu.Unlock()
			return tok, err
		}

		// Another caller is refreshing: queue for its result.
		done := r.inflight
		r.mu.Unlock()
		select {
		case <-done:
			r.mu.Lock()
			if r.validLocked() {
				tok := r.tok
				r.mu.Unlock()
				return tok, nil
			}
			err := r.lastErr
			r.mu.Unlock()
			if err != nil {
				return "", err
			}
			// Refresh produced an already-stale token; loop and retry.
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Invalidate drops the cached credential if it matches tok.
func (r *Refreshing) Invalidate(tok string) {
	r.mu.Lock()
	if r.tok == tok {
		r.tok = ""
		r.expires = time.Time{}
	}
	r.mu.Unlock()
}

func (r *Refreshing) validLocked() bool {
	if r.tok == "" {
		return false
	}
	if r.expires.IsZero() {
		// No expiry claim: valid until explicitly invalidated.
		return true
	}
	return r.now().Add(r.leeway).Before(r.expires)
}

// expiryOf extracts the exp claim from a JWT credential without verifying
// the signature (the broker verifies; we only schedule refreshes). Opaque
// tokens yield a zero time.
func expiryOf(tok string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
