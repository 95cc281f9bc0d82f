// resolver.go -- Turns a request's session cookie into the current principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/radek-zitek-cloud/oc-gamma/internal/store"
	"golang.org/x/sync/singleflight"
)

// ErrUnauthenticated is returned by Resolve for every request that does not
// carry a valid session for an active principal. Which check failed is
// logged, never returned.
var ErrUnauthenticated = errors.New("unauthenticated")

// loadTimeout bounds a shared store lookup; it outlives any single caller's context.
const loadTimeout = 5 * time.Second

// PrincipalResolver resolves the authenticated principal of a request.
// Satisfied by *Resolver; handlers receive the principal only through it.
type PrincipalResolver interface {
	// Resolve returns ErrUnauthenticated for any auth failure and a wrapped
	// error for infrastructure failures.
	Resolve(r *http.Request) (*store.User, error)
}

// Resolver is the cookie -> token -> principal pipeline.
// Loads go through Cache first; concurrent misses for one principal share a
// single store query. A load that overlaps Invalidate does not write back,
// so the cache never regains a row read before a change. The guard is
// per-process: a shared cache only sees other instances' changes after its TTL.
type Resolver struct {
	Store   PrincipalLoader
	Cache   PrincipalCache
	Tokens  *TokenCodec
	Cookies CookieTransport
	Metrics *Metrics
	// Now defaults to time.Now.
	Now func() time.Time

	group singleflight.Group

	// mu orders Invalidate against cache write-backs; gen counts invalidations.
	mu  sync.RWMutex
	gen uint64
}

// PrincipalLoader is the store subset the resolver needs.
type PrincipalLoader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*store.User, error)
}

// Resolve implements PrincipalResolver.
func (res *Resolver) Resolve(r *http.Request) (*store.User, error) {
	raw, ok := res.Cookies.Extract(r)
	if !ok {
		return nil, res.reject(r, "missing_cookie")
	}

	claims, reason := res.Tokens.verify(raw, res.now())
	if reason != "" {
		return nil, res.reject(r, reason)
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return nil, res.reject(r, "bad_subject")
	}

	user, err := res.load(r, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, res.reject(r, "unknown_principal")
		}
		return nil, fmt.Errorf("loading principal: %w", err)
	}

	if !user.IsActive {
		return nil, res.reject(r, "inactive")
	}
	// Tokens minted before the last password change are revoked.
	if claims.IssuedAt.Time.Before(user.SecretChangedAt.Truncate(time.Second)) {
		return nil, res.reject(r, "revoked")
	}
	return user, nil
}

// load reads the principal from the cache, falling back to the store.
// Each caller gets its own copy.
func (res *Resolver) load(r *http.Request, id uuid.UUID) (*store.User, error) {
	ctx := r.Context()
	if res.Cache != nil {
		cached, err := res.Cache.GetPrincipal(ctx, id)
		if err == nil {
			return cached.User(), nil
		}
		if !errors.Is(err, store.ErrCacheMiss) && !errors.Is(err, store.ErrCacheDisabled) {
			// Real cache failure; the store is the fallback but this warrants attention.
			logError(r, "principal cache lookup failed, falling back to store", "error", err)
		}
	}

	v, err, _ := res.group.Do(id.String(), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		res.mu.RLock()
		gen := res.gen
		res.mu.RUnlock()

		u, err := res.Store.FindByID(loadCtx, id)
		if err != nil {
			return nil, err
		}
		if res.Cache != nil {
			res.writeBack(loadCtx, r, gen, u)
		}
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	u := *v.(*store.User)
	return &u, nil
}

// writeBack caches u unless an invalidation ran since gen was read.
// Non-fatal on failure.
func (res *Resolver) writeBack(ctx context.Context, r *http.Request, gen uint64, u *store.User) {
	res.mu.RLock()
	defer res.mu.RUnlock()
	if res.gen != gen {
		return
	}
	if err := res.Cache.SetPrincipal(ctx, store.NewCachedPrincipal(u)); err != nil {
		logWarn(r, "failed to repopulate principal cache", "error", err)
	}
}

// Invalidate drops the cached principal for id after a change to its row.
// Loads already in flight neither write back nor serve later callers.
func (res *Resolver) Invalidate(ctx context.Context, id uuid.UUID) error {
	res.mu.Lock()
	defer res.mu.Unlock()
	res.gen++
	res.group.Forget(id.String())
	if res.Cache == nil {
		return nil
	}
	return res.Cache.DeletePrincipal(ctx, id)
}

func (res *Resolver) reject(r *http.Request, reason string) error {
	logWarn(r, "require auth failed", "reason", reason)
	res.Metrics.resolveFailed(reason)
	return ErrUnauthenticated
}

func (res *Resolver) now() time.Time {
	if res.Now != nil {
		return res.Now()
	}
	return time.Now()
}
