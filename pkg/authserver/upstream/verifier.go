// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/thv-authserver/pkg/authserver/registry"
	"github.com/stacklok/thv-authserver/pkg/logger"
)

var (
	// ErrKeySetUnavailable indicates the trusted issuer's key set could not be fetched.
	ErrKeySetUnavailable = errors.New("remote key set unavailable")

	// ErrSubjectTokenInvalid indicates the subject token failed verification.
	ErrSubjectTokenInvalid = errors.New("subject token is invalid")
)

// DefaultFetchTimeout bounds discovery and the first fetch of a key set.
const DefaultFetchTimeout = 5 * time.Second

// DefaultCertsPath is appended to the issuer when no key set location is configured.
const DefaultCertsPath = "/certs"

var validMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}

// Verifier verifies subject tokens against the key sets of trusted issuers.
type Verifier struct {
	httpClient   *http.Client
	cache        *jwk.Cache
	fetchTimeout time.Duration
	leeway       time.Duration
	now          func() time.Time

	group       singleflight.Group
	discoveryMu sync.RWMutex
	discovered  map[string]string
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithFetchTimeout sets the timeout for discovery and initial key set fetches.
func WithFetchTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		v.fetchTimeout = d
	}
}

// WithLeeway allows for clock skew when checking exp, nbf and iat.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) {
		v.leeway = d
	}
}

// WithClock sets the clock used for time based claim checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a Verifier fetching key sets with httpClient.
// The key set cache lives until ctx is cancelled.
func NewVerifier(ctx context.Context, httpClient *http.Client, opts ...Option) (*Verifier, error) {
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}

	// In jwx v3, NewCache requires an httprc.Client
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	v := &Verifier{
		httpClient:   httpClient,
		cache:        cache,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		discovered:   map[string]string{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// PeekIssuer reads the iss claim of a JWT without verifying it.
// The result only selects which trust relationship to verify against.
func PeekIssuer(rawToken string) (string, error) {
	token, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubjectTokenInvalid, err)
	}
	iss, err := token.Claims.GetIssuer()
	if err != nil || iss == "" {
		return "", fmt.Errorf("%w: missing iss claim", ErrSubjectTokenInvalid)
	}
	return iss, nil
}

// Verify checks the signature, issuer and expiry of rawToken against grant and
// returns its claims. When grant.Audience is set the token's aud must contain it.
func (v *Verifier) Verify(ctx context.Context, rawToken string, grant registry.TokenExchangeGrant) (map[string]any, error) {
	ctx, span := otel.Tracer("github.com/stacklok/thv-authserver/pkg/authserver/upstream").
		Start(ctx, "upstream.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.subject_issuer", grant.Issuer))

	claims, err := v.verify(ctx, rawToken, grant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subject token verification failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, rawToken string, grant registry.TokenExchangeGrant) (map[string]any, error) {
	jwksURL, err := v.jwksURL(ctx, grant)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(grant.Issuer),
		jwt.WithValidMethods(validMethods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if grant.Audience != "" {
		opts = append(opts, jwt.WithAudience(grant.Audience))
	} else {
		logger.Debugw("subject token audience not checked", "issuer", grant.Issuer)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.NewParser(opts...).ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.lookupKey(ctx, jwksURL, kid)
	})
	if err != nil {
		if errors.Is(err, ErrKeySetUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSubjectTokenInvalid, err)
	}
	return claims, nil
}

// jwksURL resolves where the issuer's keys are published.
func (v *Verifier) jwksURL(ctx context.Context, grant registry.TokenExchangeGrant) (string, error) {
	switch {
	case grant.JWKSURL != "":
		return grant.JWKSURL, nil
	case grant.Discovery:
		return v.discover(ctx, grant.Issuer)
	default:
		return strings.TrimSuffix(grant.Issuer, "/") + DefaultCertsPath, nil
	}
}

// discover reads jwks_uri from the issuer's OpenID configuration. Successful
// results are remembered for the lifetime of the Verifier.
func (v *Verifier) discover(ctx context.Context, issuer string) (string, error) {
	v.discoveryMu.RLock()
	u, ok := v.discovered[issuer]
	v.discoveryMu.RUnlock()
	if ok {
		return u, nil
	}

	res, err, _ := v.group.Do("discover:"+issuer, func() (any, error) {
		discoveryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.fetchTimeout)
		defer cancel()

		provider, err := oidc.NewProvider(oidc.ClientContext(discoveryCtx, v.httpClient), issuer)
		if err != nil {
			return "", fmt.Errorf("%w: discovery for %s failed: %w", ErrKeySetUnavailable, issuer, err)
		}
		var meta struct {
			JWKSURL string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err != nil || meta.JWKSURL == "" {
			return "", fmt.Errorf("%w: discovery document for %s has no jwks_uri", ErrKeySetUnavailable, issuer)
		}

		v.discoveryMu.Lock()
		v.discovered[issuer] = meta.JWKSURL
		v.discoveryMu.Unlock()
		logger.Debugw("discovered trusted issuer key set", "issuer", issuer, "jwks_uri", meta.JWKSURL)
		return meta.JWKSURL, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// lookupKey returns the raw public key for kid, refreshing the key set once when
// kid is unknown so keys rotated in at the issuer are picked up.
func (v *Verifier) lookupKey(ctx context.Context, jwksURL, kid string) (any, error) {
	if kid == "" {
		return nil, errors.New("token header missing kid")
	}

	set, err := v.keySet(ctx, jwksURL)
	if err != nil {
		return nil, err
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		set, err = v.cache.Refresh(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeySetUnavailable, err)
		}
		if key, found = set.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// keySet registers jwksURL with the cache on first use. A failed registration is
// undone so the next request fetches again.
func (v *Verifier) keySet(ctx context.Context, jwksURL string) (jwk.Set, error) {
	if !v.cache.IsRegistered(ctx, jwksURL) {
		_, err, _ := v.group.Do("register:"+jwksURL, func() (any, error) {
			if v.cache.IsRegistered(ctx, jwksURL) {
				return nil, nil
			}
			registrationCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.fetchTimeout)
			defer cancel()

			if err := v.cache.Register(registrationCtx, jwksURL); err != nil {
				if uerr := v.cache.Unregister(context.WithoutCancel(ctx), jwksURL); uerr != nil {
					logger.Debugw("failed to unregister key set", "jwks_uri", jwksURL, "error", uerr)
				}
				return nil, err
			}
			return nil, nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeySetUnavailable, err)
		}
	}

	set, err := v.cache.Lookup(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeySetUnavailable, err)
	}
	return set, nil
}
