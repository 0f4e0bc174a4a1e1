package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrJWKSKeyNotFound is returned when the key ID is absent from the key set.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport and decoding failures while refreshing keys.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	defaultJWKSValidity   = 15 * time.Minute
	defaultJWKSTimeout    = 5 * time.Second
	minUnknownKidInterval = 30 * time.Second
	maxJWKSBody           = 1 << 20
)

// keySet is one immutable download of the JWKS document.
type keySet struct {
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time
	expiresAt time.Time
}

func (s *keySet) fresh(now time.Time) bool {
	return s != nil && now.Before(s.expiresAt)
}

func (s *keySet) lookup(kid string) (any, error) {
	if s != nil {
		if jwk, ok := s.keys[kid]; ok {
			return jwk.Key, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

// JWKSCache fetches signing keys and keeps them for the lifetime advertised by Cache-Control.
// Concurrent refreshes collapse into one request.
type JWKSCache struct {
	endpoint string
	http     *http.Client
	log      *zap.Logger
	clock    func() time.Time

	current atomic.Pointer[keySet]
	flight  singleflight.Group
}

// JWKSOption customises JWKSCache.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient overrides the HTTP client.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.http = client
		}
	}
}

func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) { c.log = nopIfNil(logger) }
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.clock = now
		}
	}
}

// NewJWKSCache constructs a cache for endpoint. Nothing is fetched until the first lookup.
func NewJWKSCache(endpoint string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		endpoint: endpoint,
		http:     &http.Client{Timeout: defaultJWKSTimeout},
		log:      zap.NewNop(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Key resolves the public key for kid. An unknown kid triggers a refresh at most every
// thirty seconds so rotated keys are picked up without hammering the endpoint.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.clock()
	set := c.current.Load()
	if set.fresh(now) {
		key, err := set.lookup(kid)
		if err == nil || now.Sub(set.fetchedAt) < minUnknownKidInterval {
			return key, err
		}
	}
	set, err := c.reload(ctx)
	if err != nil {
		return nil, err
	}
	return set.lookup(kid)
}

func (c *JWKSCache) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if kid, ok := t.Header["kid"].(string); ok && kid != "" {
			return c.Key(ctx, kid)
		}
		return nil, errors.New("auth: token has no kid header")
	}
}

func (c *JWKSCache) reload(ctx context.Context) (*keySet, error) {
	v, err, _ := c.flight.Do(c.endpoint, func() (any, error) {
		set, err := c.download(ctx)
		if err != nil {
			return nil, err
		}
		c.current.Store(set)
		c.log.Debug("jwks refreshed", zap.Int("keys", len(set.keys)), zap.Time("expires_at", set.expiresAt))
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySet), nil
}

func (c *JWKSCache) download(ctx context.Context) (*keySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, errors.Join(ErrJWKSFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Join(ErrJWKSFetchFailed, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s answered %s", ErrJWKSFetchFailed, c.endpoint, res.Status)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(res.Body, maxJWKSBody)).Decode(&doc); err != nil {
		return nil, errors.Join(ErrJWKSFetchFailed, err)
	}
	set := &keySet{keys: map[string]jose.JSONWebKey{}, fetchedAt: c.clock()}
	for _, jwk := range doc.Keys {
		if jwk.KeyID == "" || !jwk.IsPublic() || !jwk.Valid() {
			continue
		}
		set.keys[jwk.KeyID] = jwk
	}
	if len(set.keys) == 0 {
		return nil, fmt.Errorf("%w: no usable public keys", ErrJWKSFetchFailed)
	}
	ttl := parseMaxAge(res.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSValidity
	}
	set.expiresAt = set.fetchedAt.Add(ttl)
	return set, nil
}

// parseMaxAge returns the max-age directive of a Cache-Control header, or 0.
func parseMaxAge(header string) time.Duration {
	for directive := range strings.SplitSeq(header, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
		if !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// OIDCPolicy names the claims a scheduler token must carry.
type OIDCPolicy struct {
	Audience string
	Issuers  []string
	// AllowedEmails restricts callers to these service accounts. Empty admits any verified email.
	AllowedEmails []string
}

// OIDCValidator verifies Google-signed RS256 identity tokens.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger sets the logger.
func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		v.logger = nopIfNil(logger)
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(metrics MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = metrics
	}
}

// WithOIDCClock injects a clock used for expiry checks and latency.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator constructs a validator backed by cache.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) (*OIDCValidator, error) {
	if cache == nil {
		return nil, errors.New("auth: jwks cache is required")
	}
	v := &OIDCValidator{cache: cache, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// RequireOIDC rejects requests without a bearer token satisfying policy. The verified email
// becomes the app actor.
func (v *OIDCValidator) RequireOIDC(policy OIDCPolicy) Middleware {
	audience := strings.TrimSpace(policy.Audience)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			caller, reason, status, err := v.verify(r, audience, policy)
			if err != nil {
				v.logger.Info("oidc verification failed", zap.String("reason", reason), zap.Error(err))
				record(r.Context(), v.metrics, KindOIDC, false, reason, start, v.now())
				deny(w, r, status, "invalid_token", "identity token verification failed")
				return
			}
			record(r.Context(), v.metrics, KindOIDC, true, "ok", start, v.now())
			next.ServeHTTP(w, withCaller(r, caller))
		})
	}
}

func (v *OIDCValidator) verify(r *http.Request, audience string, policy OIDCPolicy) (string, string, int, error) {
	if audience == "" {
		return "", "audience_not_configured", http.StatusServiceUnavailable, errors.New("audience not configured")
	}
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return "", "token_missing", http.StatusUnauthorized, errors.New("bearer token missing")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithoutClaimsValidation())
	if _, err := parser.ParseWithClaims(token, claims, v.cache.keyfunc(r.Context())); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return "", "jwks_unavailable", http.StatusServiceUnavailable, err
		}
		return "", "token_invalid", http.StatusUnauthorized, err
	}
	now := v.now()
	if !claims.VerifyExpiresAt(now.Unix(), true) || !claims.VerifyIssuedAt(now.Add(time.Minute).Unix(), false) {
		return "", "token_expired", http.StatusUnauthorized, errors.New("token outside validity window")
	}
	if !claims.VerifyAudience(audience, true) {
		return "", "audience_mismatch", http.StatusUnauthorized, fmt.Errorf("audience does not include %q", audience)
	}
	issuer, _ := claims["iss"].(string)
	if len(policy.Issuers) > 0 && !slices.Contains(policy.Issuers, issuer) {
		return "", "issuer_mismatch", http.StatusUnauthorized, fmt.Errorf("issuer %q not allowed", issuer)
	}

	email, _ := claims["email"].(string)
	verified, _ := claims["email_verified"].(bool)
	if len(policy.AllowedEmails) > 0 && (!verified || !slices.Contains(policy.AllowedEmails, email)) {
		return "", "caller_not_allowed", http.StatusForbidden, fmt.Errorf("caller %q not allowed", email)
	}
	if email == "" {
		subject, _ := claims["sub"].(string)
		return subject, "", 0, nil
	}
	return email, "", 0, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
