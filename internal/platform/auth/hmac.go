package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Headers carrying an operator signature.
const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Signature-Timestamp"
	NonceHeader     = "X-Signature-Nonce"
)

// OperatorAppID is the actor recorded for signed operator calls.
const OperatorAppID = "operator"

const (
	defaultClockSkew = 5 * time.Minute
	maxSignedBody    = 1 << 20
)

// NonceStore remembers nonces for ttl. UseNonce reports false when the nonce was already used.
type NonceStore interface {
	UseNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore keeps nonces in process. Replicas do not share it.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryNonceStore constructs an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), now: time.Now}
}

// UseNonce implements NonceStore.
func (s *MemoryNonceStore) UseNonce(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, errors.New("auth: nonce is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, until := range s.seen {
		if !until.After(now) {
			delete(s.seen, key)
		}
	}
	if _, used := s.seen[nonce]; used {
		return false, nil
	}
	s.seen[nonce] = now.Add(ttl)
	return true, nil
}

// RedisNonceStore shares used nonces between replicas.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNonceStore builds a store on client. Keys are written under prefix.
func NewRedisNonceStore(client redis.UniversalClient, prefix string) (*RedisNonceStore, error) {
	if client == nil {
		return nil, errors.New("auth: redis client is required")
	}
	if prefix == "" {
		prefix = "orders:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix}, nil
}

// UseNonce implements NonceStore.
func (s *RedisNonceStore) UseNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, errors.New("auth: nonce is required")
	}
	stored, err := s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("auth: store nonce: %w", err)
	}
	return stored, nil
}

// HMACValidator checks operator signatures over method, path, timestamp, nonce and body hash.
type HMACValidator struct {
	secret    []byte
	nonces    NonceStore
	clockSkew time.Duration
	logger    *zap.Logger
	metrics   MetricsRecorder
	now       func() time.Time
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACClockSkew bounds how far the signed timestamp may drift from now.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACLogger sets the logger.
func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		v.logger = nopIfNil(logger)
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a clock.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewHMACValidator builds a validator for the shared secret.
func NewHMACValidator(secret string, nonces NonceStore, opts ...HMACOption) (*HMACValidator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: hmac secret is required")
	}
	if nonces == nil {
		return nil, errors.New("auth: nonce store is required")
	}
	v := &HMACValidator{
		secret:    []byte(secret),
		nonces:    nonces,
		clockSkew: defaultClockSkew,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Sign returns the headers an operator attaches to a request. Used by tooling and tests.
func Sign(secret string, method, path string, body []byte, at time.Time, nonce string) http.Header {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	mac := computeHMAC([]byte(secret), canonicalString(method, path, timestamp, nonce, body))
	header := http.Header{}
	header.Set(SignatureHeader, hex.EncodeToString(mac))
	header.Set(TimestampHeader, timestamp)
	header.Set(NonceHeader, nonce)
	return header
}

// RequireHMAC rejects requests without a fresh valid signature.
func (v *HMACValidator) RequireHMAC() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			reason, status, err := v.verify(r)
			if err != nil {
				v.logger.Info("hmac verification failed", zap.String("reason", reason), zap.Error(err))
				record(r.Context(), v.metrics, KindHMAC, false, reason, start, v.now())
				deny(w, r, status, reason, "signature verification failed")
				return
			}
			record(r.Context(), v.metrics, KindHMAC, true, "ok", start, v.now())
			next.ServeHTTP(w, withCaller(r, OperatorAppID))
		})
	}
}

func (v *HMACValidator) verify(r *http.Request) (string, int, error) {
	signatureValue := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if signatureValue == "" {
		return "signature_missing", http.StatusUnauthorized, errors.New("signature header missing")
	}
	timestampValue := strings.TrimSpace(r.Header.Get(TimestampHeader))
	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return "timestamp_invalid", http.StatusUnauthorized, err
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return "timestamp_skew", http.StatusUnauthorized, fmt.Errorf("timestamp off by %s", skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(NonceHeader))
	if nonce == "" {
		return "nonce_missing", http.StatusUnauthorized, errors.New("nonce header missing")
	}
	body, err := readAndRestoreBody(r)
	if err != nil {
		return "body_unreadable", http.StatusBadRequest, err
	}
	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return "signature_invalid", http.StatusUnauthorized, err
	}
	expected := computeHMAC(v.secret, canonicalString(r.Method, r.URL.EscapedPath(), timestampValue, nonce, body))
	if !hmac.Equal(signature, expected) {
		return "signature_mismatch", http.StatusUnauthorized, errors.New("signature mismatch")
	}

	// A nonce only has to outlive the window in which its timestamp is accepted.
	fresh, err := v.nonces.UseNonce(r.Context(), nonce, 2*v.clockSkew)
	if err != nil {
		return "nonce_store_error", http.StatusServiceUnavailable, err
	}
	if !fresh {
		return "nonce_replay", http.StatusUnauthorized, errors.New("nonce already used")
	}
	return "", 0, nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxSignedBody {
		return nil, errors.New("body too large to verify")
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("timestamp header missing")
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp %q", value)
}

func canonicalString(method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
