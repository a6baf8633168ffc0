package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"oidcbroker/revocation"
)

// DefaultTTL is the application token lifetime when none is configured.
const DefaultTTL = 30 * time.Minute

var (
	// ErrInvalidToken covers malformed tokens, bad signatures and failed claim checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrRevokedToken is returned for tokens that verify but whose session has ended.
	ErrRevokedToken = errors.New("token revoked")
)

// Signer is the key material the service signs and verifies with.
type Signer interface {
	Sign(claims jwt.Claims) (string, error)
	Keyfunc(token *jwt.Token) (any, error)
}

// Config holds the registered claim values stamped into every token.
type Config struct {
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Minted is the result of a successful mint.
type Minted struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// Service mints and verifies application tokens.
type Service struct {
	cfg    Config
	signer Signer
	index  revocation.Index
	clock  clockwork.Clock
	logger *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithClock sets the clock used for iat/exp and expiry checks.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService constructs a token service.
func NewService(cfg Config, signer Signer, index revocation.Index, opts ...Option) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	s := &Service{
		cfg:    cfg,
		signer: signer,
		index:  index,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.cfg.TTL }

// Mint signs a token for id. When id carries an upstream session id the new jti is
// linked to it before the token is returned, so a token is never handed out that a
// back-channel logout could not reach.
func (s *Service) Mint(ctx context.Context, id Identity) (Minted, error) {
	if id.Subject == "" {
		return Minted{}, errors.New("mint: subject required")
	}
	now := s.clock.Now()
	jti := uuid.NewString()
	iat := jwt.NewNumericDate(now)
	exp := jwt.NewNumericDate(now.Add(s.cfg.TTL))

	claims := id.mapClaims()
	claims["iss"] = s.cfg.Issuer
	claims["aud"] = s.cfg.Audience
	claims["sub"] = id.Subject
	claims["jti"] = jti
	claims["iat"] = iat
	claims["exp"] = exp

	signed, err := s.signer.Sign(claims)
	if err != nil {
		return Minted{}, fmt.Errorf("sign token: %w", err)
	}
	if err := s.index.Link(ctx, id.SessionID, jti, exp.Time); err != nil {
		return Minted{}, fmt.Errorf("link session: %w", err)
	}
	s.logger.Debug("token minted", "sub", id.Subject, "jti", jti, "sid_linked", id.SessionID != "")
	return Minted{Token: signed, JTI: jti, ExpiresAt: exp.Time}, nil
}

// Verify checks signature, issuer, audience and expiry, then consults the
// revocation index. Index failures are returned as-is so callers fail closed.
func (s *Service) Verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	mc := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, mc, s.signer.Keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, err := claimsFromMap(mc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}

	revoked, err := s.index.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("revocation check: %w", err)
	}
	if revoked {
		return claims, fmt.Errorf("%w: jti %s", ErrRevokedToken, claims.ID)
	}
	return claims, nil
}

// DecodeUnverified parses claims without checking the signature. The result must
// never drive an authorization decision.
func (s *Service) DecodeUnverified(raw string) (*Claims, error) {
	return DecodeUnverified(raw)
}

// DecodeUnverified parses claims without checking the signature.
func DecodeUnverified(raw string) (*Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, mc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claimsFromMap(mc)
}

// claimsFromMap round-trips through JSON into the typed view and keeps the raw map.
func claimsFromMap(mc jwt.MapClaims) (*Claims, error) {
	payload, err := json.Marshal(mc)
	if err != nil {
		return nil, err
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	raw := make(map[string]any, len(mc))
	for k, v := range mc {
		raw[k] = v
	}
	c.Raw = raw
	return &c, nil
}
