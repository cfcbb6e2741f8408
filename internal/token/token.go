// Package token issues and redeems single-use capability tokens.
//
// A token is an HS256 JWT signed with a key specific to its kind, so a
// chat-entry token never verifies as a queue-skip token. Every token carries
// a fresh jti that is recorded in a Ledger; redemption deletes that entry,
// which makes each token usable exactly once. Expiry is enforced by the
// ledger rather than by the embedded exp claim.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind selects the signing key and ledger namespace of a token.
type Kind string

const (
	KindChatEntry Kind = "chat_entry"
	KindQueueSkip Kind = "queue_skip"
)

var (
	// ErrInvalidToken is returned for every redemption failure. Callers
	// cannot tell a forged token from a used or expired one.
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrIssueFailed means the token could not be signed or recorded and
	// must not be handed out.
	ErrIssueFailed = errors.New("token: issue failed")
)

// DefaultTTL is used when Config.TTL is zero.
const DefaultTTL = 120 * time.Second

// Payload is what a token lets its bearer resume without a database lookup.
type Payload struct {
	VisitorID     string `json:"visitorId"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	AgentUsername string `json:"agentUsername,omitempty"`

	// TokenID is the redeemed token's jti. Not part of the signed claims.
	TokenID string `json:"-"`
}

// Claims is the JWT body.
type Claims struct {
	Payload
	jwt.RegisteredClaims
}

// Issued is a freshly minted token.
type Issued struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// Recorder observes token outcomes. Implemented by the metrics package.
type Recorder interface {
	TokenIssued(kind string, ok bool)
	TokenRedeemed(kind string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) TokenIssued(string, bool)   {}
func (nopRecorder) TokenRedeemed(string, bool) {}

// Config holds the signing keys and lifetime.
type Config struct {
	ChatEntryKey []byte
	QueueSkipKey []byte
	TTL          time.Duration
	Recorder     Recorder
}

// Service mints and redeems tokens against a Ledger.
type Service struct {
	keys     map[Kind][]byte
	ttl      time.Duration
	ledger   Ledger
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewService validates cfg and returns a Service backed by ledger.
func NewService(cfg Config, ledger Ledger, logger *slog.Logger) (*Service, error) {
	if len(cfg.ChatEntryKey) == 0 || len(cfg.QueueSkipKey) == 0 {
		return nil, errors.New("token: both signing keys are required")
	}
	if string(cfg.ChatEntryKey) == string(cfg.QueueSkipKey) {
		return nil, errors.New("token: chat entry and queue skip keys must differ")
	}
	if ledger == nil {
		return nil, errors.New("token: ledger is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Service{
		keys: map[Kind][]byte{
			KindChatEntry: cfg.ChatEntryKey,
			KindQueueSkip: cfg.QueueSkipKey,
		},
		ttl:      ttl,
		ledger:   ledger,
		recorder: rec,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue signs p as a token of the given kind and records its ID in the
// ledger. Any failure yields ErrIssueFailed.
func (s *Service) Issue(ctx context.Context, kind Kind, p Payload) (Issued, error) {
	key, ok := s.keys[kind]
	if !ok {
		return Issued{}, fmt.Errorf("%w: unknown kind %q", ErrIssueFailed, kind)
	}

	now := s.now()
	exp := now.Add(s.ttl)
	id := uuid.NewString()
	p.TokenID = ""
	claims := Claims{
		Payload: p,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		s.recorder.TokenIssued(string(kind), false)
		return Issued{}, fmt.Errorf("%w: sign: %v", ErrIssueFailed, err)
	}
	if err := s.ledger.Add(ctx, kind, id, exp); err != nil {
		s.recorder.TokenIssued(string(kind), false)
		return Issued{}, fmt.Errorf("%w: %v", ErrIssueFailed, err)
	}

	s.recorder.TokenIssued(string(kind), true)
	return Issued{Token: signed, ID: id, ExpiresAt: exp}, nil
}

// Redeem verifies raw and consumes its ledger entry. It succeeds at most
// once per issued token.
func (s *Service) Redeem(ctx context.Context, kind Kind, raw string) (*Payload, error) {
	claims, err := s.parse(kind, raw)
	if err != nil {
		s.logger.Debug("token rejected", "kind", kind, "error", err)
		s.recorder.TokenRedeemed(string(kind), false)
		return nil, ErrInvalidToken
	}

	taken, err := s.ledger.Take(ctx, kind, claims.ID, s.now())
	if err != nil {
		s.logger.Warn("token ledger take failed", "kind", kind, "error", err)
		s.recorder.TokenRedeemed(string(kind), false)
		return nil, ErrInvalidToken
	}
	if !taken {
		s.recorder.TokenRedeemed(string(kind), false)
		return nil, ErrInvalidToken
	}

	s.recorder.TokenRedeemed(string(kind), true)
	p := claims.Payload
	p.TokenID = claims.ID
	return &p, nil
}

// Revoke removes an issued token's ledger entry so it can no longer be
// redeemed. Revoking an unknown or used token is not an error.
func (s *Service) Revoke(ctx context.Context, kind Kind, id string) error {
	if _, err := s.ledger.Take(ctx, kind, id, s.now()); err != nil {
		return fmt.Errorf("token: revoke: %w", err)
	}
	return nil
}

// Purge removes expired ledger entries.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	n, err := s.ledger.Purge(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("token: purge: %w", err)
	}
	return n, nil
}

func (s *Service) parse(kind Kind, raw string) (*Claims, error) {
	key, ok := s.keys[kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, errors.New("missing jti")
	}
	return claims, nil
}
