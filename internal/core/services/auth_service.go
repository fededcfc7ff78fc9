package services

import (
	"errors"
	"time"

	"callcore/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenScope restricts what a token may be used for.
type TokenScope string

const (
	ScopeSignaling TokenScope = "signaling"
	ScopeControl   TokenScope = "control"
	ScopeRelay     TokenScope = "relay"
)

type AuthService interface {
	GenerateToken(peerID domain.PeerID, scope TokenScope) (string, error)
	// GenerateRelayToken mints a room-bound token for one participant.
	GenerateRelayToken(callID domain.CallID, peerID domain.PeerID, roomURL string) (string, error)
	ValidateToken(tokenString string, scope TokenScope) (*Claims, error)
}

type Claims struct {
	PeerID domain.PeerID `json:"peer_id"`
	Scope  TokenScope    `json:"scope"`
	CallID domain.CallID `json:"call_id,omitempty"`
	Room   string        `json:"room,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	issuer    string
	now       func() time.Time
}

func NewAuthService(jwtSecret string, tokenTTL time.Duration, issuer string) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		issuer:    issuer,
		now:       time.Now,
	}
}

func (s *authService) sign(claims *Claims) (string, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   string(claims.PeerID),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) GenerateToken(peerID domain.PeerID, scope TokenScope) (string, error) {
	if peerID == "" {
		return "", ErrUnauthorized
	}
	return s.sign(&Claims{PeerID: peerID, Scope: scope})
}

func (s *authService) GenerateRelayToken(callID domain.CallID, peerID domain.PeerID, roomURL string) (string, error) {
	if peerID == "" || callID == "" {
		return "", ErrUnauthorized
	}
	return s.sign(&Claims{PeerID: peerID, Scope: ScopeRelay, CallID: callID, Room: roomURL})
}

func (s *authService) ValidateToken(tokenString string, scope TokenScope) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.PeerID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Scope != scope {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
