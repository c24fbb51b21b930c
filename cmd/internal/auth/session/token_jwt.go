package session

import (
	"errors"
	"time"

	"messenger/cmd/identity/ids"

	"github.com/golang-jwt/jwt/v5"
)

type jwtClaims struct {
	jwt.RegisteredClaims
	DeviceID  string `json:"did"`
	SessionID string `json:"sid"`
	Kind      string `json:"typ"`
}

type jwtCodec struct {
	issuer    string
	cfg       Config
	clockSkew time.Duration
	secret    []byte
}

// NewJWTCodec builds a TokenCodec issuing HS256 JWTs.
func NewJWTCodec(cfg Config) (TokenCodec, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, ErrConfig
	}
	return &jwtCodec{
		issuer:    cfg.Issuer,
		cfg:       cfg,
		clockSkew: cfg.ClockSkew,
		secret:    []byte(cfg.JWTSecret),
	}, nil
}

func (m *jwtCodec) Issue(kind TokenKind, sub Subject, now time.Time) (string, time.Time, error) {
	if !validKind(kind) || !validSubject(sub) {
		return "", time.Time{}, ErrInvalidToken
	}

	now = now.UTC().Truncate(time.Second)
	exp := now.Add(m.cfg.ttlFor(kind))

	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   sub.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.Make(),
		},
		DeviceID:  sub.DeviceID,
		SessionID: sub.SessionID,
		Kind:      string(kind),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (m *jwtCodec) Verify(kind TokenKind, token string, now time.Time) (Claims, error) {
	if token == "" || len(token) > 4096 {
		return Claims{}, ErrInvalidToken
	}

	var jc jwtClaims
	_, err := jwt.ParseWithClaims(token, &jc,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)

	// The signature is checked before claims in jwt/v5, so ErrTokenExpired implies
	// an authentic token. Any other claim failure keeps it invalid.
	expired := false
	if err != nil {
		if !errors.Is(err, jwt.ErrTokenExpired) ||
			errors.Is(err, jwt.ErrTokenSignatureInvalid) ||
			errors.Is(err, jwt.ErrTokenNotValidYet) ||
			errors.Is(err, jwt.ErrTokenMalformed) {
			return Claims{}, ErrInvalidToken
		}
		expired = true
	}

	if jc.Issuer != m.issuer || TokenKind(jc.Kind) != kind || jc.ExpiresAt == nil {
		return Claims{}, ErrInvalidToken
	}

	c := Claims{
		Subject: Subject{
			UserID:    jc.Subject,
			DeviceID:  jc.DeviceID,
			SessionID: jc.SessionID,
		},
		Kind:      kind,
		TokenID:   jc.ID,
		Issuer:    jc.Issuer,
		ExpiresAt: jc.ExpiresAt.Time,
	}
	if jc.IssuedAt != nil {
		c.IssuedAt = jc.IssuedAt.Time
	}
	if !validSubject(c.Subject) {
		return Claims{}, ErrInvalidToken
	}
	if expired {
		return c, ErrTokenExpired
	}
	return c, nil
}
