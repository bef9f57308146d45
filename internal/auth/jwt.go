package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

// maxJWTLen bounds the token before any parsing happens.
const maxJWTLen = 8 * 1024

// JWTVerifier accepts HS256 tokens carrying exp and a non-empty sub. The
// subject is the only user id the token may register.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v JWTVerifier) Verify(token string) (Principal, error) {
	if token == "" || len(token) > maxJWTLen || len(v.secret) == 0 {
		return Principal{}, ErrInvalidCredentials
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnsupportedJWT
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if parsed != nil && parsed.Method != nil && parsed.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return Principal{}, ErrUnsupportedJWT
		}
		return Principal{}, ErrInvalidCredentials
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Subject: claims.Subject}, nil
}
