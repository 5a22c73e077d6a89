// JWT guard for the admin API's mutating routes. This token only ever
// asserts "holder may administer this daemon"; the wire protocol has
// no authentication concept of its own; the admin control plane is the
// one place auth appears in this repo.
package admin

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("mtftpd/admin: invalid token")
	ErrExpiredToken = errors.New("mtftpd/admin: token expired")
)

// OperatorClaims identifies the operator account a token was issued to.
type OperatorClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// JWTManager issues and verifies operator bearer tokens with HS256.
type JWTManager struct {
	secret []byte
	expire time.Duration
	issuer string
}

// NewJWTManager constructs a JWTManager.
func NewJWTManager(secret string, expire time.Duration, issuer string) *JWTManager {
	return &JWTManager{secret: []byte(secret), expire: expire, issuer: issuer}
}

// GenerateToken issues a bearer token for subject (an operator account
// name), valid for the manager's configured expiry.
func (m *JWTManager) GenerateToken(subject string) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expire)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// VerifyToken implements admin.JWTVerifier.
func (m *JWTManager) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
