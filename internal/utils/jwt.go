package utils

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "paygate"

type operatorClaims struct {
	OperatorID string `json:"operator_id"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 operator token valid for ttl.
func GenerateToken(secret string, operatorID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &operatorClaims{
		OperatorID: operatorID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   operatorID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates an operator token and returns the operator id.
func ParseToken(secret, tokenString string) (uuid.UUID, error) {
	claims := &operatorClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return uuid.Nil, err
	}
	if claims.OperatorID != claims.Subject {
		return uuid.Nil, jwt.ErrTokenInvalidClaims
	}
	return uuid.Parse(claims.OperatorID)
}
