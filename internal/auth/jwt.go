// Package auth issues and validates the bearer tokens of the board gateway.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gosuda/boardsync/internal/domain"
)

const issuer = "boardsync"

// Claims holds the JWT token payload.
type Claims struct {
	jwt.RegisteredClaims
	UserID string      `json:"uid"`
	Role   domain.Role `json:"role"`
	// Board pins a student to one board; empty for teachers.
	Board domain.BoardID `json:"board,omitempty"`
}

// ErrInvalidToken is returned when a JWT cannot be parsed or has expired.
var ErrInvalidToken = errors.New("auth: invalid or expired token") //nolint:gochecknoglobals // sentinel error

// IsTeacher reports whether the token belongs to a teacher.
func (c *Claims) IsTeacher() bool {
	return c.Role == domain.RoleTeacher
}

// CanWrite reports whether the holder may edit board. Teachers edit every board; a
// student only the board pinned in the token, or any student board without a pin.
func (c *Claims) CanWrite(board domain.BoardID) bool {
	switch c.Role {
	case domain.RoleTeacher:
		return true
	case domain.RoleStudent:
		if c.Board != "" {
			return c.Board == board
		}
		return board.Role() == domain.RoleStudent
	default:
		return false
	}
}

// IssueToken creates a signed HS256 access token.
func IssueToken(secret string, userID uuid.UUID, role domain.Role, board domain.BoardID, ttl time.Duration) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("auth.IssueToken: role %q: %w", role, ErrInvalidToken)
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
		UserID: userID.String(),
		Role:   role,
		Board:  board,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.IssueToken: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates a JWT token string. Returns the embedded claims.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	if !token.Valid || !claims.Role.Valid() {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	return claims, nil
}
