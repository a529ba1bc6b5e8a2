package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

// Only access tokens reach this service. Refresh tokens stay with the
// identity service that minted them.
const TokenTypeAccess TokenType = "access"

// Claims are the only supported JWT claims shape for this service.
// Wallet ownership is always the token's UserID, never a request parameter.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
