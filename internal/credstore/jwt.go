package credstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// jwtClaims is the subset of OpenAI JWT claims we read. Signatures are
// never validated; the token only needs to be introspected, not trusted.
type jwtClaims struct {
	Exp   int64  `json:"exp"`
	Email string `json:"email"`

	Auth *openaiAuthClaim `json:"https://api.openai.com/auth"`
}

type openaiAuthClaim struct {
	AccountID string `json:"chatgpt_account_id"`
	UserID    string `json:"chatgpt_user_id"`
	PlanType  string `json:"chatgpt_plan_type"`
}

func parseJWTClaims(token string) (*jwtClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWT: expected 3 parts, got %d", len(parts))
	}

	payload, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode JWT payload: %w", err)
	}

	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("parse JWT claims: %w", err)
	}
	return &claims, nil
}

// base64URLDecode decodes base64url with the padding JWTs omit.
func base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}
