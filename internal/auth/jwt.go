package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Actor roles.
const (
	RoleOffice  = "office"
	RoleTeacher = "teacher"
	RoleParent  = "parent"
)

var (
	errSigningMethod = errors.New("unexpected signing method")
	errInvalidToken  = errors.New("invalid token")
	errIssuer        = errors.New("issuer mismatch")
)

// Claims represents the access token payload. Tokens are minted by the
// identity service; HomeroomID is set for homeroom teachers and StudentIDs
// lists a parent's linked children.
type Claims struct {
	Role       string   `json:"role"`
	SchoolID   string   `json:"school_id"`
	HomeroomID string   `json:"homeroom_id,omitempty"`
	StudentIDs []string `json:"student_ids,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs an access token for subject. It backs the dev token endpoint and tests.
func Issue(subject string, claims Claims, issuer, key string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	var claims Claims
	if err := parseInto(tokenStr, key, issuer, &claims); err != nil {
		return Claims{}, err
	}
	switch claims.Role {
	case RoleOffice, RoleTeacher, RoleParent:
	default:
		return Claims{}, errors.New("unknown role")
	}
	if claims.SchoolID == "" {
		return Claims{}, errors.New("school required")
	}
	return claims, nil
}

func parseInto(tokenStr, key, issuer string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errSigningMethod
		}
		return []byte(key), nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errInvalidToken
	}
	iss, err := claims.GetIssuer()
	if err != nil {
		return err
	}
	if issuer != "" && iss != issuer {
		return errIssuer
	}
	return nil
}
