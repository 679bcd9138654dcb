package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const qrIssuer = "dismissal-qr"

// TagClaims is the payload printed as a QR code on a family's car tag.
type TagClaims struct {
	SchoolID  string `json:"school_id"`
	CarNumber string `json:"car_number"`
	jwt.RegisteredClaims
}

// IssueTag signs a car tag token. Tags stay valid for ttl; zero means a school year.
func IssueTag(schoolID, carNumber, key string, ttl time.Duration) (string, error) {
	if schoolID == "" || carNumber == "" {
		return "", errors.New("school and car number required")
	}
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	now := time.Now()
	claims := TagClaims{
		SchoolID:  schoolID,
		CarNumber: carNumber,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    qrIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

// ParseTag validates a scanned tag.
func ParseTag(token, key string) (TagClaims, error) {
	var claims TagClaims
	if err := parseInto(token, key, qrIssuer, &claims); err != nil {
		return TagClaims{}, err
	}
	if claims.SchoolID == "" || claims.CarNumber == "" {
		return TagClaims{}, errInvalidToken
	}
	return claims, nil
}
