package room

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IdentityIssuer mints and verifies the stable identity tokens clients may
// present at join so admin rights survive reconnects. The token is not
// authentication, just a signed pseudonymous id; verification failure
// degrades to an anonymous join.
type IdentityIssuer struct {
	secret []byte
	ttl    time.Duration
}

type identityClaims struct {
	GuestID string `json:"gid"`
	jwt.RegisteredClaims
}

func NewIdentityIssuer(secret string) *IdentityIssuer {
	return &IdentityIssuer{
		secret: []byte(secret),
		ttl:    30 * 24 * time.Hour,
	}
}

// Issue creates a fresh guest identity and its signed token.
func (i *IdentityIssuer) Issue() (token, guestID string, err error) {
	guestID = uuid.NewString()
	now := time.Now()
	claims := &identityClaims{
		GuestID: guestID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   guestID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", err
	}
	return token, guestID, nil
}

// Verify returns the guest id carried by a token, or an error for anything
// not signed by us.
func (i *IdentityIssuer) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &identityClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*identityClaims)
	if !ok || !parsed.Valid || claims.GuestID == "" {
		return "", errors.New("invalid identity token")
	}
	return claims.GuestID, nil
}
