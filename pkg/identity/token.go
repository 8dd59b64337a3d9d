// Package identity derives the signed-in chatsync.Identity from the claims of
// an ID token. Signatures are verified by the backend on every request; the
// client only reads the claims.
package identity

import (
	"errors"
	"fmt"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"

	"chatsync/pkg/chatsync"
)

const (
	claimUserID  = "user_id"
	claimName    = "name"
	claimEmail   = "email"
	claimPicture = "picture"
)

// ErrMissingSubject is returned for tokens without a user id or subject.
var ErrMissingSubject = errors.New("identity: token has no subject")

// FromToken parses token without verifying its signature and maps its claims.
// The user id comes from the user_id claim and falls back to sub. A missing
// name falls back to the local part of the email address.
func FromToken(token string) (chatsync.Identity, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(strings.TrimSpace(token), gojwt.MapClaims{})
	if err != nil {
		return chatsync.Identity{}, fmt.Errorf("identity parse token: %w", err)
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return chatsync.Identity{}, fmt.Errorf("identity parse token: unexpected claims type %T", parsed.Claims)
	}

	identity := chatsync.Identity{
		UserID:      stringClaim(claims, claimUserID),
		DisplayName: stringClaim(claims, claimName),
		Email:       stringClaim(claims, claimEmail),
		PhotoURL:    stringClaim(claims, claimPicture),
	}
	if identity.UserID == "" {
		subject, _ := claims.GetSubject()
		identity.UserID = strings.TrimSpace(subject)
	}
	if identity.UserID == "" {
		return chatsync.Identity{}, ErrMissingSubject
	}
	if identity.DisplayName == "" {
		if local, _, found := strings.Cut(identity.Email, "@"); found {
			identity.DisplayName = local
		}
	}

	return identity, nil
}

func stringClaim(claims gojwt.MapClaims, name string) string {
	value, _ := claims[name].(string)
	return strings.TrimSpace(value)
}
