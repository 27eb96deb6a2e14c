package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/flickchat/internal/conversation"
	"github.com/npezzotti/flickchat/internal/types"
)

const (
	tokenCookieKey = "token"

	subClaim     = "sub"
	nameClaim    = "name"
	pictureClaim = "picture"
	expClaim     = "exp"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the signed-in user as asserted by the identity provider.
type Identity struct {
	Uid     string
	Name    string
	Picture string
}

// User returns the identity as a message sender.
func (id Identity) User() types.User {
	return types.User{
		Uid:      id.Uid,
		Username: id.Name,
		PhotoURL: id.Picture,
	}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func CurrentIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// tokenFromRequest reads a bearer token, falling back to the token cookie.
func tokenFromRequest(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			return "", fmt.Errorf("malformed authorization header")
		}
		return token, nil
	}

	cookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return "", fmt.Errorf("get cookie: %w", err)
	}

	return cookie.Value, nil
}

func (s *FlickChatApp) identityFromToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("invalid token claims")
	}

	uid, _ := claims[subClaim].(string)
	if err := conversation.ValidateUid(uid); err != nil {
		return Identity{}, fmt.Errorf("invalid subject claim: %w", err)
	}

	name, _ := claims[nameClaim].(string)
	picture, _ := claims[pictureClaim].(string)

	return Identity{Uid: uid, Name: name, Picture: picture}, nil
}

// NewIdentityToken signs an identity the way the identity provider does.
func NewIdentityToken(signingKey []byte, id Identity, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subClaim:     id.Uid,
		nameClaim:    id.Name,
		pictureClaim: id.Picture,
		expClaim:     time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}
