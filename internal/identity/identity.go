// Package identity resolves the caller of each gateway request: an optional
// bearer credential from a signed session token, plus a stable anonymous
// guest id carried in a long-lived cookie.
package identity

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// GuestCookieName is the cookie holding the anonymous identifier.
	GuestCookieName = "guest_id"

	// guestCookieMaxAge keeps the anonymous id stable for five years; the
	// cookie is re-set on each first contact so the window renews.
	guestCookieMaxAge = 5 * 365 * 24 * time.Hour
)

// Identity is the per-request result of resolution. Token is empty for
// anonymous callers. GuestID is always set.
type Identity struct {
	Token   string
	Subject string
	GuestID string
}

// Authenticated reports whether a verified session token was present.
func (id Identity) Authenticated() bool {
	return id.Token != ""
}

// Owner returns the key the backend scopes data by: the authenticated
// subject when available, the guest id otherwise.
func (id Identity) Owner() string {
	if id.Subject != "" {
		return id.Subject
	}
	return id.GuestID
}

type Resolver struct {
	secret []byte
}

func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// Resolve determines the caller's identity for one request. Token
// verification is best-effort: a missing, malformed, or badly signed token
// downgrades the caller to anonymous rather than rejecting the request.
// If no guest cookie existed, a fresh id is generated and set on w.
func (rs *Resolver) Resolve(w http.ResponseWriter, r *http.Request) Identity {
	id := Identity{}

	if token, subject, ok := rs.verifyBearer(r); ok {
		id.Token = token
		id.Subject = subject
	}

	if c, err := r.Cookie(GuestCookieName); err == nil && c.Value != "" {
		// Stability invariant: reuse the issued id verbatim so the backend
		// sees the same guest across requests.
		id.GuestID = c.Value
		return id
	}

	id.GuestID = uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     GuestCookieName,
		Value:    id.GuestID,
		Path:     "/",
		MaxAge:   int(guestCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(guestCookieMaxAge),
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// verifyBearer extracts and verifies an HS256 session token from the
// Authorization header. Returns the raw token and its subject claim.
func (rs *Resolver) verifyBearer(r *http.Request) (string, string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "", false
	}
	tokenStr := parts[1]

	if len(rs.secret) == 0 {
		return "", "", false
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return rs.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", false
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		subject, _ = claims["email"].(string)
	}
	if subject == "" {
		return "", "", false
	}

	return tokenStr, subject, true
}
