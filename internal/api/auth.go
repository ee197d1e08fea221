package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/go-classroom/internal/identity"
	"github.com/npezzotti/go-classroom/internal/types"
)

const tokenCookieKey = "token"

// tokenFromRequest reads the session token from the cookie set by the auth
// subsystem, falling back to a bearer token for non-browser clients.
func tokenFromRequest(r *http.Request) (string, bool) {
	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value, true
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return token, true
	}

	return "", false
}

func currentUser(r *http.Request) (types.User, bool) {
	return identity.UserFromContext(r.Context())
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *ClassroomApp) session(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r)
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

func (s *ClassroomApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}
