package httpapi

import (
	"crypto/hmac"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks the shared control token. An empty expected token disables the check.
func authorizeBearer(authHeader, expected string) *authError {
	if expected == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if !hmac.Equal([]byte(token), []byte(expected)) {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "invalid bearer token",
		}
	}
	return nil
}
