package authkit

import (
	"net/http"
	"strings"
	"time"
)

// DefaultSessionCookieName is the cookie carrying the decimal session token.
const DefaultSessionCookieName = "mi-session-token"

// LoginFailedPath is appended to the app redirect URL when a login is refused.
const LoginFailedPath = "/login/failed"

// ServerConfig configures cookies, redirects and the session lifetime.
type ServerConfig struct {
	// AppRedirectURL is where browsers land after login (MI_AUTH_REDIRECT_URI).
	AppRedirectURL    string
	CookieDomain      string
	SessionCookieName string
	SessionTTL        time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}

func (configuration ServerConfig) cookieName() string {
	if strings.TrimSpace(configuration.SessionCookieName) == "" {
		return DefaultSessionCookieName
	}
	return configuration.SessionCookieName
}

// appURL joins a sanitized return path onto the app redirect URL.
func (configuration ServerConfig) appURL(returnTo string) string {
	if returnTo == "" {
		return configuration.AppRedirectURL
	}
	return strings.TrimRight(configuration.AppRedirectURL, "/") + returnTo
}

func (configuration ServerConfig) loginFailedURL(reason string) string {
	target := strings.TrimRight(configuration.AppRedirectURL, "/") + LoginFailedPath
	if reason == "" {
		return target
	}
	return target + "?reason=" + reason
}
