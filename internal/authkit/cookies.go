package authkit

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func writeSessionCookie(contextGin *gin.Context, configuration ServerConfig, sessionToken SessionToken) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.cookieName(),
		Value:    sessionToken.String(),
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   int(configuration.SessionTTL.Seconds()),
		Secure:   !configuration.AllowInsecureHTTP || isHTTPS(contextGin.Request),
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func sessionCookieValue(request *http.Request, configuration ServerConfig) string {
	cookie, cookieErr := request.Cookie(configuration.cookieName())
	if cookieErr != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
