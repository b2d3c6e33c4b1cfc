package ipc

import (
	"crypto/subtle"
	stdliberrors "errors"
	"net"
	"net/http"
	"net/url"
	"strings"
)

var errUnauthorized = stdliberrors.New("unauthorized")

// corsMiddleware adds CORS headers based on allowed origins configuration.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowed, wildcard := s.isOriginAllowed(origin); allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				if !wildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds standard security headers to responses.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed checks if the provided origin is in the allowed origins list.
func (s *Server) isOriginAllowed(origin string) (allowed bool, wildcard bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return false, false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false, false
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := parsed.Host
	normalized := scheme + "://" + host

	wildcardPresent := false
	for _, allowedOrigin := range s.cfg.AllowedOrigins {
		allowedOrigin = strings.TrimSpace(allowedOrigin)
		if allowedOrigin == "" {
			continue
		}
		if allowedOrigin == "*" {
			wildcardPresent = true
			continue
		}
		if strings.EqualFold(allowedOrigin, origin) || strings.EqualFold(allowedOrigin, normalized) {
			return true, false
		}
		allowedURL, err := url.Parse(allowedOrigin)
		if err != nil || allowedURL.Scheme == "" || allowedURL.Host == "" {
			continue
		}
		if !strings.EqualFold(allowedURL.Scheme, scheme) {
			continue
		}
		if originHostsMatch(allowedURL.Host, host, scheme) {
			return true, false
		}
	}

	if wildcardPresent {
		return true, true
	}
	return false, false
}

// originHostsMatch compares host:port combinations. An allowed loopback
// host without a port matches any port.
func originHostsMatch(allowedHost, originHost, scheme string) bool {
	allowedName, allowedPort, allowedHasPort := splitHostPortLoose(allowedHost)
	originName, originPort, originHasPort := splitHostPortLoose(originHost)
	if allowedName == "" || originName == "" {
		return false
	}
	if !strings.EqualFold(allowedName, originName) {
		return false
	}

	originEffectivePort := originPort
	if !originHasPort {
		originEffectivePort = defaultPortForScheme(scheme)
	}

	if allowedHasPort {
		return allowedPort == originEffectivePort
	}

	if strings.EqualFold(allowedName, "localhost") {
		return true
	}
	if ip := net.ParseIP(allowedName); ip != nil && ip.IsLoopback() {
		return true
	}

	return originEffectivePort == defaultPortForScheme(scheme)
}

// splitHostPortLoose parses host:port without strict validation.
func splitHostPortLoose(hostport string) (host, port string, hasPort bool) {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return "", "", false
	}
	host, port, err := net.SplitHostPort(hostport)
	if err == nil {
		return host, port, true
	}
	if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
		return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]"), "", false
	}
	return hostport, "", false
}

func defaultPortForScheme(scheme string) string {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "https", "wss":
		return "443"
	default:
		return "80"
	}
}

// isWebSocketOriginAllowed checks if a WebSocket upgrade request has an allowed origin.
func (s *Server) isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err == nil && parsed.Host != "" && strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	allowed, _ := s.isOriginAllowed(origin)
	return allowed
}

// authMiddleware rejects requests that fail authorize.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.authorize(r); err != nil {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorize validates the bearer token. Query-string tokens are only
// honoured on loopback binds since they end up in proxy logs.
func (s *Server) authorize(r *http.Request) error {
	token, fromQuery := extractBearerToken(r)
	if fromQuery && !isLoopbackBindAddress(s.cfg.BindAddress) {
		token = ""
	}
	if token != "" {
		if s.cfg.AuthToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1 {
			return nil
		}
		return errUnauthorized
	}
	if s.cfg.RequireToken && !s.isUnauthenticatedEndpoint(r.URL.Path) {
		return errUnauthorized
	}
	return nil
}

// isUnauthenticatedEndpoint returns true for endpoints that don't require auth.
func (s *Server) isUnauthenticatedEndpoint(path string) bool {
	switch strings.TrimSpace(path) {
	case "/healthz":
		return true
	case "/metrics":
		return s.cfg.PublicMetrics
	default:
		return false
	}
}
