package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/propagation"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
	"github.com/kosherhub/kosherhub/pkg/auth"
	"github.com/kosherhub/kosherhub/pkg/metrics"
	"github.com/kosherhub/kosherhub/pkg/observability"
)

// Cookie names for the browser transport.
const (
	CookieAccessToken  = "access_token"
	CookieRefreshToken = "refresh_token"
	CookieCSRF         = "_csrf_token"
)

// CSRFHeader is the request header that must echo the CSRF cookie.
const CSRFHeader = "X-CSRF-Token"

// contextClaimsKey is where AuthRequired stores the verified claims.
const contextClaimsKey = "auth_claims"

// RequestLogger logs every request through the structured logger. Server
// errors log at error level, client errors at warn.
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := map[string]interface{}{
			"status":      status,
			"method":      c.Request.Method,
			"path":        path,
			"ip":          c.ClientIP(),
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000.0,
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http request", fields)
		case status >= http.StatusBadRequest:
			logger.Warn("http request", fields)
		default:
			logger.Info("http request", fields)
		}
	}
}

// ObserveRequests feeds request latency and status into the rolling
// metrics aggregator.
func ObserveRequests(agg *metrics.Aggregator) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		agg.ObserveRequest(time.Since(start), c.Writer.Status())
	}
}

// TraceRequests opens a span per request, continuing any trace context
// carried in the incoming headers. Handlers and the services below them
// parent their spans from the request context.
func TraceRequests() gin.HandlerFunc {
	propagator := propagation.TraceContext{}
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := observability.StartSpan(ctx, c.Request.Method+" "+path)
		defer span.End()

		span.SetAttribute("http.method", c.Request.Method)
		span.SetAttribute("http.path", path)
		span.SetAttribute("http.client_ip", c.ClientIP())
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		span.SetAttribute("http.status_code", c.Writer.Status())
		if len(c.Errors) > 0 {
			for _, ginErr := range c.Errors {
				span.RecordError(ginErr.Err)
			}
			span.SetStatus(2, c.Errors.Last().Error())
		} else {
			span.SetStatus(1, "")
		}
	}
}

// CORSMiddleware answers preflight requests and stamps the allow
// headers. An empty origin list allows any origin without credentials;
// an explicit list echoes matching origins and allows credentialed
// (cookie) requests.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		origin := c.GetHeader("Origin")
		if origin != "" {
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			}
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, X-Requested-With")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// CSRFGuard enforces the double-submit pattern for cookie-borne
// credentials: a mutating request that authenticates through cookies
// must echo the _csrf_token cookie in the X-CSRF-Token header. Bearer
// clients and requests without credential cookies are exempt.
func CSRFGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
			c.Next()
			return
		}
		if !hasCredentialCookie(c) {
			c.Next()
			return
		}

		cookie, err := c.Cookie(CookieCSRF)
		header := c.GetHeader(CSRFHeader)
		if err != nil || cookie == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
			abortError(c, apperrors.Authorization("csrf token missing or mismatched"))
			return
		}
		c.Next()
	}
}

func hasCredentialCookie(c *gin.Context) bool {
	if _, err := c.Cookie(CookieAccessToken); err == nil {
		return true
	}
	if _, err := c.Cookie(CookieRefreshToken); err == nil {
		return true
	}
	return false
}

// AuthRequired extracts the access token from the Authorization header
// or the access_token cookie, verifies it (signature, claims,
// blacklist), and injects the claims into the request context.
func AuthRequired(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			if v, err := c.Cookie(CookieAccessToken); err == nil {
				token = v
			}
		}
		if token == "" {
			abortError(c, apperrors.Authentication("missing credentials"))
			return
		}

		claims, err := svc.VerifyAccessToken(c.Request.Context(), token)
		if err != nil {
			abortError(c, err)
			return
		}
		c.Set(contextClaimsKey, claims)
		c.Next()
	}
}

// RequireRole rejects callers below the given role's level.
func RequireRole(role string) gin.HandlerFunc {
	level := auth.RoleLevel(role)
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			abortError(c, apperrors.Authentication("missing credentials"))
			return
		}
		if auth.HighestLevel(claims.Roles) < level {
			abortError(c, apperrors.Authorization("insufficient role"))
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the claims AuthRequired stored on the context.
func ClaimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(contextClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}
