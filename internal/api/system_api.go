package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
	"github.com/kosherhub/kosherhub/pkg/auth"
	"github.com/kosherhub/kosherhub/pkg/database"
)

// handleHealth is the liveness probe: the process is up and serving.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// handleDetailedHealth reports every wired subsystem. The response is
// 503 when the database or Redis is down so load balancers can eject
// the instance.
func (s *Server) handleDetailedHealth(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	body := gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	}

	if s.deps.DBHealth != nil {
		summary := s.deps.DBHealth.Summary()
		body["database"] = summary
		if summary.Status == database.StatusUnhealthy || summary.Status == database.StatusCritical {
			status = http.StatusServiceUnavailable
		}
	} else if s.deps.DB != nil {
		record := s.deps.DB.HealthCheck(ctx)
		body["database"] = record
		if record.Status == database.StatusUnhealthy || record.Status == database.StatusCritical {
			status = http.StatusServiceUnavailable
		}
	}

	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx); err != nil {
			body["redis"] = gin.H{"status": "unhealthy", "error": err.Error()}
			status = http.StatusServiceUnavailable
		} else {
			body["redis"] = gin.H{"status": "healthy", "pool": s.deps.Redis.PoolStats()}
		}
	}

	if s.deps.Cache != nil {
		body["cache"] = s.deps.Cache.Metrics()
	}
	if s.deps.Aggregator != nil {
		body["metrics"] = s.deps.Aggregator.Snapshot()
	}

	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// handleJWKS publishes the RSA public keys for token verification by
// other services. Under the HS256 fallback there is nothing safe to
// publish.
func (s *Server) handleJWKS(c *gin.Context) {
	if s.deps.Auth == nil {
		respondError(c, apperrors.ServiceUnavailable("authentication is not configured"))
		return
	}
	set, ok := s.deps.Auth.JWKS()
	if !ok {
		respondError(c, apperrors.NotFound("no public keys published"))
		return
	}
	c.Header("Cache-Control", auth.JWKSCacheControl)
	c.JSON(http.StatusOK, set)
}
