package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	identitydomain "github.com/smallbiznis/payflow/internal/identity/domain"
	obscontext "github.com/smallbiznis/payflow/internal/observability/context"
	"github.com/smallbiznis/payflow/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	contextUserKey = "user"

	rateLimitEndpointPurchases = "purchases"
)

// AuthRequired resolves the bearer token into an active user.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		user, err := s.identitySvc.Authenticate(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextUserKey, user)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "user", user.ID))
		c.Next()
	}
}

func currentUser(c *gin.Context) (*identitydomain.User, bool) {
	value, ok := c.Get(contextUserKey)
	if !ok {
		return nil, false
	}
	user, ok := value.(*identitydomain.User)
	if !ok || user == nil || strings.TrimSpace(user.ID) == "" {
		return nil, false
	}
	return user, true
}

func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), user, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// PurchaseRateLimit throttles purchase creation per user. Limiter failures
// fail open; the purchase flow itself is the protected resource.
func (s *Server) PurchaseRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.purchaseLimiter == nil {
			c.Next()
			return
		}

		user, ok := currentUser(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		result, err := s.purchaseLimiter.AllowUser(ctx, user.ID)
		if err != nil {
			logger.FromContext(ctx).Warn("purchase rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if result == nil || result.Allowed {
			c.Next()
			return
		}

		logger.FromContext(ctx).Warn("purchase rate limit exceeded",
			zap.String("user_id", user.ID),
			zap.String("endpoint", rateLimitEndpointPurchases),
		)
		s.obsMetrics.RecordRateLimitDenied(ctx, rateLimitEndpointPurchases)

		retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		AbortWithError(c, ErrRateLimited)
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
