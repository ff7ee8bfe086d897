package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/identity"
)

const (
	AuthorizationHeaderKey  = "Authorization"
	AuthorizationTypeBearer = "Bearer"
	// TokenQueryKey carries the token for clients that cannot set headers, such as
	// browser WebSockets.
	TokenQueryKey = "token"
	IdentityKey   = "identity"
)

type AuthMiddleware struct {
	verifier *identity.Verifier
	log      zerolog.Logger
}

func NewAuthMiddleware(verifier *identity.Verifier, logger *zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, log: logger.With().Str("component", "auth").Logger()}
}

// Authenticate validates the bearer token and stores the caller's identity on both the
// gin context and the request context.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query(TokenQueryKey)
		if authHeader := c.GetHeader(AuthorizationHeaderKey); authHeader != "" {
			fields := strings.Fields(authHeader)
			if len(fields) < 2 || !strings.EqualFold(fields[0], AuthorizationTypeBearer) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
				return
			}
			token = fields[1]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		id, err := m.verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(IdentityKey, id)
		c.Request = c.Request.WithContext(identity.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// RequireRole lets the request through only for the given roles. Authenticate must run first.
func (m *AuthMiddleware) RequireRole(roles ...domain.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity.FromContext(c.Request.Context())
		if !ok {
			m.log.Warn().Str("path", c.FullPath()).Msg("no identity in context; is Authenticate installed?")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		for _, r := range roles {
			if id.Role == r {
				c.Next()
				return
			}
		}
		m.log.Debug().Str("user_id", id.UserID).Str("role", string(id.Role)).
			Interface("required", roles).Msg("role not permitted")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied for role " + string(id.Role)})
	}
}

// CurrentIdentity returns the identity Authenticate stored.
func CurrentIdentity(c *gin.Context) (domain.Identity, bool) {
	return identity.FromContext(c.Request.Context())
}
