package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/josernestodavila/the-eye/internal/cache"
	"github.com/josernestodavila/the-eye/internal/repositories"
)

// ApplicationContextKey is the gin context key for the authenticated tenant.
const ApplicationContextKey = "application_id"

const tokenCacheTTL = 5 * time.Minute

// tokenCacheEntry is the cached result of an API token lookup.
type tokenCacheEntry struct {
	TokenID       uuid.UUID  `json:"token_id"`
	ApplicationID uuid.UUID  `json:"application_id"`
	Active        bool       `json:"active"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// TokenAuth validates bearer API tokens from the Authorization header and
// attaches the verified application identity to the request context. The
// ingestion core trusts that identity completely; it is what session ownership
// is checked against.
func TokenAuth(apps *repositories.ApplicationRepository, tokenCache *cache.RedisCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid Authorization header format. Expected: 'Bearer {token}'",
			})
			c.Abort()
			return
		}

		key := parts[1]

		entry, err := lookupToken(c.Request.Context(), apps, tokenCache, key)
		if err != nil {
			log.Warn().Err(err).Msg("Invalid API token")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid API token",
			})
			c.Abort()
			return
		}

		if entry.ExpiresAt != nil && entry.ExpiresAt.Before(time.Now()) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "API token expired",
			})
			c.Abort()
			return
		}

		if !entry.Active {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Application is inactive",
			})
			c.Abort()
			return
		}

		// Update last used in the background to keep the request path fast
		tokenID := entry.TokenID
		go func() {
			if err := apps.TouchToken(context.Background(), tokenID, time.Now()); err != nil {
				log.Debug().Err(err).Msg("Failed to update token last used timestamp")
			}
		}()

		c.Set(ApplicationContextKey, entry.ApplicationID)

		c.Next()
	}
}

// lookupToken resolves a token via the cache, falling back to the database.
// The database is authoritative; cache failures are ignored.
func lookupToken(ctx context.Context, apps *repositories.ApplicationRepository, tokenCache *cache.RedisCache, key string) (*tokenCacheEntry, error) {
	cacheKey := cache.GetTokenCacheKey(key)

	if tokenCache != nil {
		var cached tokenCacheEntry
		if err := tokenCache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	token, err := apps.GetTokenByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	entry := &tokenCacheEntry{
		TokenID:       token.ID,
		ApplicationID: token.ApplicationID,
		Active:        token.Application.Active,
		ExpiresAt:     token.ExpiresAt,
	}

	if tokenCache != nil {
		if err := tokenCache.Set(ctx, cacheKey, entry, tokenCacheTTL); err != nil {
			log.Debug().Err(err).Msg("Failed to cache token lookup")
		}
	}

	return entry, nil
}

// GetApplicationID retrieves the authenticated application from the context
func GetApplicationID(c *gin.Context) (uuid.UUID, error) {
	value, exists := c.Get(ApplicationContextKey)
	if !exists {
		return uuid.Nil, errors.New("application not found in context")
	}

	id, ok := value.(uuid.UUID)
	if !ok {
		return uuid.Nil, errors.New("application in context has incorrect type")
	}

	return id, nil
}
