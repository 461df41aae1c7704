package ginhistory

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/gormhistory/history"
	"github.com/yungbote/gormhistory/logger"
)

// ContextUserKey is the gin context key the authentication middleware is
// expected to have populated with the authenticated user's id.
const ContextUserKey = "user_id"

// Extractor pulls the acting user out of a request. Return ok=false when
// the request is unauthenticated.
type Extractor func(c *gin.Context) (userID any, ok bool)

// Actor threads the authenticated user from the gin context into the
// request context, where the capture engine resolves it. Install it after
// authentication. The value lives and dies with the request context, so it
// cannot leak across requests.
func Actor(baseLog *logger.Logger) gin.HandlerFunc {
	return ActorWith(baseLog, func(c *gin.Context) (any, bool) {
		v, ok := c.Get(ContextUserKey)
		return v, ok && v != nil
	})
}

// ActorWith is Actor with a custom extractor, for apps that keep the
// authenticated principal elsewhere.
func ActorWith(baseLog *logger.Logger, extract Extractor) gin.HandlerFunc {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	log := baseLog.With("middleware", "HistoryActor")
	return func(c *gin.Context) {
		if userID, ok := extract(c); ok {
			ctx := history.WithActor(c.Request.Context(), userID)
			c.Request = c.Request.WithContext(ctx)
			log.Debug("acting user bound to request", "path", c.FullPath())
		}
		c.Next()
	}
}
