package ops

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/humtech/bookingbot/internal/telemetry"
)

// SetupRouter configures and returns the gin router with all operator
// routes mounted.
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "bookingbot-ops",
		})
	})

	r.GET("/metrics", gin.WrapH(telemetry.Handler()))

	h := NewHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.GET("", h.ListJobs)
			jobs.GET("/:job_id", h.GetJob)
			jobs.POST("/:job_id/force-fail", h.ForceFail)
			jobs.POST("/:job_id/requeue", h.RequeueJob)
		}

		v1.POST("/queue/reclaim-stale", h.ReclaimStale)

		v1.GET("/conversations/:conversation_id", h.GetConversation)
	}

	return r
}
