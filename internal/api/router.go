package api

import (
	"github.com/gin-gonic/gin"
	"github.com/voxwire/cdrhub/internal/api/handler"
	"github.com/voxwire/cdrhub/internal/api/middleware"
	"github.com/voxwire/cdrhub/internal/config"
	"gorm.io/gorm"
)

// Dependencies bundles everything the HTTP surface needs.
type Dependencies struct {
	DB       *gorm.DB
	Uploads  *handler.UploadHandler
	Statuses *handler.StatusHandler
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(cfg *config.ServerConfig, deps Dependencies) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	healthHandler := handler.NewHealthHandler(deps.DB)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Upload lifecycle
		v1.POST("/uploads", deps.Uploads.Initiate)
		v1.POST("/uploads/:id/complete", deps.Uploads.Complete)

		// Status polling
		v1.GET("/uploads/:id", deps.Statuses.Get)
		v1.GET("/uploads/:id/chunks", deps.Statuses.ListChunks)
		v1.GET("/uploads/:id/failures", deps.Statuses.ListFailures)
	}

	return r
}
