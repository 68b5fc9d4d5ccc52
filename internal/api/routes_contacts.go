package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/internal/handlers"
	"github.com/nestaid/nestaid-server/internal/middleware"
)

func registerContactRoutes(api *gin.RouterGroup, svcs *Services) {
	contactHandler := handlers.NewContactHandler(svcs.Contacts)
	syncHandler := handlers.NewSyncHandler(svcs.Sync)

	// Bulk ingestion paths share a tighter budget than single-record writes.
	writeLimit := middleware.ScopedRateLimit("contact_write", 200, 15*time.Minute)
	bulkLimit := middleware.ScopedRateLimit("contact_bulk", 10, time.Hour)

	contacts := api.Group("/contacts")
	{
		contacts.GET("", contactHandler.List)
		contacts.POST("", writeLimit, contactHandler.Create)
		contacts.GET("/export", contactHandler.ExportCSV)
		contacts.POST("/bulk", bulkLimit, contactHandler.BulkCreate)
		contacts.POST("/import", bulkLimit, contactHandler.ImportCSV)
		contacts.GET("/batches", contactHandler.ListBatches)
		contacts.GET("/batches/:id", contactHandler.GetBatch)
		contacts.POST("/sync", bulkLimit, syncHandler.Sync)
		contacts.GET("/sync/sessions", syncHandler.ListSessions)
		contacts.GET("/sync/sessions/:id", syncHandler.GetSession)
		contacts.GET("/:id", contactHandler.Get)
		contacts.PATCH("/:id", writeLimit, contactHandler.Update)
		contacts.DELETE("/:id", contactHandler.Delete)
	}
}
