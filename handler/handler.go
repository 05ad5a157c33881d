package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"consult-sync/repository"
	"consult-sync/service"
)

type ServiceDependencies struct {
	Registry repository.ConsultationRegistry
	Sync     *service.SyncService
	Queue    *service.UploadQueue
}

func Register(r *gin.Engine, deps ServiceDependencies) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/consultations", func(c *gin.Context) {
		consultations, err := deps.Registry.GetAll(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, consultations)
	})

	r.GET("/consultations/:id", func(c *gin.Context) {
		consultation, err := deps.Registry.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, consultation)
	})

	r.GET("/progress", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Queue.Progress())
	})

	r.POST("/sync", func(c *gin.Context) {
		outcomes := deps.Sync.AutoSync(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
	})

	r.POST("/consultations/:id/discard", func(c *gin.Context) {
		sessionId := c.Param("id")
		if err := deps.Sync.Discard(c.Request.Context(), sessionId); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("session_id", sessionId).Msg("discard failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "discarded"})
	})
}
