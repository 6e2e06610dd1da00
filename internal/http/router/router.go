package router

import (
	"github.com/gin-gonic/gin"

	"planloom.app/agent/internal/governor"
	"planloom.app/agent/internal/http/handler"
	"planloom.app/agent/internal/queue"
	"planloom.app/agent/internal/store"
)

func SetupRoutes(router *gin.Engine, st *store.Store, producer queue.Producer, gov *governor.Governor) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		messageHandler := handler.NewMessageHandler(st.Threads, producer)
		v1.POST("/threads/:id/messages", messageHandler.Post)

		runHandler := handler.NewRunHandler(st.Runs)
		v1.GET("/runs/:id", runHandler.Get)
		v1.POST("/runs/:id/cancel", runHandler.Cancel)

		budgetHandler := handler.NewBudgetHandler(gov)
		v1.GET("/users/:id/budget", budgetHandler.Get)
	}
}
