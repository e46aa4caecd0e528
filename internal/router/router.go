package router

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/habitlevel/internal/handler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置 Gin 引擎和路由
func SetupRouter(api *handler.API, sessionSecret string) *gin.Engine {
	r := gin.Default()

	// 配置会话中间件
	store := cookie.NewStore([]byte(sessionSecret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, MaxAge: 7 * 24 * 3600})
	r.Use(sessions.Sessions("habitlevel_session", store))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "pong",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/timezones", handler.ListTimezones)

		apiGroup.POST("/users", api.CreateUser)
		apiGroup.GET("/users/:id", api.GetUser)
		apiGroup.GET("/users/:id/stats", api.GetUserStats)
		apiGroup.PUT("/users/:id/timezone", api.UpdateUserTimezone)

		apiGroup.GET("/habits", api.ListHabits)
		apiGroup.GET("/habits/:id", api.GetHabit)
		apiGroup.POST("/habits", api.CreateHabit)
		apiGroup.PUT("/habits/:id", api.UpdateHabit)
		apiGroup.DELETE("/habits/:id", api.DeleteHabit)

		apiGroup.POST("/completions/increment", api.IncrementCompletion)
		apiGroup.POST("/completions/decrement", api.DecrementCompletion)
		apiGroup.GET("/completions/today", api.TodayCompletions)
	}

	// 后台管理路由
	admin := r.Group("/admin")
	{
		admin.POST("/login", api.Login)
		admin.POST("/logout", handler.Logout)

		// 需要认证的后台路由
		auth := admin.Group("/api")
		auth.Use(handler.AuthRequired())
		{
			auth.POST("/reset", api.TriggerReset)
			auth.POST("/reset/:userId", api.TriggerResetForUser)
			auth.GET("/reset-status", api.ResetStatus)
		}
	}

	return r
}
