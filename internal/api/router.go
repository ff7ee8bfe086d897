package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Kobia22/lanesParkin-sub001/internal/api/handler"
	"github.com/Kobia22/lanesParkin-sub001/internal/api/middleware"
	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
	"github.com/Kobia22/lanesParkin-sub001/internal/logging"
	"github.com/Kobia22/lanesParkin-sub001/internal/service"
)

func SetupRouter(bs *service.BookingService, authMw *middleware.AuthMiddleware,
	wsManager *handler.WebSocketManager, logger *zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(logging.GinMiddleware(logger))
	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wsHandler := handler.NewWebSocketHandler(wsManager)
	r.GET("/ws", authMw.Authenticate(), wsHandler.HandleWebSocket)

	v1 := r.Group("/api/v1")
	v1.Use(authMw.Authenticate())
	{
		lotH := handler.NewLotHandler(bs, logger)
		lotRoutes := v1.Group("/lots")
		{
			lotRoutes.POST("", authMw.RequireRole(domain.RoleAdmin), lotH.CreateLot)
			lotRoutes.GET("", lotH.ListLots)
			lotRoutes.GET("/:id", lotH.GetLot)
			lotRoutes.GET("/:id/spaces", lotH.ListSpaces)
		}

		spaceH := handler.NewSpaceHandler(bs, logger)
		spaceRoutes := v1.Group("/spaces")
		{
			spaceRoutes.GET("/:id", spaceH.GetSpace)
			spaceRoutes.PUT("/:id/status", authMw.RequireRole(domain.RoleAdmin), spaceH.OverrideStatus)
		}

		bookingH := handler.NewBookingHandler(bs, logger)
		staff := authMw.RequireRole(domain.RoleStaff, domain.RoleAdmin)
		bookingRoutes := v1.Group("/bookings")
		{
			bookingRoutes.POST("", authMw.RequireRole(domain.RoleStudent, domain.RoleGuest), bookingH.CreateBooking)
			bookingRoutes.GET("", staff, bookingH.BookingsByStatus)
			bookingRoutes.GET("/me", bookingH.MyBookings)
			bookingRoutes.GET("/:id", bookingH.GetBooking)
			bookingRoutes.GET("/:id/bill", bookingH.GetBill)
			bookingRoutes.POST("/:id/arrive", staff, bookingH.MarkOccupied)
			bookingRoutes.POST("/:id/complete", staff, bookingH.CompleteBooking)
			bookingRoutes.POST("/:id/cancel", bookingH.CancelBooking)
			bookingRoutes.POST("/:id/abandon", authMw.RequireRole(domain.RoleAdmin), bookingH.ForceAbandon)
		}

		adminRoutes := v1.Group("/admin")
		adminRoutes.Use(authMw.RequireRole(domain.RoleAdmin))
		{
			adminRoutes.POST("/sweep", bookingH.Sweep)
		}
	}
	return r
}
