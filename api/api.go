package api

import (
	"github.com/gin-gonic/gin"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/api/middleware"
	"github.com/blnkfinance/settle/config"
)

type Api struct {
	settle *settle.Settle
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/transactions", a.CreateTransaction)
	router.GET("/transactions/:id", a.GetTransaction)
	router.GET("/transactions/:id/history", a.GetStatusHistory)
	router.POST("/transactions/:id/transitions", a.TransitionStatus)
	router.POST("/transactions/:id/verify-otp", a.VerifyOTP)
	router.POST("/transactions/:id/approve", a.ApproveTransaction)
	router.POST("/transactions/:id/settle", a.ProcessExternalSettlement)
	router.POST("/transactions/:id/internal-transfer", a.ProcessInternalTransfer)
	router.POST("/transactions/:id/cancel", a.CancelTransaction)

	router.GET("/transactions/:id/consistency", a.CheckConsistency)
	router.POST("/transactions/:id/consistency/repair", a.RepairDrift)

	router.GET("/providers/:provider/liquidity/:currency", a.GetProviderLiquidity)
	return a.router
}

func NewAPI(s *settle.Settle) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{settle: s, router: r}
}
