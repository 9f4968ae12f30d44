// Package httpapi assembles the gin.Engine for the client-facing
// gateway endpoint and mounts the admin/query surface, mirroring the
// teacher's router package layout (router/api.go, router/relay.go)
// but with this system's own route set.
package httpapi

import (
	"net/http"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/laisky/llmgateway/internal/adminapi"
	"github.com/laisky/llmgateway/internal/gateway"
)

// Options configures the assembled engine.
type Options struct {
	Identity          IdentityHeaders
	IdentityAssertHdr string
	IdentityAssertKey []byte
	AdminSharedSecret string
	TraceServiceName  string
}

// New builds the gin.Engine serving both the client-facing proxy
// endpoint and the read-only admin surface.
func New(router *gateway.Router, admin *adminapi.Handler, opts Options) *gin.Engine {
	engine := gin.New()
	engine.Use(gmw.NewLoggerMiddleware())
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(opts.TraceServiceName))
	engine.Use(cors.Default())

	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	// /v1/chat/completions streams the upstream response straight through
	// (see gateway.Router.relay); gzip buffers the body and breaks
	// http.Flusher pass-through for text/event-stream, so it is kept off
	// this group entirely. The teacher only ever applies gzip to its
	// non-streaming dashboard/admin routes.
	v1 := engine.Group("/v1")
	v1.Use(RequireIdentity(opts.Identity))
	if opts.IdentityAssertHdr != "" {
		v1.Use(VerifyIdentityAssertion(opts.IdentityAssertHdr, opts.IdentityAssertKey))
	}
	v1.POST("/chat/completions", router.ProxyChat)

	adminGroup := engine.Group("/admin")
	adminGroup.Use(adminapi.RequireSharedSecret(opts.AdminSharedSecret))
	adminGroup.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		adminGroup.GET("/audit/:id", admin.GetAudit)
		adminGroup.GET("/consumers/:id/usage", admin.GetConsumerUsage)
		adminGroup.GET("/pricing", admin.ListPricing)
		adminGroup.GET("/verify/:id", admin.VerifyLog)
	}

	return engine
}
