package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/dealroom-service/internal/api/http/handlers"
	"github.com/spec-kit/dealroom-service/internal/auth"
	"github.com/spec-kit/dealroom-service/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Messages       *handlers.MessagesHandler
	Requests       *handlers.RequestsHandler
	AuthMiddleware *auth.AuthMiddleware
	Registry       *prometheus.Registry
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))
	}

	tx := app.Group("/transactions/:txID", cfg.AuthMiddleware.Handle, auth.RequireRole(domain.RoleHandler, domain.RoleMember))

	tx.Get("/messages", cfg.Messages.ListMessages)
	tx.Post("/messages", cfg.Messages.SendMessage)
	tx.Delete("/messages/:id", cfg.Messages.DeleteMessage)
	tx.Post("/documents", cfg.Messages.UploadDocument)

	tx.Get("/requests", cfg.Requests.ListRequests)
	tx.Post("/requests", auth.RequireRole(domain.RoleHandler), cfg.Requests.CreateRequest)
	tx.Get("/requests/:id", cfg.Requests.GetRequest)
	tx.Patch("/requests/:id/status", auth.RequireRole(domain.RoleHandler), cfg.Requests.UpdateStatus)
	tx.Post("/requests/:id/documents", auth.RequireRole(domain.RoleMember), cfg.Requests.AttachDocument)
	tx.Delete("/requests/:id", auth.RequireRole(domain.RoleHandler), cfg.Requests.DeleteRequest)
}
