package main

import (
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/radif/fileservice/docs/swagger"
	"github.com/radif/fileservice/internal/config"
	"github.com/radif/fileservice/internal/files"
	appMiddleware "github.com/radif/fileservice/internal/middleware"
	"github.com/radif/fileservice/internal/response"
)

// generatedMediaRoot is the media path baked into the generated API docs.
const generatedMediaRoot = "/files/media/"

var swaggerTemplate = swagger.SwaggerInfo.SwaggerTemplate

// documentMediaRoot points the generated API docs at the configured media root.
func documentMediaRoot(mediaRoot string) {
	root := "/" + strings.Trim(mediaRoot, "/") + "/"
	swagger.SwaggerInfo.SwaggerTemplate = strings.ReplaceAll(swaggerTemplate, generatedMediaRoot, root)
}

func newRouter(cfg *config.Config, handler *files.Handler, logger *log.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger(logger))
	r.Use(appMiddleware.Metrics)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Range", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition", "Content-Length", "Content-Range"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	// Swagger UI, served at http://localhost:8080/swagger/ outside production
	if !cfg.IsProduction() {
		documentMediaRoot(cfg.MediaRoot)
		r.Get("/swagger/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
		))
	}

	handler.Register(r, cfg.MediaRoot, cfg.ReturnFilesLocally)
	return r
}
