// Package api exposes the pipelines over HTTP.
//
// Endpoints (all but /healthz and /metrics require X-API-Key when a key is
// configured):
//
//	GET    /uploads/tasks               list scheduled uploads
//	POST   /uploads/tasks               schedule an upload
//	PUT    /uploads/tasks/{name}        replace a scheduled upload
//	DELETE /uploads/tasks/{name}        unschedule an upload
//	POST   /uploads                     upload a file or folder now
//	POST   /uploads/db                  queue pending database archives
//	GET    /uploads/status              last upload status
//	PUT    /uploads/network             set the Wi-Fi only constraint
//	GET    /queues                      queue and history depths, scheduled actions
//	GET    /queues/{queue}/{list}       inspect a history list
//	DELETE /queues/{queue}/{list}       purge a history list
//	GET    /sensors                     probes, collections and schedules
//	POST   /sensors                     start collecting a probe
//	PUT    /sensors/{sensor}            change a collection period
//	DELETE /sensors/{sensor}            stop collecting a probe
//	PUT    /sensors/schedules/{action}  enable or disable maintenance
//	PUT    /sensors/privacy             hide sensitive probe data
//	POST   /sensors/export              export readings as CSV now
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/guido-cesarano/pipelined/pkg/manager"
	"github.com/guido-cesarano/pipelined/pkg/pipeline"
	"github.com/guido-cesarano/pipelined/pkg/queue"
	"github.com/guido-cesarano/pipelined/pkg/upload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App holds the dependencies of the handlers. Journal, Limiter and Schedules
// are optional.
type App struct {
	Uploads   *pipeline.UploadPipeline
	Sensors   *pipeline.SensorPipeline
	Queues    *upload.Service
	Journal   *queue.Journal
	Limiter   *queue.Limiter
	Schedules manager.Lister
	APIKey    string
}

// authMiddleware enforces API key authentication. An empty key allows every
// request (dev mode).
func authMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-API-Key") != requiredKey {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter builds the HTTP handler. CORS runs before auth so preflight
// requests are answered without a key. Upload requests are rate limited per
// client address, taken from X-Forwarded-For or X-Real-IP when present.
func NewRouter(app *App) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "X-API-Key"},
	}))

	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(app.APIKey))

		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", app.uploadNow)
			r.Post("/db", app.uploadDB)
			r.Get("/status", app.uploadStatus)
			r.Put("/network", app.setNetwork)

			r.Get("/tasks", app.listUploadTasks)
			r.Post("/tasks", app.addUploadTask)
			r.Put("/tasks/{name}", app.updateUploadTask)
			r.Delete("/tasks/{name}", app.removeUploadTask)
		})

		r.Get("/queues", app.queueDepths)
		r.Get("/queues/{queue}/{list}", app.inspectHistory)
		r.Delete("/queues/{queue}/{list}", app.purgeHistory)

		r.Route("/sensors", func(r chi.Router) {
			r.Get("/", app.listSensors)
			r.Post("/", app.addSensor)
			r.Put("/privacy", app.setPrivacy)
			r.Post("/export", app.export)
			r.Put("/schedules/{action}", app.setSchedule)
			r.Put("/{sensor}", app.updateSensor)
			r.Delete("/{sensor}", app.removeSensor)
		})
	})
	return r
}
