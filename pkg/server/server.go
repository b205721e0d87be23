package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/osdi23p228/ledgerbridge/pkg/infra"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Backend is the ledger access the REST API is served from
type Backend interface {
	NewRequestContext(username, org string) infra.RequestContext
	RegisterUser(ctx context.Context, rc infra.RequestContext) (*infra.Identity, error)
	Invoke(ctx context.Context, rc infra.RequestContext, fn string, args infra.Arguments) (*infra.SubmissionReceipt, error)
	Query(ctx context.Context, rc infra.RequestContext, fn string, args infra.Arguments) ([]byte, error)
	Hub() *infra.Hub
}

type Server struct {
	backend  Backend
	gatherer prometheus.Gatherer
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func NewServer(backend Backend, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	return &Server{
		backend:  backend,
		gatherer: gatherer,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Router returns the REST API, the live connection endpoint and the
// operational endpoints
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUsername, HeaderOrgName},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", s.serveWS)
	r.Post("/users", Middleware(s.registerUser))

	r.Group(func(r chi.Router) {
		r.Use(requireIdentity)
		s.registerRoutes(r)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debugf("Served request %s", middleware.GetReqID(r.Context()))
	})
}

// Run serves the API on listen until ctx is done
func (s *Server) Run(ctx context.Context, listen string) error {
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Serving REST API on %s", listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "fail to serve on %s", listen)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Infof("Shutting down REST API")
	return httpServer.Shutdown(shutdownCtx)
}
