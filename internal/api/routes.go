package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func (s *Server) routes() {
	s.r = chi.NewRouter()

	s.r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.RealIP)
	s.r.Use(s.requestLogger)
	s.r.Use(middleware.Recoverer)

	s.r.Handle("/metrics", promhttp.Handler())

	s.r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Get("/health", s.handleHealth)
		r.Post("/sync", s.handleSync)
		r.Get("/status/{jobID}", s.handleStatus)
		r.Post("/status/{jobID}/cancel", s.handleCancel)
		r.Get("/progress/{contract}", s.handleProgress)

		r.Route("/contracts", func(r chi.Router) {
			r.Get("/", s.handleContractsList)
			r.Post("/", s.handleContractsRegister)

			r.Route("/{contract}", func(r chi.Router) {
				r.Get("/", s.handleContractGet)
				r.Get("/checkpoint", s.handleCheckpoint)
				r.Get("/events", s.handleEvents)
				r.Get("/balances", s.handleBalances)
				r.Get("/supply", s.handleSupply)
				r.Get("/gaps", s.handleGaps)
				r.Get("/duplicates", s.handleDuplicates)
				r.Post("/dedup", s.handleDedup)
				r.Post("/rebuild", s.handleRebuild)
				r.Get("/verify", s.handleVerify)
			})
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", r.RemoteAddr),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
