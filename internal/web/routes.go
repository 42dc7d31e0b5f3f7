package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/face-attendance/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	attendanceHandler := handlers.NewAttendanceHandler(
		s.deps.Processor, s.deps.Ledger, s.deps.Directory, s.config.ImageRoot, s.deps.Logger)

	s.router.Get("/", handlers.Index)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	// Path based compatibility route for existing kiosk clients.
	s.router.Post("/predict", attendanceHandler.Predict)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/attendance", attendanceHandler.Submit)
		r.Get("/attendance/{id}", attendanceHandler.GetRecord)
	})

	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
}
