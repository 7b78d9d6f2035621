package app

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OpsServer — HTTP сервер /healthz и /metrics.
type OpsServer struct {
	srv *http.Server
	rt  *Runtime
}

// NewOpsServer создаёт сервер на порту http.port.
// /healthz отвечает 503, пока брокер недоступен.
func (rt *Runtime) NewOpsServer() *OpsServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := rt.Broker.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("broker unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &OpsServer{
		rt: rt,
		srv: &http.Server{
			Addr:              ":" + strconv.Itoa(rt.Config.HTTP.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler возвращает mux сервера.
func (s *OpsServer) Handler() http.Handler {
	return s.srv.Handler
}

// Start запускает сервер в фоне. Ошибка прослушивания вызывает onError.
func (s *OpsServer) Start(onError func(error)) {
	go func() {
		s.rt.Logger.Info("listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.rt.Logger.Error("http server error", "error", err)
			if onError != nil {
				onError(err)
			}
		}
	}()
}

// Shutdown останавливает сервер.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
