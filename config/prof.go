package config

import (
	"context"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gogf/greuse"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func PrintMemUsage(logger *log.Entry) {
	bToMb := func(b uint64) uint64 {
		return b / 1024 / 1024
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	// For info on each, see: https://golang.org/pkg/runtime/#MemStats
	logger.WithField("prof", true).Debugf("Alloc = %v MiB\tTotalAlloc = %v MiB\tSys = %v MiB\tGoroutines = %v\tNumGC = %v",
		bToMb(m.Alloc),
		bToMb(m.TotalAlloc),
		bToMb(m.Sys),
		runtime.NumGoroutine(),
		m.NumGC)
}

func NewProfRouter(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.Handle("/debug/pprof/{name}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pprof.Handler(chi.URLParam(r, "name")).ServeHTTP(w, r)
	}))
	return r
}

// StartProfServer serves health, metrics and pprof on host until ctx is
// done, logging memory usage every minute meanwhile.
func StartProfServer(ctx context.Context, host string, metrics http.Handler, logger *log.Entry) error {
	listener, err := greuse.Listen("tcp", host)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", host)
	}
	srv := &http.Server{Handler: NewProfRouter(metrics)}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(shutCtx)
				cancel()
				return
			case <-ticker.C:
				PrintMemUsage(logger)
			}
		}
	}()

	go func() {
		logger.Infof("Serving metrics and pprof on %s", listener.Addr())
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("prof server stopped")
		}
	}()
	return nil
}
