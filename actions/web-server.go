package actions

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/orchestrator"
)

// RunController is the part of an orchestrator exposed over HTTP.
type RunController interface {
	Status() orchestrator.Status
	Stop()
}

func newRouter(log logger.Logger, run RunController) *mux.Router {
	r := mux.NewRouter()
	r.Path("/health").Methods(http.MethodGet).HandlerFunc(GetHandlerHealth(log))
	r.Path("/status").Methods(http.MethodGet).HandlerFunc(GetHandlerStatus(log, run))
	r.Path("/stop").Methods(http.MethodPost).HandlerFunc(GetHandlerStop(log, run))
	return r
}

// runServer starts a web server on addr to monitor and stop the run.
// The returned func shuts the server down.
func runServer(log logger.Logger, addr string, run RunController) func() {
	srv := &http.Server{ // Good practice to set timeouts to avoid Slowloris attacks.
		Addr:         addr,
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      newRouter(log, run),
	}
	// Run HTTP server non-blocking.
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if err == http.ErrServerClosed {
				log.Info(err)
			} else {
				log.Error("control server failed: ", err)
			}
		}
	}()
	log.Info("Listening on http://", addr)
	return func() {
		log.Info("Shutting down web server...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("error shutting down web server: ", err)
		}
	}
}
