package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and the operational HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := scheduler.New(env.Pipeline, env.Store, scheduler.Config{
			Schedule:   cfg.Schedule.Cron,
			RunTimeout: time.Duration(cfg.Schedule.RunTimeoutMins) * time.Minute,
		})
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
		}))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, sched.Status(r.Context()))
		})

		r.Get("/queue", func(w http.ResponseWriter, r *http.Request) {
			status, err := env.Queue.Status(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, status)
		})

		r.Get("/sources", func(w http.ResponseWriter, r *http.Request) {
			sources, err := env.Store.ListSources(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			health := make([]model.SourceHealth, 0, len(sources))
			for i := range sources {
				health = append(health, sources[i].Health())
			}
			writeJSON(w, http.StatusOK, health)
		})

		r.Get("/guidance", func(w http.ResponseWriter, r *http.Request) {
			items, err := env.Store.ListGuidance(r.Context(), 100)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, items)
		})

		r.Post("/run", func(w http.ResponseWriter, r *http.Request) {
			if !sched.TriggerRun(ctx) {
				writeJSON(w, http.StatusConflict, map[string]string{"error": "run already in progress"})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownGracefully(srv)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// shutdownGrace is how long in-flight requests get to finish once the
// stop signal arrives.
const shutdownGrace = 10 * time.Second

// shutdownGracefully drains the server on a fresh context: the signal
// context is already cancelled by the time shutdown starts, and passing
// it along would cut in-flight requests off immediately.
func shutdownGracefully(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("server shutdown", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	zap.L().Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
