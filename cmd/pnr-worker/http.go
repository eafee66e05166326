package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/RailKite/PNRWatch/internal/models"
	"github.com/RailKite/PNRWatch/internal/services/archiver"
	"github.com/RailKite/PNRWatch/internal/services/notifier"
	"github.com/RailKite/PNRWatch/internal/services/scheduler"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	sched *scheduler.Scheduler
	arch  *archiver.Archiver
	notif *notifier.Service
}

type configPatchRequest struct {
	Scheduler *scheduler.ConfigPatch `json:"scheduler,omitempty"`
	Archiver  *archiver.ConfigPatch  `json:"archiver,omitempty"`
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8081"
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"scheduler": opts.sched.Stats(),
		}
		if ns, err := opts.notif.Stats(r.Context()); err == nil {
			out["notifications"] = ns
		} else {
			out["notifications"] = map[string]string{"error": err.Error()}
		}
		if lr := opts.arch.LastRun(); lr != nil {
			out["archiving"] = lr
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"scheduler": opts.sched.Config(),
			"archiver":  opts.arch.Config(),
		})
	})

	r.Post("/config", func(w http.ResponseWriter, r *http.Request) {
		var req configPatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
			return
		}
		if req.Scheduler == nil && req.Archiver == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty config patch"})
			return
		}
		if req.Scheduler != nil {
			if _, err := opts.sched.UpdateConfig(*req.Scheduler); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
		}
		if req.Archiver != nil {
			opts.arch.UpdateConfig(*req.Archiver)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"scheduler": opts.sched.Config(),
			"archiver":  opts.arch.Config(),
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		run, err := opts.sched.TriggerManualCheck(r.Context())
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	r.Post("/archive/trigger", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, opts.arch.Run(r.Context()))
	})

	r.Get("/archive/preview", func(w http.ResponseWriter, r *http.Request) {
		eligible, err := opts.arch.PreviewEligible(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(eligible), "eligible": eligible})
	})

	r.Get("/notifications/failed", func(w http.ResponseWriter, r *http.Request) {
		failed, err := opts.notif.ListFailed(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(failed), "failed": failed})
	})

	r.Post("/notifications/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ok, err := opts.notif.RetryFailed(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "notification not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"retried": true, "id": id})
	})

	r.Post("/notifications/failed/clear", func(w http.ResponseWriter, r *http.Request) {
		n, err := opts.notif.ClearFailed(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
	})

	// Тестовое уведомление проходит весь цикл доставки как настоящее.
	r.Post("/notifications/test", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID string `json:"ownerId"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
			return
		}
		if req.OwnerID == "" {
			req.OwnerID = "system"
		}
		if req.Message == "" {
			req.Message = "test notification"
		}
		id, err := opts.notif.Enqueue(r.Context(), models.NotificationKindTest, req.OwnerID,
			map[string]string{"message": req.Message}, 0)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queued": true, "id": id})
	})

	// Swagger отдаём только если задан путь до файла.
	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv.Serve(lis)
}
