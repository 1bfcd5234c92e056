package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lumen-bio/trialscope/internal/model"
	"github.com/lumen-bio/trialscope/internal/pipeline"
	"github.com/lumen-bio/trialscope/internal/storage"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e := buildEnv(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(e),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the API surface over the wired environment.
func newRouter(e *env) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, req *http.Request) { startRun(e, w, req) })
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			respondJSON(w, http.StatusOK, map[string]any{"runs": e.Registry.List()})
		})
		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			rec, ok := e.Registry.Get(chi.URLParam(req, "id"))
			if !ok {
				respondError(w, http.StatusNotFound, "run not found")
				return
			}
			respondJSON(w, http.StatusOK, rec)
		})
		r.Get("/{id}/files", func(w http.ResponseWriter, req *http.Request) { listRunFiles(e, w, req) })
	})

	r.Get("/files/*", func(w http.ResponseWriter, req *http.Request) { serveFile(e, w, req) })

	return r
}

// startRun validates the request, registers the run, and executes it in the
// background. The response carries the run ID for status polling.
func startRun(e *env, w http.ResponseWriter, req *http.Request) {
	var body struct {
		Condition     string `json:"condition"`
		MaxTrials     int    `json:"max_trials"`
		YearsBack     int    `json:"years_back"`
		IndustryOnly  *bool  `json:"industry_only"`
		UseRemote     *bool  `json:"use_remote"`
		SkipFinancial bool   `json:"skip_financial"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Condition) == "" {
		respondError(w, http.StatusBadRequest, "condition is required")
		return
	}

	params := model.RunParams{
		Condition:     strings.TrimSpace(body.Condition),
		MaxTrials:     body.MaxTrials,
		YearsBack:     body.YearsBack,
		IndustryOnly:  true,
		UseRemote:     cfg.Anthropic.Key != "",
		SkipFinancial: body.SkipFinancial,
	}
	if params.MaxTrials <= 0 {
		params.MaxTrials = cfg.Pipeline.MaxTrials
	}
	if params.YearsBack <= 0 {
		params.YearsBack = cfg.Pipeline.YearsBack
	}
	if body.IndustryOnly != nil {
		params.IndustryOnly = *body.IndustryOnly
	}
	if body.UseRemote != nil && !*body.UseRemote {
		params.UseRemote = false
	}

	runID := pipeline.NewRunID()
	if _, err := e.Registry.Create(runID, params); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The run outlives the request; status is polled via GET /api/runs/{id}.
	go func() {
		if _, err := e.Pipeline.Run(context.WithoutCancel(req.Context()), runID, params); err != nil {
			zap.L().Error("api run failed",
				zap.String("run_id", runID),
				zap.Error(err))
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(model.RunStatusRunning),
	})
}

// listRunFiles returns the artifacts of a run: the remote listing when
// storage holds them, local disk otherwise.
func listRunFiles(e *env, w http.ResponseWriter, req *http.Request) {
	runID := chi.URLParam(req, "id")
	if _, ok := e.Registry.Get(runID); !ok {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}

	files := e.Store.ListFiles(req.Context(), runID)
	source := "remote"
	if len(files) == 0 {
		files = localRunFiles(runID)
		source = "local"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"source": source,
		"files":  files,
	})
}

// localRunFiles walks the run's local output layout.
func localRunFiles(runID string) []storage.FileInfo {
	root := filepath.Join(cfg.Pipeline.OutputDir, runID)

	files := []storage.FileInfo{}
	for _, dir := range []string{pipeline.DataDir, pipeline.ResultsDir, pipeline.FiguresDir} {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			name := dir + "/" + entry.Name()
			files = append(files, storage.FileInfo{
				Name:     name,
				Size:     info.Size(),
				Modified: info.ModTime(),
				URL:      "/files/" + runID + "/" + name,
			})
		}
	}
	return files
}

type localFile struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	URL      string    `json:"url"`
}

// serveFile serves /files/{runID}/{dir}/{name} from local disk, redirecting
// to remote storage when the file only exists there.
func serveFile(e *env, w http.ResponseWriter, req *http.Request) {
	rel := chi.URLParam(req, "*")
	runID, rest, ok := strings.Cut(rel, "/")
	if !ok || strings.Contains(rel, "..") {
		respondError(w, http.StatusBadRequest, "invalid file path")
		return
	}

	localPath := filepath.Join(cfg.Pipeline.OutputDir, runID, filepath.FromSlash(rest))
	if info, err := os.Stat(localPath); err == nil && !info.IsDir() {
		http.ServeFile(w, req, localPath)
		return
	}

	if url, ok := e.Store.ResolveURL(req.Context(), runID, rest); ok {
		http.Redirect(w, req, url, http.StatusFound)
		return
	}

	respondError(w, http.StatusNotFound, "file not found")
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
