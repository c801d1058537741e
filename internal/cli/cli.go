// Package cli builds the runnerd command tree: the serve command that runs
// the worker, and the hidden re-exec entry point for the sandbox child.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hexbase/runnerd/internal/config"
	"github.com/hexbase/runnerd/internal/embedding"
	"github.com/hexbase/runnerd/internal/handler"
	"github.com/hexbase/runnerd/internal/indexer"
	"github.com/hexbase/runnerd/internal/jobstore"
	"github.com/hexbase/runnerd/internal/metrics"
	"github.com/hexbase/runnerd/internal/objectstore"
	"github.com/hexbase/runnerd/internal/retrieval"
	"github.com/hexbase/runnerd/internal/sandbox"
	"github.com/hexbase/runnerd/internal/server"
	"github.com/hexbase/runnerd/internal/splitter"
	"github.com/hexbase/runnerd/internal/vectorstore"
	"github.com/hexbase/runnerd/internal/workspace"
)

var configFile string

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "runnerd",
		Short:   "runnerd: async code execution and code-search worker",
		Long:    "runnerd executes sandboxed user code from a task queue and serves RAG indexing and retrieval for workspaces.",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildChildCommand())
	return rootCmd
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the worker HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

// buildChildCommand is the sandbox child entry point. It is re-executed by
// the runner, never invoked by operators.
func buildChildCommand() *cobra.Command {
	return &cobra.Command{
		Use:    sandbox.ChildCommand + " <spec-json>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := sandbox.ChildMain(args[0]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(sandbox.SetupExitCode)
			}
		},
	}
}

func serve() error {
	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := context.Background()
	collector := metrics.NewCollector()
	h := buildHandler(ctx, cfg, collector)

	go func() {
		log.WithField("port", cfg.Server.MetricsPort).Info("Metrics server listening")
		if err := collector.StartServer(cfg.Server.MetricsPort); err != nil {
			log.WithError(err).Error("Metrics server stopped")
		}
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.New(h),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).Info("Worker server listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	// In-flight tasks get a grace period to reach their terminal write.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildHandler initializes the backends. The job store is mandatory: without
// it the worker cannot ack safely, so the server starts with a nil handler
// and answers 503 until restarted. Optional backends (RAG) degrade to 503 on
// their own endpoints only.
func buildHandler(ctx context.Context, cfg *config.Config, collector *metrics.Collector) *handler.Handler {
	if cfg.Firestore.ProjectID == "" {
		log.Error("GCP_PROJECT_ID not configured, task endpoints disabled")
		return nil
	}
	fsClient, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
	if err != nil {
		log.WithError(err).Error("Failed to init Firestore client, task endpoints disabled")
		return nil
	}

	limits := sandbox.Limits{
		CPUTimeSec:    cfg.Execution.Limits.CPUTimeSec,
		MemoryMB:      cfg.Execution.Limits.MemoryMB,
		MaxProcesses:  cfg.Execution.Limits.MaxProcesses,
		MaxFileSizeMB: cfg.Execution.Limits.MaxFileSizeMB,
	}

	h := &handler.Handler{
		Jobs:             jobstore.NewFirestoreStore(fsClient, cfg.Firestore.Collection),
		Runner:           sandbox.NewRunner(cfg.Execution.Interpreter, limits),
		Metrics:          collector,
		DirectTimeout:    cfg.Execution.DirectTimeout,
		WorkspaceTimeout: cfg.Execution.WorkspaceTimeout,
		TaskDeadline:     cfg.Execution.TaskDeadline,
	}

	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Warn("Object store unavailable, workspace execution will fail jobs")
	} else {
		h.Workspaces = workspace.NewMaterializer(objects)
	}

	gemini := buildGemini(ctx, cfg)
	vectors := buildVectorStore(cfg)

	if objects != nil && gemini != nil && vectors != nil {
		h.Index = &indexer.Service{
			Objects:  objects,
			Bucket:   cfg.R2.Bucket,
			Splitter: splitter.New(cfg.Splitter.ChunkSize, cfg.Splitter.ChunkOverlap),
			Embedder: gemini,
			Vectors:  vectors,
			Dim:      cfg.Models.EmbeddingDim,
			Metrics:  collector,
		}
	} else {
		log.Warn("Indexing backend not fully configured, /index_workspace disabled")
	}

	if gemini != nil && vectors != nil {
		core := &retrieval.Core{
			Vectors:  vectors,
			Embedder: gemini,
			LLM:      gemini,
			TopK:     cfg.Models.TopK,
			Metrics:  collector,
		}
		if cfg.Models.CohereAPIKey != "" {
			core.Reranker = retrieval.NewCohereReranker(cfg.Models.CohereAPIKey, cfg.Models.RerankModel)
		} else {
			log.Warn("Cohere API key not set, serving unreranked results")
		}
		h.Search = core
	} else {
		log.Warn("Retrieval backend not fully configured, /search disabled")
	}

	return h
}

func buildObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Client, error) {
	if cfg.R2.AccountID == "" || cfg.R2.AccessKeyID == "" || cfg.R2.SecretAccessKey == "" {
		return nil, errors.New("R2 credentials not configured")
	}
	return objectstore.NewR2Client(ctx, cfg.R2.AccountID, cfg.R2.AccessKeyID, cfg.R2.SecretAccessKey)
}

func buildGemini(ctx context.Context, cfg *config.Config) *embedding.Gemini {
	if cfg.Models.GoogleAPIKey == "" {
		log.Warn("Google API key not set")
		return nil
	}
	g, err := embedding.NewGemini(ctx, cfg.Models.GoogleAPIKey, cfg.Models.LLMModel, cfg.Models.EmbeddingModel)
	if err != nil {
		log.WithError(err).Warn("Failed to init Gemini client")
		return nil
	}
	return g
}

func buildVectorStore(cfg *config.Config) vectorstore.Store {
	store, err := vectorstore.NewQdrantStore(vectorstore.Config{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		UseTLS:     cfg.Qdrant.UseTLS,
		APIKey:     cfg.Qdrant.APIKey,
		Collection: cfg.Qdrant.Collection,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to init vector store client")
		return nil
	}
	return store
}
