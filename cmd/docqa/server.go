package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/docqa/internal/access"
	"github.com/kalambet/docqa/internal/api"
	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/conversation"
	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/qa"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

const sessionPruneInterval = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Index the corpus and serve the HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

// app is the wired retrieval stack shared by serve and index.
type app struct {
	cfg       config.Config
	store     *storage.Store
	table     *access.Table
	index     *retrieval.Index
	history   *conversation.Store
	orch      *qa.Orchestrator
	reindexer *ingest.Reindexer
}

// buildApp opens storage, checks the embedding engine, loads the access
// table and wires the orchestrator. The index is empty until the first
// reindex.
func buildApp(ctx context.Context, cfg config.Config, progress io.Writer) (*app, error) {
	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, progress, cfg.Ollama.EmbedModel); err != nil {
		return nil, err
	}

	table, err := access.Load(cfg.Access.File)
	if err != nil {
		return nil, fmt.Errorf("loading access table: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	embedder := retrieval.NewCachedEmbedder(
		retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel),
		store,
		cfg.Ollama.EmbedModel,
	)
	index := retrieval.NewIndex(embedder)
	history := conversation.NewStore(conversation.WithWindow(cfg.Conversation.Window))

	orch := qa.New(qa.Deps{
		Access:       table,
		History:      history,
		Embedder:     embedder,
		Index:        index,
		Auditor:      store,
		DefaultTopK:  cfg.Retrieval.TopK,
		SummaryChars: cfg.Conversation.SummaryChars,
		MinScore:     cfg.Retrieval.MinScore,
	})

	return &app{
		cfg:       cfg,
		store:     store,
		table:     table,
		index:     index,
		history:   history,
		orch:      orch,
		reindexer: ingest.NewReindexer(cfg.Corpus.Dir, ingest.NewLoader(), index, table, 0),
	}, nil
}

// initialIndex builds the index once. An empty corpus or a grant naming a
// missing document is fatal here; later rebuilds only warn.
func (a *app) initialIndex(ctx context.Context) (retrieval.Stats, error) {
	stats, err := a.reindexer.RunOnce(ctx)
	if err != nil {
		return stats, err
	}
	if err := a.table.Validate(a.index.Documents()); err != nil {
		return stats, fmt.Errorf("validating access table: %w", err)
	}
	return stats, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func setupLogging(level string) error {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "docqa version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log.Level); err != nil {
		return err
	}

	adminToken, err := config.GetAdminToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing admin token: %w", err)
	}
	slog.Info("admin bearer token available")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.initialIndex(ctx); err != nil {
		return err
	}

	var events <-chan ingest.Event
	if cfg.Corpus.Watch {
		w, err := ingest.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating corpus watcher: %w", err)
		}
		defer w.Close()
		events, err = w.Watch(ctx, cfg.Corpus.Dir)
		if err != nil {
			return fmt.Errorf("watching corpus: %w", err)
		}
		slog.Info("watching corpus for changes", "dir", cfg.Corpus.Dir)
	}
	go a.reindexer.Run(ctx, events)
	go reindexOnHangup(ctx, a.reindexer)

	sessions := api.NewSessions(0)
	go pruneSessions(ctx, sessions)

	handler := api.NewHandler(api.Deps{
		Orchestrator: a.orch,
		Access:       a.table,
		Index:        a.index,
		Sessions:     sessions,
		AuditLog:     a.store,
		Reindexer:    a.reindexer,
		AdminToken:   adminToken,
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Orchestrator: a.orch,
			Access:       a.table,
			Index:        a.index,
			AuditLog:     a.store,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docqa listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func pruneSessions(ctx context.Context, s *api.Sessions) {
	ticker := time.NewTicker(sessionPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(); n > 0 {
				slog.Debug("pruned expired sessions", "count", n)
			}
		}
	}
}

// reindexOnHangup rebuilds the index on SIGHUP.
func reindexOnHangup(ctx context.Context, r *ingest.Reindexer) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("SIGHUP received, reindexing")
			r.Trigger()
		}
	}
}
