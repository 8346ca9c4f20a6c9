package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build the document index and validate the access table",
	Long: `Build the document index from the corpus directory.

Without --remote the corpus is loaded and embedded in this process, which
warms the embedding cache and reports problems without starting a server.
With --remote the running server is asked to rebuild its index.

Examples:
  docqa index
  docqa index --prune-cache 720h
  docqa index --remote`,
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetBool("remote")
		prune, _ := cmd.Flags().GetDuration("prune-cache")
		if remote {
			return remoteReindex(cmd.Context())
		}
		return localIndex(cmd.Context(), prune)
	},
}

func init() {
	indexCmd.Flags().Bool("remote", false, "ask the running server to reindex")
	indexCmd.Flags().Duration("prune-cache", 0, "drop cached embeddings older than this before indexing")
}

func localIndex(ctx context.Context, prune time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log.Level); err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if prune > 0 {
		n, err := a.store.PruneEmbeddings(ctx, time.Now().Add(-prune))
		if err != nil {
			return fmt.Errorf("pruning embedding cache: %w", err)
		}
		printStep("Pruned %d cached embeddings", n)
	}

	printStep("Indexing %s", cfg.Corpus.Dir)
	stats, err := a.initialIndex(ctx)
	if err != nil {
		return err
	}
	printIndexStats(stats)

	cached, err := a.store.CountEmbeddings(ctx, cfg.Ollama.EmbedModel)
	if err == nil {
		printStatus("Cached vectors", "%d", cached)
	}
	printStatus("Users", "%d", len(a.table.Users()))
	printSuccess("Index built")
	return nil
}

func remoteReindex(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(ctx, "/v1/admin/reindex", nil)
	if err != nil {
		return err
	}
	var stats retrieval.Stats
	if err := decodeJSON(resp, &stats); err != nil {
		return err
	}
	printIndexStats(stats)
	printSuccess("Server reindexed")
	return nil
}

func printIndexStats(s retrieval.Stats) {
	printStatus("Documents", "%d", s.Documents)
	printStatus("Chunks", "%d", s.Chunks)
	printStatus("Dimension", "%d", s.Dimension)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and index status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func showStatus(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	var health map[string]string
	if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}
	printStatus("Server", "%s at %s", health["status"], client.baseURL)

	resp, err = client.get(ctx, "/v1/admin/index")
	if err != nil {
		return err
	}
	var idx struct {
		retrieval.Stats
		DocumentIDs []string `json:"document_ids"`
	}
	if err := decodeJSON(resp, &idx); err != nil {
		printWarning("index stats unavailable: %v", err)
		return nil
	}
	printIndexStats(idx.Stats)
	if !idx.BuiltAt.IsZero() {
		printStatus("Built", "%s", idx.BuiltAt.Local().Format(time.DateTime))
	}
	return nil
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question as a user",
	Long: `Ask a question against the running server as the given user.

Examples:
  docqa ask --user alice@example.com "What was Company B's revenue?"
  docqa ask --user bob@example.com --top-k 5 --no-context "margins"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		topK, _ := cmd.Flags().GetInt("top-k")
		noContext, _ := cmd.Flags().GetBool("no-context")
		asJSON, _ := cmd.Flags().GetBool("json")
		if user == "" {
			return fmt.Errorf("--user is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return ask(cmd.Context(), client, user, strings.Join(args, " "), topK, !noContext, asJSON)
	},
}

func init() {
	askCmd.Flags().String("user", os.Getenv("DOCQA_USER"), "user id (email); defaults to $DOCQA_USER")
	askCmd.Flags().Int("top-k", 0, "number of passages to retrieve (server default when 0)")
	askCmd.Flags().Bool("no-context", false, "do not augment the question with recent turns")
	askCmd.Flags().Bool("json", false, "print the raw JSON response")
}

type askResponse struct {
	Answer  string `json:"answer"`
	Sources []struct {
		Document   string `json:"document"`
		Page       int    `json:"page,omitempty"`
		Similarity string `json:"similarity"`
	} `json:"sources"`
	ContextUsed bool `json:"context_used"`
}

func ask(ctx context.Context, client *apiClient, user, question string, topK int, useContext, asJSON bool) error {
	session, err := client.login(ctx, user)
	if err != nil {
		return err
	}

	body := map[string]any{"query": question, "use_context": useContext}
	if topK > 0 {
		body["top_k"] = topK
	}
	resp, err := session.post(ctx, "/v1/query", body)
	if err != nil {
		return err
	}

	if asJSON {
		var raw json.RawMessage
		if err := decodeJSON(resp, &raw); err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(raw)
	}

	var out askResponse
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	fmt.Fprintln(stdout, out.Answer)
	if len(out.Sources) > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, colorize(colorBold, "Sources:"))
		for i, s := range out.Sources {
			printSource(i, s.Document, s.Page, s.Similarity)
		}
	}
	return nil
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recent queries from the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetDuration("since")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listAudit(cmd.Context(), client, user, limit, since)
	},
}

func init() {
	auditCmd.Flags().String("user", "", "only show queries by this user")
	auditCmd.Flags().Int("limit", 20, "maximum number of entries")
	auditCmd.Flags().Duration("since", 0, "only show queries newer than this (e.g. 24h)")
}

func auditPath(user string, limit int, since time.Duration, now time.Time) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if user != "" {
		q.Set("user", user)
	}
	if since > 0 {
		q.Set("since", now.Add(-since).UTC().Format(time.RFC3339))
	}
	return "/v1/admin/queries?" + q.Encode()
}

func listAudit(ctx context.Context, client *apiClient, user string, limit int, since time.Duration) error {
	resp, err := client.get(ctx, auditPath(user, limit, since, time.Now()))
	if err != nil {
		return err
	}
	var logs []storage.QueryLog
	if err := decodeJSON(resp, &logs); err != nil {
		return err
	}
	if len(logs) == 0 {
		printStep("No queries recorded")
		return nil
	}

	for _, l := range logs {
		outcome := colorize(colorGreen, l.Outcome)
		if l.Outcome != storage.OutcomeOK {
			outcome = colorize(colorRed, l.Outcome)
		}
		fmt.Fprintf(stdout, "%s  %-28s %-6s %2d results  %6s  %s\n",
			l.CreatedAt.Local().Format(time.DateTime),
			l.UserID,
			outcome,
			l.ResultCount,
			l.Duration.Round(time.Millisecond),
			truncateQuery(l.Query, 60),
		)
		if l.Error != "" {
			fmt.Fprintf(stdout, "    %s %s (at %s)\n", colorize(colorDim, "error:"), l.Error, l.Stage)
		}
	}
	return nil
}

func truncateQuery(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		fmt.Fprintf(stdout, "  %s\n", colorize(colorDim, "file: "+config.ConfigFilePath()))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
