package qa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/docqa/internal/access"
	"github.com/kalambet/docqa/internal/conversation"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

// DefaultTopK is used when a query does not ask for a specific result count.
const DefaultTopK = 3

// ErrInvalidQuery is returned for empty or non-UTF-8 query text.
var ErrInvalidQuery = errors.New("invalid query")

// Resolver maps a user to the documents they may read.
type Resolver interface {
	Resolve(userID string) (access.DocumentSet, error)
}

// Searcher ranks indexed chunks against a query vector.
type Searcher interface {
	Search(vector []float32, allowed access.DocumentSet, topK int) ([]retrieval.SearchResult, error)
}

// Auditor records the outcome of each request.
type Auditor interface {
	SaveQueryLog(ctx context.Context, q storage.QueryLog) error
}

// Deps holds the collaborators of an Orchestrator.
type Deps struct {
	Access   Resolver
	History  *conversation.Store
	Embedder retrieval.TextEmbedder
	Index    Searcher
	Auditor  Auditor // optional
	Logger   *slog.Logger

	DefaultTopK  int
	SummaryChars int
	MinScore     float64
}

// Orchestrator runs a query through identity resolution, context
// augmentation, embedding, search and recording, in that order.
type Orchestrator struct {
	access       Resolver
	history      *conversation.Store
	embedder     retrieval.TextEmbedder
	index        Searcher
	auditor      Auditor
	logger       *slog.Logger
	defaultTopK  int
	summaryChars int
	minScore     float64
}

// New creates an Orchestrator. A nil History gets a fresh store.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		access:       d.Access,
		history:      d.History,
		embedder:     d.Embedder,
		index:        d.Index,
		auditor:      d.Auditor,
		logger:       d.Logger,
		defaultTopK:  d.DefaultTopK,
		summaryChars: d.SummaryChars,
		minScore:     d.MinScore,
	}
	if o.history == nil {
		o.history = conversation.NewStore()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.defaultTopK <= 0 {
		o.defaultTopK = DefaultTopK
	}
	if o.summaryChars <= 0 {
		o.summaryChars = DefaultSummaryChars
	}
	return o
}

// Query is a single question from a user.
type Query struct {
	UserID      string
	Text        string
	TopK        int
	SkipContext bool
}

// Response is the result of a successful Ask.
type Response struct {
	Results     []retrieval.SearchResult `json:"-"`
	Answer      string                   `json:"answer"`
	Sources     []Source                 `json:"sources"`
	ContextUsed bool                     `json:"context_used"`
	Augmented   string                   `json:"-"`
}

// History exposes the conversation store, e.g. for clearing on logout.
func (o *Orchestrator) History() *conversation.Store { return o.history }

// Handle runs text for userID and returns the ranked results.
func (o *Orchestrator) Handle(ctx context.Context, userID, text string, topK int) ([]retrieval.SearchResult, error) {
	resp, err := o.Ask(ctx, Query{UserID: userID, Text: text, TopK: topK})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Ask runs q through the pipeline. Exactly one conversation turn is
// appended when it succeeds and none when it fails.
func (o *Orchestrator) Ask(ctx context.Context, q Query) (Response, error) {
	start := time.Now()
	q.UserID = access.NormalizeUser(q.UserID)
	resp, stage, err := o.run(ctx, q)
	o.audit(ctx, q, resp, stage, err, time.Since(start))
	if err != nil {
		o.logger.Debug("query failed", "user", q.UserID, "stage", stage.String(), "error", err)
		return Response{}, err
	}
	return resp, nil
}

// run returns the last stage reached along with the outcome.
func (o *Orchestrator) run(ctx context.Context, q Query) (Response, Stage, error) {
	stage := StageReceived
	allowed, err := o.access.Resolve(q.UserID)
	if err != nil {
		return Response{}, stage, err
	}
	stage = StageIdentityResolved

	if strings.TrimSpace(q.Text) == "" || !utf8.ValidString(q.Text) {
		return Response{}, stage, fmt.Errorf("%w: query text must be non-empty UTF-8", ErrInvalidQuery)
	}

	augmented := q.Text
	if !q.SkipContext {
		augmented = o.history.Augment(q.UserID, q.Text)
	}
	contextUsed := augmented != q.Text
	stage = StageContextAugmented

	vec, err := o.embedder.Embed(ctx, augmented)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, stage, ctxErr
		}
		return Response{}, stage, fmt.Errorf("%w: %w", retrieval.ErrEmbeddingUnavailable, err)
	}
	stage = StageEmbedded

	topK := q.TopK
	if topK <= 0 {
		topK = o.defaultTopK
	}
	results, err := o.index.Search(vec, allowed, topK)
	if err != nil {
		return Response{}, stage, fmt.Errorf("searching index: %w", err)
	}
	if results == nil {
		results = []retrieval.SearchResult{}
	}
	stage = StageSearched

	if err := ctx.Err(); err != nil {
		return Response{}, stage, err
	}
	o.history.Append(q.UserID, q.Text, Summarize(results, o.summaryChars))
	stage = StageRecorded

	answer, sources := ComposeAnswer(results, o.minScore, allowed.Sorted())
	stage = StageReturned
	return Response{
		Results:     results,
		Answer:      answer,
		Sources:     sources,
		ContextUsed: contextUsed,
		Augmented:   augmented,
	}, stage, nil
}

func (o *Orchestrator) audit(ctx context.Context, q Query, resp Response, stage Stage, runErr error, elapsed time.Duration) {
	if o.auditor == nil {
		return
	}
	entry := storage.QueryLog{
		UserID:      q.UserID,
		Query:       q.Text,
		Stage:       stage.String(),
		Outcome:     storage.OutcomeOK,
		ResultCount: len(resp.Results),
		Documents:   distinctDocuments(resp.Results),
		ContextUsed: resp.ContextUsed,
		Duration:    elapsed,
	}
	if runErr != nil {
		entry.Outcome = storage.OutcomeError
		entry.Error = runErr.Error()
	}
	// The request context may already be cancelled; the audit row should still land.
	if err := o.auditor.SaveQueryLog(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn("failed to record query audit", "user", q.UserID, "error", err)
	}
}

func distinctDocuments(results []retrieval.SearchResult) []string {
	seen := make(map[string]struct{}, len(results))
	var docs []string
	for _, r := range results {
		if _, ok := seen[r.DocumentID]; ok {
			continue
		}
		seen[r.DocumentID] = struct{}{}
		docs = append(docs, r.DocumentID)
	}
	return docs
}
