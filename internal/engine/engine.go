package engine

import "context"

// Engine abstracts a local embedding backend. Retrieval code depends on this
// interface instead of a concrete client.
type Engine interface {
	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// BatchEngine is implemented by backends that embed many texts per request.
type BatchEngine interface {
	Engine
	EmbedMany(ctx context.Context, model string, texts []string) ([][]float32, error)
}
