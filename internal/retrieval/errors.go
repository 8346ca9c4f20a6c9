package retrieval

import "errors"

var (
	// ErrEmptyCorpus is returned by Build when there is nothing to index.
	ErrEmptyCorpus = errors.New("empty corpus")

	// ErrInvalidChunk is returned by Build for a chunk with no document id or
	// with empty or non-UTF-8 text.
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrDimensionMismatch is returned when vectors disagree on dimensionality.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrIndexNotBuilt is returned by Search before the first successful Build.
	ErrIndexNotBuilt = errors.New("index not built")

	// ErrEmbeddingUnavailable marks a failed call to the embedding backend.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
)
