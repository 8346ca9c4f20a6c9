package engine

import "fmt"

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect returns the embedding backend for cfg. Ollama is the only backend.
func Detect(cfg DetectConfig) (Engine, error) {
	if cfg.OllamaBaseURL == "" {
		return nil, fmt.Errorf("ollama base URL is not configured")
	}
	return NewOllamaEngine(cfg.OllamaBaseURL), nil
}
