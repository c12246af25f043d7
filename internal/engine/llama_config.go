package engine

// LlamaConfig configures the in-process llama.cpp backend.
type LlamaConfig struct {
	// ModelPath is the GGUF file to load.
	ModelPath string
	// Model is the identifier reported in results (defaults to ModelPath).
	Model       string
	ContextSize int
	Threads     int
	GPULayers   int
}

func (c LlamaConfig) modelName() string {
	if c.Model != "" {
		return c.Model
	}
	return c.ModelPath
}
