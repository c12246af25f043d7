package types

// Default sampling parameters applied when a request omits them.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2048
	DefaultTopP        = 0.9
)

// ChatMessage is one role-tagged message of a conversation.
type ChatMessage struct {
	// Speaker role (system, user, assistant).
	// example: user
	Role string `json:"role" example:"user"`
	// Message text.
	// example: Summarize the following article.
	Content string `json:"content" example:"Summarize the following article."`
}

// ChatRequest is the body of POST /v1/chat/completions and POST /v1/tasks/create.
type ChatRequest struct {
	// Ordered, non-empty message sequence.
	Messages []ChatMessage `json:"messages"`
	// Sampling temperature. Defaults to 0.7.
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Maximum number of new tokens. Defaults to 2048.
	// example: 2048
	MaxTokens *int `json:"maxTokens,omitempty" example:"2048"`
	// Nucleus sampling probability. Defaults to 0.9.
	// example: 0.9
	TopP *float64 `json:"topP,omitempty" example:"0.9"`

	// snake_case spellings accepted for OpenAI-style clients.
	MaxTokensAlt *int     `json:"max_tokens,omitempty" swaggerignore:"true"`
	TopPAlt      *float64 `json:"top_p,omitempty" swaggerignore:"true"`
}

// Sampling returns the effective sampling parameters with defaults applied.
// camelCase fields win over their snake_case aliases.
func (r ChatRequest) Sampling() (temperature float64, maxTokens int, topP float64) {
	temperature, maxTokens, topP = DefaultTemperature, DefaultMaxTokens, DefaultTopP
	if r.Temperature != nil {
		temperature = *r.Temperature
	}
	switch {
	case r.MaxTokens != nil:
		maxTokens = *r.MaxTokens
	case r.MaxTokensAlt != nil:
		maxTokens = *r.MaxTokensAlt
	}
	switch {
	case r.TopP != nil:
		topP = *r.TopP
	case r.TopPAlt != nil:
		topP = *r.TopPAlt
	}
	return temperature, maxTokens, topP
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	// example: 42
	PromptTokens int `json:"promptTokens" example:"42"`
	// example: 128
	CompletionTokens int `json:"completionTokens" example:"128"`
	// example: 170
	TotalTokens int `json:"totalTokens" example:"170"`
}

// Choice is one generated alternative. The backend always produces exactly one.
type Choice struct {
	// example: 0
	Index   int         `json:"index" example:"0"`
	Message ChatMessage `json:"message"`
	// example: stop
	FinishReason string `json:"finish_reason" example:"stop"`
}

// CompletionResult is the payload produced by the generation backend.
// It is stored and relayed without modification.
type CompletionResult struct {
	Choices []Choice `json:"choices"`
	// Model identifier that produced the completion.
	// example: Qwen/Qwen2.5-32B-Instruct-AWQ
	Model string `json:"model" example:"Qwen/Qwen2.5-32B-Instruct-AWQ"`
	Usage Usage  `json:"usage"`
}

// NewCompletionResult builds the single-choice result shape returned by every backend.
func NewCompletionResult(model, content string, promptTokens, completionTokens int) CompletionResult {
	return CompletionResult{
		Choices: []Choice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Model: model,
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// TaskResponse is returned by POST /v1/tasks/create and GET /v1/tasks/{taskId}.
type TaskResponse struct {
	// example: 3f1c2a9e-8d4b-4f3e-9a57-0f1e2d3c4b5a
	TaskID string `json:"taskId" example:"3f1c2a9e-8d4b-4f3e-9a57-0f1e2d3c4b5a"`
	// One of processing, completed, failed.
	// example: processing
	Status string `json:"status" example:"processing"`
	// Present when status is completed.
	Result *CompletionResult `json:"result,omitempty"`
	// Present when status is failed.
	Error string `json:"error,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// example: Task not found
	Detail string `json:"detail" example:"Task not found"`
}

// GateStatus describes the concurrency gate in front of the backend.
type GateStatus struct {
	// exclusive or concurrent.
	// example: exclusive
	Strategy string `json:"strategy" example:"exclusive"`
	// Maximum concurrent generate calls (0 = unbounded).
	// example: 1
	Limit int `json:"limit" example:"1"`
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// example: 3
	Waiting int `json:"waiting" example:"3"`
	// Maximum waiters before requests are rejected (0 = unbounded).
	// example: 0
	MaxQueue int `json:"max_queue" example:"0"`
}

// TaskCounts summarizes the task registry by status.
type TaskCounts struct {
	// example: 2
	Processing int `json:"processing" example:"2"`
	// example: 10
	Completed int `json:"completed" example:"10"`
	// example: 1
	Failed int `json:"failed" example:"1"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Engine lifecycle state (loading, ready, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// example: true
	Ready bool `json:"ready" example:"true"`
	// Backend kind (openai, llama).
	// example: openai
	Backend string `json:"backend" example:"openai"`
	// example: Qwen/Qwen2.5-32B-Instruct-AWQ
	Model string `json:"model" example:"Qwen/Qwen2.5-32B-Instruct-AWQ"`
	// Load error, if the one-time load failed.
	Error string `json:"error,omitempty"`
	// Seconds the one-time load took.
	// example: 41.7
	LoadSeconds float64    `json:"load_seconds,omitempty" example:"41.7"`
	Gate        GateStatus `json:"gate"`
	Tasks       TaskCounts `json:"tasks"`
	// Task time-to-live in seconds.
	// example: 3600
	TaskTTLSeconds int64 `json:"task_ttl_seconds" example:"3600"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
