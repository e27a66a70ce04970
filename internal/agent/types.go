package agent

// Message is one chat turn sent to the agent.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body of the generate and stream endpoints.
type Request struct {
	Messages   []Message `json:"messages"`
	ThreadID   string    `json:"threadId,omitempty"`
	ResourceID string    `json:"resourceId,omitempty"`
}

// GenerateOptions scopes a request to a conversation thread and resource.
type GenerateOptions struct {
	ThreadID   string
	ResourceID string
}

// Usage holds token counts reported by the agent.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Response is the agent's reply to a generate call. Usage and Cost are nil
// when the agent does not report them.
type Response struct {
	Text     string   `json:"text"`
	ThreadID string   `json:"threadId"`
	Usage    *Usage   `json:"usage,omitempty"`
	Cost     *float64 `json:"cost,omitempty"`
}

// Notification is an agent-originated push event.
type Notification struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

type createThreadRequest struct {
	ResourceID string `json:"resourceId"`
}

type createThreadResponse struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
}
