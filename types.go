package caldera

import "encoding/json"

// --- Agent domain types (database records) ---

// AgentType classifies what an agent is for.
type AgentType string

const (
	AgentTypeChat      AgentType = "chat"
	AgentTypeTask      AgentType = "task"
	AgentTypeKnowledge AgentType = "knowledge"
	AgentTypeAssistant AgentType = "assistant"
	AgentTypeCustom    AgentType = "custom"
)

// AgentStatus is the persisted lifecycle status of an agent. Transitions are
// controlled by the RuntimeManager.
type AgentStatus string

const (
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusReady        AgentStatus = "ready"
	AgentStatusChatting     AgentStatus = "chatting"
	AgentStatusExecuting    AgentStatus = "executing"
	AgentStatusError        AgentStatus = "error"
	AgentStatusDisabled     AgentStatus = "disabled"
	AgentStatusMaintenance  AgentStatus = "maintenance"
)

// Agent is a persisted configuration that can be instantiated into a Runtime.
type Agent struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Public      bool        `json:"public"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Avatar      string      `json:"avatar,omitempty"`
	Type        AgentType   `json:"type"`
	Status      AgentStatus `json:"status"`
	Config      AgentConfig `json:"config"`
	Deleted     bool        `json:"-"`
	CreatedAt   int64       `json:"created_at"`
	UpdatedAt   int64       `json:"updated_at"`
}

// AgentConfig holds the model binding and capability set for an agent.
type AgentConfig struct {
	Model          string         `json:"model"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	SystemPrompt   string         `json:"system_prompt,omitempty"`
	WelcomeMessage string         `json:"welcome_message,omitempty"`
	Tools          []string       `json:"tools,omitempty"`
	Skills         []string       `json:"skills,omitempty"`
	Memory         MemoryPolicy   `json:"memory"`
	Provider       string         `json:"provider,omitempty"`
	APIKey         string         `json:"-"`
	BaseURL        string         `json:"base_url,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
}

// MemoryPolicy bounds how much conversation context a runtime injects.
type MemoryPolicy struct {
	MaxTokens   int        `json:"max_tokens,omitempty"`   // conversation window budget
	RecentLimit int        `json:"recent_limit,omitempty"` // recent memories per chat
	Type        MemoryType `json:"type,omitempty"`
}

// AgentSession groups messages between one user and one agent.
type AgentSession struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	UserID       string         `json:"user_id"`
	Title        string         `json:"title,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	LastActiveAt int64          `json:"last_active_at"`
	CreatedAt    int64          `json:"created_at"`
}

// AgentMessage is one append-only message inside a session.
type AgentMessage struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Parts      []ContentPart  `json:"parts,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Tokens     int            `json:"tokens"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  int64          `json:"created_at"`
}

// --- Chat protocol types (OpenAI-compatible shapes) ---

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentPartType tags the variant of a multimodal content part.
type ContentPartType string

const (
	ContentPartText     ContentPartType = "text"
	ContentPartImageURL ContentPartType = "image_url"
	ContentPartFile     ContentPartType = "file"
)

// ContentPart is one element of a structured multimodal message body.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *ImageURL       `json:"image_url,omitempty"`
	File     *FileData       `json:"file,omitempty"`
}

// ImageURL holds the URL (or data URI) for an image content part.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"` // "low", "high", "auto"
}

// FileData holds inline file content for a file content part.
type FileData struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64
}

// ToolCall is a function invocation requested by the model.
// Arguments is a JSON-encoded string, exactly as it arrives on the wire.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool in JSON-schema form.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ChatMessage is a single message in a chat exchange.
type ChatMessage struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// ToolChoice controls tool use: "none", "auto", "required", or
// {"function": {"name": ...}} encoded as a map.
type ToolChoice = any

// ResponseFormat requests structured output from the provider.
type ResponseFormat struct {
	Type   string          `json:"type"` // "text", "json_object", "json_schema"
	Schema json.RawMessage `json:"schema,omitempty"`
}

// ChatRequest is the uniform request passed to every LLMProvider.
type ChatRequest struct {
	Messages         []ChatMessage    `json:"messages"`
	Model            string           `json:"model,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	MaxTokens        int              `json:"max_tokens,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	Stop             []string         `json:"stop,omitempty"`
	Tools            []ToolDefinition `json:"tools,omitempty"`
	ToolChoice       ToolChoice       `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat  `json:"response_format,omitempty"`
	SessionID        string           `json:"session_id,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// FinishReason explains why a completion choice stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishNone          FinishReason = ""
)

// Choice is a single completion choice.
type Choice struct {
	Index        int          `json:"index"`
	Message      ChatMessage  `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
}

// Usage contains token usage statistics for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another call.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ChatResponse is an OpenAI-compatible completion object.
type ChatResponse struct {
	ID      string   `json:"id"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	// IterationsExceeded marks a response returned because the agentic loop
	// hit its iteration cap. The content is the last assistant response.
	IterationsExceeded bool `json:"iterations_exceeded,omitempty"`
}

// First returns the first choice's message, or a zero message when the
// provider returned no choices.
func (r *ChatResponse) First() ChatMessage {
	if len(r.Choices) == 0 {
		return ChatMessage{}
	}
	return r.Choices[0].Message
}

// StreamDelta is the incremental payload of one streamed chunk.
type StreamDelta struct {
	Role      Role            `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a streamed tool call. Fragments with the
// same ID extend the arguments of the accumulated call; a new ID opens a new
// call. Index is the vendor's positional hint, used only when ID is absent.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamChoice mirrors Choice for streamed chunks.
type StreamChoice struct {
	Index        int          `json:"index"`
	Delta        StreamDelta  `json:"delta"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// ChatStreamChunk is one delta frame of a streaming completion.
type ChatStreamChunk struct {
	ID      string         `json:"id"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// --- Memory domain types ---

// MemoryType classifies durability and retrieval bias of a memory.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
	MemoryWorking    MemoryType = "working"
)

// MemorySource records where a memory came from.
type MemorySource string

const (
	SourceConversation MemorySource = "conversation"
	SourceDocument     MemorySource = "document"
	SourceSystem       MemorySource = "system"
	SourceUser         MemorySource = "user"
	SourceKnowledge    MemorySource = "knowledge"
)

// MemoryEntry is one typed, time-decayed memory row.
type MemoryEntry struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	SessionID      string         `json:"session_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Content        string         `json:"content"`
	Type           MemoryType     `json:"type"`
	Source         MemorySource   `json:"source"`
	Embedding      []float32      `json:"-"`
	Importance     float64        `json:"importance"`   // [0,1]
	DecayFactor    float64        `json:"decay_factor"` // [0,1], mutated only by consolidation
	AccessCount    int            `json:"access_count"`
	LastAccessedAt int64          `json:"last_accessed_at"`
	Timestamp      int64          `json:"timestamp"`
	ExpiresAt      int64          `json:"expires_at,omitempty"` // 0 = never
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// MemorySummary is a rolling per-(agent, session) conversation summary.
// Newer summaries supersede older ones.
type MemorySummary struct {
	ID           string   `json:"id"`
	AgentID      string   `json:"agent_id"`
	SessionID    string   `json:"session_id"`
	Summary      string   `json:"summary"`
	MessageCount int      `json:"message_count"`
	KeyPoints    []string `json:"key_points,omitempty"`
	Entities     []string `json:"entities,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// KnowledgeDocument is an ingested document owned by one agent.
type KnowledgeDocument struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Title     string `json:"title"`
	Source    string `json:"source,omitempty"`
	Hash      string `json:"hash"` // content hash for dedup
	CreatedAt int64  `json:"created_at"`
}

// KnowledgeChunk is one ordered piece of a KnowledgeDocument.
type KnowledgeChunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	ChunkIndex  int       `json:"chunk_index"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	Content     string    `json:"content"`
	Hash        string    `json:"hash"`
	Embedding   []float32 `json:"-"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID}
}

// EstimateTokens approximates token count as ceil(len/4), the budget unit
// used for message accounting and the conversation window.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
