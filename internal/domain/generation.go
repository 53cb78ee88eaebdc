package domain

import "encoding/json"

// Blob is inline binary data.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData references a backend-resident file.
type FileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

// ExecutableCode is code the model asked to run.
type ExecutableCode struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

// CodeExecutionResult is the output of ExecutableCode.
type CodeExecutionResult struct {
	Outcome string `json:"outcome,omitempty"`
	Output  string `json:"output,omitempty"`
}

// Part is one piece of content.
type Part struct {
	Text                string               `json:"text,omitempty"`
	Thought             bool                 `json:"thought,omitempty"`
	InlineData          *Blob                `json:"inlineData,omitempty"`
	FileData            *FileData            `json:"fileData,omitempty"`
	ExecutableCode      *ExecutableCode      `json:"executableCode,omitempty"`
	CodeExecutionResult *CodeExecutionResult `json:"codeExecutionResult,omitempty"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// UsageMetadata holds token counters reported by the backend.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

// WebSource is a web citation.
type WebSource struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

// GroundingChunk is one grounding source.
type GroundingChunk struct {
	Web *WebSource `json:"web,omitempty"`
}

func (c GroundingChunk) key() string {
	if c.Web == nil {
		return ""
	}
	return c.Web.URI
}

// Citation is a source cited inline by the model.
type Citation struct {
	URI        string `json:"uri"`
	Title      string `json:"title,omitempty"`
	StartIndex int    `json:"startIndex,omitempty"`
	EndIndex   int    `json:"endIndex,omitempty"`
}

// GroundingMetadata is accumulated across streamed chunks.
type GroundingMetadata struct {
	WebSearchQueries  []string          `json:"webSearchQueries,omitempty"`
	GroundingChunks   []GroundingChunk  `json:"groundingChunks,omitempty"`
	GroundingSupports []json.RawMessage `json:"groundingSupports,omitempty"`
	Citations         []Citation        `json:"citations,omitempty"`
}

// MergeGrounding folds next into acc. Scalar and list fields from next
// replace those in acc, except the source lists, which are unioned by URI
// keeping first-seen order.
func MergeGrounding(acc, next *GroundingMetadata) *GroundingMetadata {
	if next == nil {
		return acc
	}
	if acc == nil {
		merged := *next
		merged.GroundingChunks = unionChunks(nil, next.GroundingChunks)
		merged.Citations = unionCitations(nil, next.Citations)
		return &merged
	}

	merged := *next
	if merged.WebSearchQueries == nil {
		merged.WebSearchQueries = acc.WebSearchQueries
	}
	if merged.GroundingSupports == nil {
		merged.GroundingSupports = acc.GroundingSupports
	}
	merged.GroundingChunks = unionChunks(acc.GroundingChunks, next.GroundingChunks)
	merged.Citations = unionCitations(acc.Citations, next.Citations)
	return &merged
}

func unionChunks(a, b []GroundingChunk) []GroundingChunk {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]GroundingChunk, 0, len(a)+len(b))
	for _, list := range [][]GroundingChunk{a, b} {
		for _, c := range list {
			k := c.key()
			if k != "" {
				if seen[k] {
					continue
				}
				seen[k] = true
			}
			out = append(out, c)
		}
	}
	return out
}

func unionCitations(a, b []Citation) []Citation {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]Citation, 0, len(a)+len(b))
	for _, list := range [][]Citation{a, b} {
		for _, c := range list {
			if c.URI != "" {
				if seen[c.URI] {
					continue
				}
				seen[c.URI] = true
			}
			out = append(out, c)
		}
	}
	return out
}

// GenerateChunk is one decoded backend response chunk. Raw keeps the
// original JSON so it can be forwarded without re-encoding.
type GenerateChunk struct {
	Parts        []Part             `json:"parts,omitempty"`
	Usage        *UsageMetadata     `json:"usageMetadata,omitempty"`
	Grounding    *GroundingMetadata `json:"groundingMetadata,omitempty"`
	FinishReason string             `json:"finishReason,omitempty"`
	Raw          json.RawMessage    `json:"-"`
}

// GenerationConfig carries sampling and tool settings for one request.
type GenerationConfig struct {
	SystemInstruction string   `json:"systemInstruction,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"topP,omitempty"`
	ThinkingBudget    *int     `json:"thinkingBudget,omitempty"`
	IncludeThoughts   bool     `json:"includeThoughts,omitempty"`
	GoogleSearch      bool     `json:"googleSearch,omitempty"`
	CodeExecution     bool     `json:"codeExecution,omitempty"`
	URLContext        bool     `json:"urlContext,omitempty"`
}

// GenerationConfigFromSettings builds the request config for a session.
func GenerationConfigFromSettings(s ChatSettings) GenerationConfig {
	temperature := s.Temperature
	topP := s.TopP
	cfg := GenerationConfig{
		SystemInstruction: s.SystemInstruction,
		Temperature:       &temperature,
		TopP:              &topP,
		IncludeThoughts:   s.ShowThoughts,
		GoogleSearch:      s.GoogleSearch,
		CodeExecution:     s.CodeExecution,
		URLContext:        s.URLContext,
	}
	if s.ThinkingBudget != 0 {
		budget := s.ThinkingBudget
		cfg.ThinkingBudget = &budget
	}
	return cfg
}

// GenerationRequest is one generation call.
type GenerationRequest struct {
	APIKey  string           `json:"apiKey,omitempty"`
	Model   string           `json:"model"`
	History []Content        `json:"history"`
	Config  GenerationConfig `json:"config"`
}

// GenerateResult is the aggregated outcome of a non-streaming call.
type GenerateResult struct {
	Parts     []Part             `json:"parts,omitempty"`
	Thoughts  string             `json:"thoughts,omitempty"`
	Usage     *UsageMetadata     `json:"usage,omitempty"`
	Grounding *GroundingMetadata `json:"grounding,omitempty"`
}

// Text joins the text of all parts.
func (r GenerateResult) Text() string {
	var n int
	for _, p := range r.Parts {
		n += len(p.Text)
	}
	b := make([]byte, 0, n)
	for _, p := range r.Parts {
		b = append(b, p.Text...)
	}
	return string(b)
}

// ModelInfo describes a backend model.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
}

// FilePart builds the request part for an attachment. A backend reference
// wins over inline data; exactly one of them is used.
func FilePart(f UploadedFile) (Part, bool) {
	switch {
	case f.FileURI != "":
		return Part{FileData: &FileData{MIMEType: f.MIMEType, FileURI: f.FileURI}}, true
	case f.Base64Data != "":
		return Part{InlineData: &Blob{MIMEType: f.MIMEType, Data: f.Base64Data}}, true
	case f.TextContent != "":
		return Part{Text: f.TextContent}, true
	}
	return Part{}, false
}
