package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIProvider speaks the OpenAI-compatible chat-completions dialect over
// plain HTTP. It performs a single attempt per call; retry and rate limiting
// live in llm.Client.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIProvider creates a provider for the given endpoint.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// CreateCompletion issues a single blocking chat request.
func (p *OpenAIProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewError("openai", ErrCodeTimeout, err.Error(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, p.errorFromResponse(resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, NewError("openai", ErrCodeUnknown, "decode response: "+err.Error(), err)
	}

	return p.parseResponse(&wire)
}

// CreateStreaming issues a streaming chat request.
func (p *OpenAIProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	body, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewError("openai", ErrCodeTimeout, err.Error(), err)
	}

	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, p.errorFromResponse(resp)
	}

	return &sseStream{reader: bufio.NewReader(resp.Body), closer: resp.Body}, nil
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	return req, nil
}

func (p *OpenAIProvider) buildRequest(req CompletionRequest, stream bool) wireRequest {
	messages := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = wireMessage{Role: m.Role, Content: m.Content}
	}

	wReq := wireRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}

	if len(req.Tools) > 0 {
		wReq.Tools = make([]wireTool, len(req.Tools))
		for i, t := range req.Tools {
			wReq.Tools[i] = wireTool{
				Type:     "function",
				Function: wireFunction(t),
			}
		}
	}

	switch req.ToolChoice {
	case "", "auto", "none":
		if req.ToolChoice != "" {
			wReq.ToolChoice = req.ToolChoice
		}
	default:
		// A named tool forces that function.
		wReq.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]string{"name": req.ToolChoice},
		}
	}

	return wReq
}

func (p *OpenAIProvider) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	code := ErrCodeUnknown
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		code = ErrCodeAuthentication
	case resp.StatusCode == http.StatusTooManyRequests:
		code = ErrCodeRateLimit
	case resp.StatusCode == http.StatusBadRequest:
		code = ErrCodeInvalidRequest
	case resp.StatusCode == http.StatusNotFound:
		code = ErrCodeModelNotFound
	case resp.StatusCode >= 500:
		code = ErrCodeServerError
	}

	message := string(body)
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != nil {
		message = wire.Error.Message
	}

	e := NewError("openai", code, message, nil)
	e.StatusCode = resp.StatusCode
	return e
}

func (p *OpenAIProvider) parseResponse(wire *wireResponse) (*CompletionResponse, error) {
	if len(wire.Choices) == 0 {
		return nil, NewError("openai", ErrCodeUnknown, "no choices in response", nil)
	}

	choice := wire.Choices[0]
	result := &CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
				return nil, NewError("openai", ErrCodeUnknown,
					fmt.Sprintf("tool call %s: bad arguments: %v", tc.Function.Name, err), err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, call)
	}

	return result, nil
}

// sseStream parses server-sent events from a streaming response. Tool-call
// deltas are accumulated and surfaced on the final chunk.
type sseStream struct {
	reader  *bufio.Reader
	closer  io.Closer
	partial map[int]*toolCallAccum
	order   []int
}

type toolCallAccum struct {
	id   string
	name string
	args bytes.Buffer
}

func (s *sseStream) Recv() (*StreamChunk, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return s.finalChunk("stop"), io.EOF
			}
			return nil, err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		data := bytes.TrimPrefix(line, []byte("data: "))
		if string(data) == "[DONE]" {
			return s.finalChunk("stop"), io.EOF
		}

		var event struct {
			Choices []struct {
				Delta struct {
					Content   string         `json:"content"`
					ToolCalls []wireToolCall `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		for _, tc := range choice.Delta.ToolCalls {
			s.accumulate(tc)
		}

		if choice.FinishReason != "" {
			chunk := s.finalChunk(choice.FinishReason)
			chunk.Delta = choice.Delta.Content
			return chunk, nil
		}

		if choice.Delta.Content == "" && len(choice.Delta.ToolCalls) > 0 {
			// Pure tool-call frame; nothing to surface yet.
			continue
		}

		return &StreamChunk{Delta: choice.Delta.Content}, nil
	}
}

func (s *sseStream) accumulate(tc wireToolCall) {
	if s.partial == nil {
		s.partial = make(map[int]*toolCallAccum)
	}
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	acc, ok := s.partial[idx]
	if !ok {
		acc = &toolCallAccum{}
		s.partial[idx] = acc
		s.order = append(s.order, idx)
	}
	if tc.ID != "" {
		acc.id = tc.ID
	}
	if tc.Function.Name != "" {
		acc.name = tc.Function.Name
	}
	acc.args.WriteString(tc.Function.Arguments)
}

func (s *sseStream) finalChunk(reason string) *StreamChunk {
	chunk := &StreamChunk{FinishReason: reason}
	for _, idx := range s.order {
		acc := s.partial[idx]
		call := ToolCall{ID: acc.id, Name: acc.name}
		if acc.args.Len() > 0 {
			_ = json.Unmarshal(acc.args.Bytes(), &call.Arguments)
		}
		chunk.ToolCalls = append(chunk.ToolCalls, call)
	}
	return chunk
}

func (s *sseStream) Close() error {
	return s.closer.Close()
}
