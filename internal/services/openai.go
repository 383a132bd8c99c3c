package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mailsync/internal/cache"
	"mailsync/internal/config"
	"mailsync/internal/utils"

	"golang.org/x/net/html"
)

// ErrSummarizerDisabled is returned when no API key is configured.
var ErrSummarizerDisabled = errors.New("AI summarizer is not configured")

const (
	summarySystemPrompt = "You are an AI assistant that summarizes emails concisely."
	summaryUserPrompt   = "Summarize the following email in 2-3 sentences, highlighting the main points and any action items:\n\n"
	summaryMaxTokens    = 200
)

// ChatCompletionRequest represents the request structure for OpenAI chat completion
type ChatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []ChatCompletionMessage `json:"messages"`
	Temperature float64                 `json:"temperature,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
}

// ChatCompletionMessage represents a message in the chat completion
type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse represents the response from OpenAI
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// OpenAIService summarizes messages through an OpenAI compatible chat
// completions endpoint. Results are cached by content hash.
type OpenAIService struct {
	cfg    config.OpenAIConfig
	client *http.Client
	cache  *cache.ResultCache
	logger *utils.Logger
}

func NewOpenAIService(cfg config.OpenAIConfig, resultCache *cache.ResultCache) *OpenAIService {
	return &OpenAIService{
		cfg: cfg,
		client: &http.Client{
			Timeout: 240 * time.Second,
		},
		cache:  resultCache,
		logger: utils.NewLogger("OpenAI"),
	}
}

// Enabled reports whether an API key is configured.
func (s *OpenAIService) Enabled() bool {
	return s.cfg.APIKey != ""
}

// Summarize returns a short summary of a message. HTML wins over text when
// both are given.
func (s *OpenAIService) Summarize(ctx context.Context, text, htmlBody string) (string, error) {
	key := cache.AIKey("summary", text+"\x00"+htmlBody)
	var cached string
	if s.cache.GetJSON(ctx, cache.ViewAI, key, &cached) {
		return cached, nil
	}
	if !s.Enabled() {
		return "", ErrSummarizerDisabled
	}

	content := text
	if htmlBody != "" {
		content = ExtractText(htmlBody)
	}

	resp, err := s.CallOpenAI(ctx, []ChatCompletionMessage{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: summaryUserPrompt + content},
	}, s.maxTokens())
	if err != nil {
		return "", err
	}

	summary := ""
	if len(resp.Choices) > 0 {
		summary = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	s.cache.PutJSON(ctx, key, summary, s.cache.TTLs().AI)
	return summary, nil
}

func (s *OpenAIService) maxTokens() int {
	if s.cfg.MaxTokens > 0 && s.cfg.MaxTokens < summaryMaxTokens {
		return s.cfg.MaxTokens
	}
	return summaryMaxTokens
}

// CallOpenAI is a generic method to call OpenAI API with custom messages
func (s *OpenAIService) CallOpenAI(ctx context.Context, messages []ChatCompletionMessage, maxTokens int) (*ChatCompletionResponse, error) {
	reqBody := ChatCompletionRequest{
		Model:       s.cfg.Model,
		Messages:    messages,
		Temperature: s.cfg.Temperature,
		MaxTokens:   maxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(s.cfg.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.cfg.APIKey))

	s.logger.Debug("Calling %s with model %s", url, s.cfg.Model)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp map[string]interface{}
		if err := json.Unmarshal(body, &errorResp); err == nil {
			if errorMsg, ok := errorResp["error"].(map[string]interface{}); ok {
				return nil, fmt.Errorf("OpenAI API error: %v", errorMsg["message"])
			}
		}
		return nil, fmt.Errorf("OpenAI API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var completionResp ChatCompletionResponse
	if err := json.Unmarshal(body, &completionResp); err != nil {
		s.logger.Error("Failed to parse response. Status: %d, Body: %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &completionResp, nil
}

// ExtractText returns the visible text of an HTML document with runs of
// whitespace collapsed. Script and style contents are dropped.
func ExtractText(doc string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(doc))
	var parts []string
	skip := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skip++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				parts = append(parts, string(tokenizer.Text()))
			}
		}
	}
}
