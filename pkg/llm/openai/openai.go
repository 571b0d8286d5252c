// Package openai provides an llm.Replier for OpenAI-compatible chat
// completion APIs. The defaults target DeepSeek.
//
// Example:
//
//	// DeepSeek, key from DEEPSEEK_API_KEY
//	client := openai.NewClient("")
//
//	// Any other OpenAI-compatible endpoint
//	client := openai.NewClient("sk-...",
//	    openai.WithURL("https://api.openai.com/v1/chat/completions"),
//	    openai.WithModel("gpt-4o-mini"))
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/entrhq/ehragent/pkg/llm"
	"github.com/entrhq/ehragent/pkg/logging"
	"github.com/entrhq/ehragent/pkg/metrics"
	"github.com/openai/openai-go"
)

const (
	// DefaultURL is the DeepSeek chat completions endpoint.
	DefaultURL = "https://api.deepseek.com/chat/completions"

	DefaultModel       = "deepseek-chat"
	DefaultTemperature = 0.2
	DefaultTimeout     = 60 * time.Second

	// APIKeyEnv is consulted when no key is configured.
	APIKeyEnv = "DEEPSEEK_API_KEY"

	// SystemPrompt restricts the assistant to OA and EHR matters.
	SystemPrompt = "你是OA/EHR办公助手，仅处理OA和EHR事项。给出简洁、可执行的下一步建议。"
)

// Canned replies.
const (
	ReplyNotConfigured = "未配置DEEPSEEK_API_KEY。已执行可识别的网页操作（如打开OA/EHR），请配置后启用AI建议。"
	ReplyNetworkFailed = "AI服务调用失败：网络异常，但自动化步骤已尝试执行。"
	ReplyEmpty         = "AI未返回内容，但自动化步骤已尝试执行。"
)

// ReplyStatusFailed is the reply for a non-success HTTP status.
func ReplyStatusFailed(status int) string {
	return fmt.Sprintf("AI服务调用失败：%d，但自动化步骤已尝试执行。", status)
}

// Reply outcomes reported to metrics.
const (
	OutcomeOK            = "ok"
	OutcomeNotConfigured = "not_configured"
	OutcomeHTTPError     = "http_error"
	OutcomeNetworkError  = "network_error"
	OutcomeEmpty         = "empty"
)

// maxResponseBytes bounds how much of a completion response is read.
const maxResponseBytes = 4 << 20

var _ llm.Replier = (*Client)(nil)

// Client implements llm.Replier over raw HTTP using the openai-go wire types.
type Client struct {
	httpClient  *http.Client
	apiKey      string
	url         string
	model       string
	temperature float64
	log         *logging.Logger
	metrics     *metrics.Metrics
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithModel sets the model to use for completions.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithURL sets the full chat completions endpoint.
func WithURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.url = url
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ClientOption {
	return func(c *Client) {
		c.temperature = t
	}
}

// WithTimeout bounds each completion request.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(log *logging.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a client. An empty apiKey falls back to the
// DEEPSEEK_API_KEY environment variable; when both are empty the client
// answers every request with ReplyNotConfigured.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	if strings.TrimSpace(apiKey) == "" {
		apiKey = os.Getenv(APIKeyEnv)
	}

	c := &Client{
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		apiKey:      strings.TrimSpace(apiKey),
		url:         DefaultURL,
		model:       DefaultModel,
		temperature: DefaultTemperature,
		log:         logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether a credential is available.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Model returns the model name being used.
func (c *Client) Model() string {
	return c.model
}

// URL returns the completions endpoint being used.
func (c *Client) URL() string {
	return c.url
}

// Reply asks the model for next-step advice on userMessage. It never fails;
// see the Reply* constants for the degraded answers.
func (c *Client) Reply(ctx context.Context, userMessage, pageExcerpt string) string {
	if !c.Configured() {
		c.metrics.ObserveAIReply(OutcomeNotConfigured)
		return ReplyNotConfigured
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(SystemPrompt),
		openai.UserMessage(fmt.Sprintf("用户请求：%s\n\n页面摘要：%s", userMessage, pageExcerpt)),
	}

	resp, err := c.sendRequest(ctx, messages)
	if err != nil {
		c.log.Warnf("completion request failed: %v", err)
		c.metrics.ObserveAIReply(OutcomeNetworkError)
		return ReplyNetworkFailed
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.log.Warnf("completion request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		c.metrics.ObserveAIReply(OutcomeHTTPError)
		return ReplyStatusFailed(resp.StatusCode)
	}

	content, err := decodeContent(resp.Body)
	if err != nil {
		c.log.Warnf("failed to decode completion: %v", err)
	}
	if content == "" {
		c.metrics.ObserveAIReply(OutcomeEmpty)
		return ReplyEmpty
	}

	c.metrics.ObserveAIReply(OutcomeOK)
	return content
}

// sendRequest creates and sends the HTTP request for a non-streaming completion
func (c *Client) sendRequest(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (*http.Response, error) {
	reqBody := map[string]interface{}{
		"model":       c.model,
		"messages":    messages,
		"temperature": c.temperature,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// decodeContent returns the trimmed text of the first choice.
func decodeContent(r io.Reader) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var completion openai.ChatCompletion
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}
