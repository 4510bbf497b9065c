package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"reply-pilot/api/internal/llm"
	"reply-pilot/api/internal/util"
)

type Engine struct {
	APIKey string
	Model  string
	httpc  *http.Client
}

func New(key, model string) *Engine {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second, // TCP connect
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		// Ждём первые заголовки дольше — это решает проблему context deadline exceeded на TTFB
		ResponseHeaderTimeout: 120 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
	}

	return &Engine{
		APIKey: key,
		Model:  model,
		// ВАЖНО: Timeout=0, дедлайн приходит через ctx
		httpc: &http.Client{
			Timeout:   0,
			Transport: tr,
		},
	}
}

// WithHTTPClient overrides the internal HTTP client (e.g., for custom timeouts or tracing).
func (e *Engine) WithHTTPClient(c *http.Client) *Engine {
	if c != nil {
		e.httpc = c
	}
	return e
}

func (e *Engine) Name() string     { return "openai" }
func (e *Engine) GetModel() string { return e.Model }

func (e *Engine) Invoke(ctx context.Context, in llm.Request) (llm.Result, error) {
	if e.APIKey == "" {
		return llm.Result{}, fmt.Errorf("OPENAI_API_KEY is empty")
	}
	model := e.GetModel()
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}

	userContent := []any{
		map[string]any{"type": "input_text", "text": in.User},
	}
	if strings.TrimSpace(in.Image) != "" {
		imgBytes, mimeFromDataURL, _ := util.DecodeBase64MaybeDataURL(in.Image)
		if len(imgBytes) == 0 {
			return llm.Result{}, fmt.Errorf("openai: invalid image base64: %w", llm.ErrInvalidResponse)
		}
		mime := util.PickMIME("", mimeFromDataURL, imgBytes)
		if !isOpenAIImageMIME(mime) {
			return llm.Result{}, fmt.Errorf("openai: unsupported MIME %s (need image/jpeg|png|webp)", mime)
		}
		dataURL := util.MakeDataURL(mime, base64.StdEncoding.EncodeToString(imgBytes))
		userContent = append(userContent, map[string]any{"type": "input_image", "image_url": dataURL})
	}

	body := map[string]any{
		"model": model,
		"input": []any{
			map[string]any{
				"role": "system",
				"content": []any{
					map[string]any{"type": "input_text", "text": in.System},
				},
			},
			map[string]any{
				"type":    "message",
				"role":    "user",
				"content": userContent,
			},
		},
		"temperature": 0.3,
	}
	if in.JSONOnly {
		body["text"] = map[string]any{
			"format": map[string]any{"type": "json_object"},
		}
	}

	payload, _ := json.Marshal(body)
	req, _ := http.NewRequestWithContext(ctx, "POST", "https://api.openai.com/v1/responses", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.APIKey)

	resp, err := e.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return llm.Result{}, fmt.Errorf("openai: %w", llm.ErrTimeout)
		}
		return llm.Result{}, fmt.Errorf("openai: %v: %w", err, llm.ErrTransport)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return llm.Result{}, fmt.Errorf("openai 429: %s: %w", truncateBytes(raw, 256), llm.ErrRateLimited)
	case resp.StatusCode >= 500:
		return llm.Result{}, fmt.Errorf("openai %d: %s: %w", resp.StatusCode, truncateBytes(raw, 256), llm.ErrTransport)
	case resp.StatusCode != http.StatusOK:
		return llm.Result{}, fmt.Errorf("openai %d: %s: %w", resp.StatusCode, truncateBytes(raw, 256), llm.ErrInvalidResponse)
	}

	out, usage := extractResponsesText(raw)
	out = util.StripCodeFences(strings.TrimSpace(out))
	if out == "" {
		return llm.Result{}, fmt.Errorf("openai: empty output; body=%s: %w", truncateBytes(raw, 512), llm.ErrInvalidResponse)
	}

	return llm.Result{
		Text:      out,
		TokensIn:  usage.InputTokens,
		TokensOut: usage.OutputTokens,
		CostUSD:   llm.PriceUSD(model, usage.InputTokens, usage.OutputTokens),
		Model:     model,
	}, nil
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// extractResponsesText extracts model text from the Responses API envelope
// per https://platform.openai.com/docs/api-reference/responses/object.
// It prefers `output_text`, and otherwise concatenates any text segments
// found in `output[i].content[j].text` where `type` is `output_text` or `text`.
func extractResponsesText(raw []byte) (string, responsesUsage) {
	type content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	type output struct {
		Content []content `json:"content"`
		Role    string    `json:"role,omitempty"`
	}
	var env struct {
		Object     string         `json:"object"`
		Status     string         `json:"status"`
		Output     []output       `json:"output"`
		OutputText string         `json:"output_text"`
		Usage      responsesUsage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", responsesUsage{}
	}

	// Prefer the convenience field when present
	if s := strings.TrimSpace(env.OutputText); s != "" {
		return s, env.Usage
	}

	var b strings.Builder
	for _, o := range env.Output {
		for _, c := range o.Content {
			if strings.TrimSpace(c.Text) == "" {
				continue
			}
			// Both `output_text` and `text` are seen in practice
			if c.Type == "output_text" || c.Type == "text" || c.Type == "" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(c.Text)
			}
		}
	}
	return b.String(), env.Usage
}

func truncateBytes(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func isOpenAIImageMIME(m string) bool {
	m = strings.ToLower(strings.TrimSpace(m))
	switch m {
	case "image/jpeg", "image/jpg", "image/png", "image/webp":
		return true
	}
	return false
}
