package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"reply-pilot/api/internal/llm"
	"reply-pilot/api/internal/util"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type Engine struct {
	APIKey string
	Model  string
}

func New(apiKey, model string) *Engine {
	return &Engine{
		APIKey: strings.TrimSpace(apiKey),
		Model:  strings.TrimSpace(model),
	}
}

func (e *Engine) Name() string     { return "gemini" }
func (e *Engine) GetModel() string { return e.Model }

func (e *Engine) Invoke(ctx context.Context, in llm.Request) (llm.Result, error) {
	if e.APIKey == "" {
		return llm.Result{}, errors.New("GEMINI_API_KEY is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(e.APIKey))
	if err != nil {
		return llm.Result{}, fmt.Errorf("gemini: %v: %w", err, llm.ErrTransport)
	}
	defer cl.Close()

	m := cl.GenerativeModel(strings.TrimSpace(e.Model))
	if m == nil {
		return llm.Result{}, fmt.Errorf("gemini: model is nil")
	}
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: ptrFloat32(0.3),
	}
	if in.JSONOnly {
		// Возвращаем строго JSON
		m.GenerationConfig.ResponseMIMEType = "application/json"
		m.GenerationConfig.Temperature = ptrFloat32(0)
	}
	if strings.TrimSpace(in.System) != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(in.System)},
		}
	}

	parts := []genai.Part{genai.Text(in.User)}
	if strings.TrimSpace(in.Image) != "" {
		imgBytes, mimeFromDataURL, err := util.DecodeBase64MaybeDataURL(in.Image)
		if err != nil {
			return llm.Result{}, fmt.Errorf("gemini: bad base64: %w", err)
		}
		finalMIME := util.PickMIME("", mimeFromDataURL, imgBytes)
		parts = append(parts, &genai.Blob{MIMEType: finalMIME, Data: imgBytes})
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return llm.Result{}, mapError(err)
	}
	txt := firstText(resp)
	if txt == "" {
		return llm.Result{}, fmt.Errorf("gemini: empty response: %w", llm.ErrInvalidResponse)
	}
	txt = util.StripCodeFences(strings.TrimSpace(txt))

	var tokensIn, tokensOut int
	if resp.UsageMetadata != nil {
		tokensIn = int(resp.UsageMetadata.PromptTokenCount)
		tokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return llm.Result{
		Text:      txt,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   llm.PriceUSD(e.Model, tokensIn, tokensOut),
		Model:     e.Model,
	}, nil
}

func mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gemini: %w", llm.ErrTimeout)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("gemini 429: %w", llm.ErrRateLimited)
		case gerr.Code >= 500:
			return fmt.Errorf("gemini %d: %w", gerr.Code, llm.ErrTransport)
		}
		return fmt.Errorf("gemini %d: %s: %w", gerr.Code, util.Truncate(gerr.Message, 256), llm.ErrInvalidResponse)
	}
	return fmt.Errorf("gemini: %v: %w", err, llm.ErrTransport)
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok && strings.TrimSpace(string(t)) != "" {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(f float32) *float32 { return &f }
