package handle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reply-pilot/api/internal/billing"
	"reply-pilot/api/internal/cache"
	"reply-pilot/api/internal/llm"
	"reply-pilot/api/internal/pipeline"
	"reply-pilot/api/internal/schema"
)

type Handle struct {
	orch *pipeline.Orchestrator
}

func New(orch *pipeline.Orchestrator) *Handle {
	return &Handle{orch: orch}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// --- SUGGEST -----------------------------------------------------------------

type suggestReq struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Scene     string `json:"scene,omitempty"`
	Text      string `json:"text,omitempty"`
	Image     string `json:"image,omitempty"` // base64 или data:URL скриншота
	Tier      string `json:"tier,omitempty"`  // "fast" | "premium"
}

type suggestResp struct {
	State          string         `json:"state"`
	Scene          schema.Scene   `json:"scene,omitempty"`
	Replies        []schema.Reply `json:"replies,omitempty"`
	Fallback       bool           `json:"fallback,omitempty"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
	SpendUSD       float64        `json:"spend_usd"`
	Downgraded     bool           `json:"downgraded,omitempty"`
	Error          string         `json:"error,omitempty"`
}

func (h *Handle) Suggest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req suggestReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.Image) == "" {
		http.Error(w, "text or image is required", http.StatusBadRequest)
		return
	}

	deadline := 180 * time.Second
	if ts := r.Header.Get("X-Request-Timeout"); ts != "" {
		if v, _ := strconv.Atoi(ts); v > 0 {
			deadline = time.Duration(v) * time.Second
		}
	} else if ts := r.URL.Query().Get("timeoutSec"); ts != "" {
		if v, _ := strconv.Atoi(ts); v > 0 {
			deadline = time.Duration(v) * time.Second
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), deadline)
	defer cancel()

	res := h.orch.Suggest(ctx, pipeline.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Scene:     req.Scene,
		Text:      req.Text,
		Image:     req.Image,
		Tier:      llm.Tier(req.Tier),
	})

	if res.State == pipeline.StateFailed {
		writeJSON(w, failureCode(res.Err), suggestResp{
			State:    string(res.State),
			SpendUSD: res.SpendUSD,
			Error:    res.Err.Error(),
		})
		return
	}

	out := suggestResp{
		State:          string(res.State),
		Scene:          res.Scene,
		Fallback:       res.Fallback,
		FallbackReason: res.FallbackReason,
		SpendUSD:       res.SpendUSD,
		Downgraded:     res.Downgraded,
	}
	if res.Reply != nil {
		out.Replies = res.Reply.Replies
	}
	writeJSON(w, http.StatusOK, out)
}

func failureCode(err error) int {
	switch {
	case errors.Is(err, billing.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, cache.ErrSceneMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
