package api

import (
	"net/http"

	"github.com/ignite/dispatch-worker/internal/domain"
	"github.com/ignite/dispatch-worker/internal/pkg/httputil"
	"github.com/ignite/dispatch-worker/internal/variation"
)

const defaultPreviewCount = 5

// Previewer generates consecutive variants without persisting them.
type Previewer interface {
	Preview(cfg domain.HumanizationConfig, vars domain.Variables, n int) []domain.Variant
}

// PreviewRequest is the body of POST /variants/preview.
type PreviewRequest struct {
	Config     domain.HumanizationConfig `json:"config"`
	Attributes map[string]interface{}    `json:"attributes"`
	Count      int                       `json:"count"`
}

// PreviewVariant is one previewed text.
type PreviewVariant struct {
	Text    string `json:"text"`
	Hash    string `json:"hash"`
	DelayMs int    `json:"delayMs"`
}

// PreviewHandler lets operators check a humanization profile against a
// sample contact before launching.
type PreviewHandler struct {
	previewer Previewer
}

// NewPreviewHandler creates the handler.
func NewPreviewHandler(p Previewer) *PreviewHandler {
	return &PreviewHandler{previewer: p}
}

// ServeHTTP handles POST /variants/preview.
func (h *PreviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := PreviewRequest{Config: domain.HumanizationConfig{LastVariantIndex: -1}}
	if !httputil.Decode(w, r, &req) {
		return
	}

	switch req.Config.RotationStrategy {
	case "":
		req.Config.RotationStrategy = domain.RotationRoundRobin
	case domain.RotationRoundRobin, domain.RotationRandom:
	default:
		httputil.BadRequest(w, "rotationStrategy must be round_robin or random")
		return
	}
	if lvl := req.Config.SyntacticVariationLevel; lvl < 0 || lvl > 3 {
		httputil.BadRequest(w, "syntacticVariationLevel must be between 0 and 3")
		return
	}
	if req.Config.MinDelayMs < 0 || req.Config.MaxDelayMs < 0 {
		httputil.BadRequest(w, "delays must not be negative")
		return
	}
	if req.Count == 0 {
		req.Count = defaultPreviewCount
	}

	variants := h.previewer.Preview(req.Config, variation.VariablesFromAttributes(req.Attributes), req.Count)
	out := make([]PreviewVariant, 0, len(variants))
	for _, v := range variants {
		out = append(out, PreviewVariant{Text: v.Text, Hash: v.Hash, DelayMs: v.DelayMs})
	}
	httputil.OK(w, out)
}
