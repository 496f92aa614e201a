// Package provider sends messages through the WhatsApp Cloud API and
// normalizes its failures into short error codes.
package provider

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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/ignite/dispatch-worker/internal/pkg/logger"
	"github.com/ignite/dispatch-worker/internal/tracing"
)

var tracer = otel.Tracer("github.com/ignite/dispatch-worker/internal/provider")

// Normalized error codes.
const (
	CodeRequestFailed      = "meta_request_failed"
	CodeMissingMessageID   = "meta_missing_message_id"
	CodeTimeout            = "meta_timeout"
	CodeCredentialsMissing = "meta_credentials_missing"
)

const maxResponseBytes = 1 << 20

// Request is one outbound message. Text, when set, is sent as a free-text
// message; otherwise the approved template is used.
type Request struct {
	To           string
	Text         string
	TemplateName string
	LanguageCode string
}

// Result carries the provider-assigned message id.
type Result struct {
	MessageID string
}

// Error is a failed send. Code is what gets persisted on the message.
type Error struct {
	Code   string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider send failed (%s): %v", e.Code, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("provider send failed (%s): http %d", e.Code, e.Status)
	}
	return fmt.Sprintf("provider send failed (%s)", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the normalized code.
func (e *Error) ErrorCode() string { return e.Code }

// CodeOf extracts the normalized code from err, falling back to
// meta_request_failed.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	return CodeRequestFailed
}

// Sender sends a single message.
type Sender interface {
	Send(ctx context.Context, req Request) (*Result, error)
}

// Config configures a CloudClient.
type Config struct {
	AccessToken   string
	PhoneNumberID string
	GraphVersion  string
	BaseURL       string
	Timeout       time.Duration
	// AllowMock permits mock sends when credentials are missing. Callers
	// must never set it in production.
	AllowMock bool
	MaxRPS    float64
	Burst     int
}

// CloudClient talks to the Graph API messages endpoint.
type CloudClient struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewCloudClient builds a client authenticating with a static bearer token.
func NewCloudClient(cfg Config) *CloudClient {
	if cfg.GraphVersion == "" {
		cfg.GraphVersion = "v20.0"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"})
	client := oauth2.NewClient(context.Background(), ts)
	client.Timeout = cfg.Timeout

	limit := rate.Inf
	if cfg.MaxRPS > 0 {
		limit = rate.Limit(cfg.MaxRPS)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &CloudClient{cfg: cfg, client: client, limiter: rate.NewLimiter(limit, burst)}
}

// Mock reports whether the client answers with mock ids.
func (c *CloudClient) Mock() bool {
	return c.credentialsMissing() && c.cfg.AllowMock
}

func (c *CloudClient) credentialsMissing() bool {
	return c.cfg.AccessToken == "" || c.cfg.PhoneNumberID == ""
}

type messagePayload struct {
	MessagingProduct string           `json:"messaging_product"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             *textPayload     `json:"text,omitempty"`
	Template         *templatePayload `json:"template,omitempty"`
}

type textPayload struct {
	Body string `json:"body"`
}

type templatePayload struct {
	Name     string           `json:"name"`
	Language templateLanguage `json:"language"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// Send posts req to the messages endpoint.
func (c *CloudClient) Send(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "provider.send", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Bool("provider.mock", c.Mock()),
			attribute.Bool("provider.template", req.TemplateName != ""),
		))
	defer span.End()

	res, err := c.send(ctx, req)
	if err != nil {
		tracing.RecordError(span, err, CodeOf(err))
	}
	return res, err
}

func (c *CloudClient) send(ctx context.Context, req Request) (*Result, error) {
	if c.credentialsMissing() {
		if !c.cfg.AllowMock {
			return nil, &Error{Code: CodeCredentialsMissing}
		}
		id := "mock-" + uuid.NewString()
		logger.Debug("mock provider send", "provider_message_id", id)
		return &Result{MessageID: id}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classify(ctx, err)
	}

	body, err := json.Marshal(buildPayload(req))
	if err != nil {
		return nil, &Error{Code: CodeRequestFailed, Err: err}
	}

	url := fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.GraphVersion, c.cfg.PhoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Code: CodeRequestFailed, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(ctx, err)
	}

	var parsed messageResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := CodeRequestFailed
		if decodeErr == nil && parsed.Error != nil {
			if s := errorCodeString(parsed.Error.Code); s != "" {
				code = s
			}
		}
		return nil, &Error{Code: code, Status: resp.StatusCode}
	}

	if decodeErr != nil || len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return nil, &Error{Code: CodeMissingMessageID, Status: resp.StatusCode}
	}
	return &Result{MessageID: parsed.Messages[0].ID}, nil
}

func buildPayload(req Request) messagePayload {
	p := messagePayload{MessagingProduct: "whatsapp", To: req.To}
	if strings.TrimSpace(req.Text) != "" {
		p.Type = "text"
		p.Text = &textPayload{Body: req.Text}
		return p
	}
	p.Type = "template"
	p.Template = &templatePayload{Name: req.TemplateName, Language: templateLanguage{Code: req.LanguageCode}}
	return p
}

// errorCodeString accepts the Graph API error code as either a number or a
// string.
func errorCodeString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Code: CodeTimeout, Err: err}
	}
	return &Error{Code: CodeRequestFailed, Err: err}
}
