// Package variation generates humanized campaign messages: each recipient
// gets a text assembled from a phrase bank, lightly reworded, never equal
// to the previous variant, plus a randomized send delay.
package variation

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ignite/dispatch-worker/internal/domain"
)

const (
	defaultOpener  = "Oi {{nome}}"
	defaultClosing = "Se quiser, te explico rapidinho."

	defaultNome   = "cliente"
	defaultCidade = "sua cidade"

	randomIndexSpan = 10000
	hashLength      = 24
	maxPreview      = 20
)

// alternatives are applied in order starting at index seed%len.
var alternatives = [][2]string{
	{" tudo bem", " tudo certo"},
	{" posso", " consigo"},
	{" te mostrar", " te explicar"},
}

var (
	nomeRe       = regexp.MustCompile(`(?i)\{\{\s*nome\s*\}\}`)
	cidadeRe     = regexp.MustCompile(`(?i)\{\{\s*cidade\s*\}\}`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	altRes       = compileAlternatives()
)

func compileAlternatives() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(alternatives))
	for i, alt := range alternatives {
		out[i] = regexp.MustCompile("(?i)" + regexp.QuoteMeta(alt[0]))
	}
	return out
}

// Source is the randomness used for random rotation and delays.
// *rand.Rand satisfies it.
type Source interface {
	Intn(n int) int
}

// Renderer fills remaining template tags from contact attributes.
type Renderer interface {
	RenderText(text string, bindings map[string]interface{}) string
}

// Engine generates variants. It is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	rnd      Source
	renderer Renderer
}

// Option configures an Engine.
type Option func(*Engine)

// WithSource injects the random source.
func WithSource(src Source) Option {
	return func(e *Engine) { e.rnd = src }
}

// WithRenderer enables template rendering of contact attributes beyond
// nome and cidade.
func WithRenderer(r Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// NewEngine creates an engine seeded from the clock unless a source is given.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

// Generate produces the variant following cfg's rotation state.
func (e *Engine) Generate(cfg domain.HumanizationConfig, vars domain.Variables) domain.Variant {
	openers := nonEmpty(cfg.PhraseBank.Openers, defaultOpener)
	bodies := nonEmpty(cfg.PhraseBank.Bodies, cfg.BaseTemplateText)
	closings := nonEmpty(cfg.PhraseBank.Closings, defaultClosing)

	nextIndex := cfg.LastVariantIndex + 1
	if cfg.RotationStrategy == domain.RotationRandom {
		nextIndex = e.intn(randomIndexSpan)
	}

	parts := []string{
		pick(openers, nextIndex),
		pick(bodies, nextIndex+1),
		pick(closings, nextIndex+2),
	}
	text := strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.Join(parts, " "), " "))
	text = e.renderVariables(text, vars)
	text = applySyntacticVariation(text, cfg.SyntacticVariationLevel, nextIndex)

	hash := HashText(text)
	if cfg.LastVariantHash != "" && hash == cfg.LastVariantHash {
		text = togglePunctuation(text)
		hash = HashText(text)
	}

	return domain.Variant{
		Text:      text,
		Hash:      hash,
		DelayMs:   e.randomDelay(cfg.MinDelayMs, cfg.MaxDelayMs),
		NextIndex: nextIndex,
	}
}

// Preview generates n consecutive variants without persisting anything.
// n is clamped to 1..20.
func (e *Engine) Preview(cfg domain.HumanizationConfig, vars domain.Variables, n int) []domain.Variant {
	if n < 1 {
		n = 1
	}
	if n > maxPreview {
		n = maxPreview
	}
	out := make([]domain.Variant, 0, n)
	for i := 0; i < n; i++ {
		v := e.Generate(cfg, vars)
		out = append(out, v)
		cfg = cfg.Advance(v)
	}
	return out
}

func (e *Engine) renderVariables(text string, vars domain.Variables) string {
	nome := strings.TrimSpace(vars.Nome)
	if nome == "" {
		nome = defaultNome
	}
	cidade := strings.TrimSpace(vars.Cidade)
	if cidade == "" {
		cidade = defaultCidade
	}
	text = nomeRe.ReplaceAllLiteralString(text, nome)
	text = cidadeRe.ReplaceAllLiteralString(text, cidade)

	if e.renderer != nil && len(vars.Extra) > 0 && strings.Contains(text, "{") {
		bindings := make(map[string]interface{}, len(vars.Extra)+2)
		for k, v := range vars.Extra {
			bindings[k] = v
		}
		bindings["nome"] = nome
		bindings["cidade"] = cidade
		text = e.renderer.RenderText(text, bindings)
	}
	return text
}

func applySyntacticVariation(text string, level, seed int) string {
	if level <= 0 {
		return text
	}
	if level > len(alternatives) {
		level = len(alternatives)
	}
	for i := 0; i < level; i++ {
		idx := mod(seed+i, len(alternatives))
		loc := altRes[idx].FindStringIndex(text)
		if loc == nil {
			continue
		}
		text = text[:loc[0]] + alternatives[idx][1] + text[loc[1]:]
	}
	return text
}

func togglePunctuation(text string) string {
	if strings.HasSuffix(text, ".") {
		return strings.TrimSuffix(text, ".") + "!"
	}
	return text + "."
}

// HashText is the truncated SHA-256 used for anti-repeat checks.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:hashLength]
}

func (e *Engine) randomDelay(minMs, maxMs int) int {
	if minMs < 0 {
		minMs = 0
	}
	if maxMs < minMs {
		maxMs = minMs
	}
	return minMs + e.intn(maxMs-minMs+1)
}

func (e *Engine) intn(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rnd.Intn(n)
}

func nonEmpty(list []string, fallback string) []string {
	if len(list) > 0 {
		return list
	}
	return []string{fallback}
}

func pick(list []string, index int) string {
	if index < 0 {
		index = -index
	}
	return list[index%len(list)]
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}

// VariablesFromAttributes reads nome/cidade (or name/city) from contact
// attributes and keeps the rest for template rendering.
func VariablesFromAttributes(attrs map[string]interface{}) domain.Variables {
	vars := domain.Variables{
		Nome:   firstString(attrs, "nome", "name"),
		Cidade: firstString(attrs, "cidade", "city"),
		Extra:  attrs,
	}
	if vars.Nome == "" {
		vars.Nome = defaultNome
	}
	if vars.Cidade == "" {
		vars.Cidade = defaultCidade
	}
	return vars
}

func firstString(attrs map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := attrs[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
