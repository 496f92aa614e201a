// Package render fills contact attributes into campaign message text using
// the Liquid template language. Rendering is lax: a missing attribute
// renders empty, and a template that fails to parse is returned unchanged.
package render

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/osteele/liquid"

	"github.com/ignite/dispatch-worker/internal/pkg/logger"
)

// TemplateService renders Liquid text with parse caching.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates a service with the messaging filters installed.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerFilters()
	return ts
}

func (ts *TemplateService) registerFilters() {
	// {{ apelido | default: "cliente" }}
	ts.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if isBlank(value) {
			return fallback
		}
		return value
	})

	// {{ nome | capitalize }}
	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		r := []rune(strings.ToLower(s))
		r[0] = unicode.ToUpper(r[0])
		return string(r)
	})

	// {{ nome | first_name }}
	ts.engine.RegisterFilter("first_name", func(s string) string {
		fields := strings.Fields(s)
		if len(fields) == 0 {
			return ""
		}
		return fields[0]
	})

	// {{ empresa | blank }}
	ts.engine.RegisterFilter("blank", isBlank)
}

func isBlank(value interface{}) bool {
	if value == nil {
		return true
	}
	s := strings.TrimSpace(fmt.Sprintf("%v", value))
	return s == "" || s == "<nil>"
}

// HasTags reports whether text contains Liquid markup.
func HasTags(text string) bool {
	return strings.Contains(text, "{{") || strings.Contains(text, "{%")
}

// Render renders text with bindings. cacheKey may be empty to skip caching.
// On failure the original text is returned with the error.
func (ts *TemplateService) Render(cacheKey, text string, bindings map[string]interface{}) (string, error) {
	if !HasTags(text) {
		return text, nil
	}

	var tpl *liquid.Template
	if cacheKey != "" {
		if cached, ok := ts.cache.Load(cacheKey); ok {
			tpl = cached.(*liquid.Template)
		}
	}
	if tpl == nil {
		parsed, err := ts.engine.ParseString(text)
		if err != nil {
			logger.Warn("template parse failed", "error", err)
			return text, err
		}
		tpl = parsed
		if cacheKey != "" {
			ts.cache.Store(cacheKey, tpl)
		}
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		logger.Warn("template render failed", "error", err)
		return text, err
	}
	return out, nil
}

// RenderText is Render without caching or an error return, for callers
// that treat templating as best effort.
func (ts *TemplateService) RenderText(text string, bindings map[string]interface{}) string {
	out, _ := ts.Render("", text, bindings)
	return out
}
