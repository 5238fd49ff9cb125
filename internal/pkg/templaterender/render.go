// Package templaterender renders the short text templates attached to
// security alerts.
package templaterender

import (
	"bytes"
	"sync"
	"text/template"
)

// Renderer caches parsed templates by source text.
type Renderer struct {
	mu    sync.RWMutex
	cache map[string]*template.Template
}

func New() *Renderer {
	return &Renderer{cache: make(map[string]*template.Template)}
}

// Render executes src against data. Missing keys render as zero values.
func (r *Renderer) Render(src string, data any) (string, error) {
	if src == "" {
		return "", nil
	}
	t, err := r.parsed(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (r *Renderer) parsed(src string) (*template.Template, error) {
	r.mu.RLock()
	t, ok := r.cache[src]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	t, err := template.New("tpl").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[src] = t
	r.mu.Unlock()
	return t, nil
}

// RenderString renders src once without caching.
func RenderString(src string, data any) (string, error) {
	return New().Render(src, data)
}
