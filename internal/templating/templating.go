// Package templating renders HTML email bodies from a layout template and a
// body file, substituting {{path|modifier:"arg"}} placeholders with bound
// data.
package templating

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shineum/mailer-lite/internal/mailer"
	"github.com/shineum/mailer-lite/internal/message"
)

// Engine holds registered layouts, cached body files, shared data and the
// modifier registry.
type Engine struct {
	mailer    *mailer.Mailer
	bodiesDir string
	modifiers *Modifiers

	mu        sync.RWMutex
	data      Data
	templates map[string]*Template
	bodies    map[string]string
}

// NewEngine creates an Engine composing messages through m. Body files are
// looked up as <bodiesDir>/<name>.html.
func NewEngine(m *mailer.Mailer, bodiesDir string) *Engine {
	return &Engine{
		mailer:    m,
		bodiesDir: bodiesDir,
		modifiers: NewModifiers(),
		data:      newData(),
		templates: make(map[string]*Template),
		bodies:    make(map[string]string),
	}
}

// Modifiers returns the modifier registry.
func (e *Engine) Modifiers() *Modifiers {
	return e.modifiers
}

// Set binds a value shared by every template rendered by the engine.
func (e *Engine) Set(key string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data.Set(key, value)
}

// Get resolves a dotted path in the engine data.
func (e *Engine) Get(path string) any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data.Get(path)
}

// LoadTemplate reads the layout at path and registers it under name.
func (e *Engine) LoadTemplate(name, path string) (*Template, error) {
	html, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("templating: template %q not readable: %w", name, err)
	}
	if len(html) == 0 {
		return nil, fmt.Errorf("templating: template %q is empty", name)
	}

	t := &Template{
		engine: e,
		name:   name,
		path:   path,
		html:   string(html),
		data:   newData(),
	}
	e.RegisterTemplate(t)
	return t, nil
}

// RegisterTemplate adds t under its name, replacing any previous layout.
func (e *Engine) RegisterTemplate(t *Template) {
	e.mu.Lock()
	e.templates[strings.ToLower(t.name)] = t
	e.mu.Unlock()
}

// Template returns the layout registered under name.
func (e *Engine) Template(name string) (*Template, error) {
	e.mu.RLock()
	t, ok := e.templates[strings.ToLower(name)]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return t, nil
}

// BodyHTML returns the content of the body file name. With cache set the
// file is read once and kept in memory.
func (e *Engine) BodyHTML(name string, cache bool) (string, error) {
	key := strings.ToLower(name)
	if cache {
		e.mu.RLock()
		body, ok := e.bodies[key]
		e.mu.RUnlock()
		if ok {
			return body, nil
		}
	}

	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("templating: invalid body file name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(e.bodiesDir, name+".html"))
	if err != nil {
		return "", fmt.Errorf("templating: body file %q not readable: %w", name, err)
	}

	body := string(data)
	if cache {
		e.mu.Lock()
		e.bodies[key] = body
		e.mu.Unlock()
	}
	return body, nil
}

// Template is a registered layout. Its HTML contains a {{body}} placeholder
// that is replaced by the body file of each email.
type Template struct {
	engine *Engine
	name   string
	path   string
	html   string

	mu   sync.RWMutex
	data Data
}

// Name returns the registered name.
func (t *Template) Name() string { return t.name }

// HTML returns the raw layout.
func (t *Template) HTML() string { return t.html }

// Set binds a value for every email built from this layout. Template values
// override engine values with the same key.
func (t *Template) Set(key string, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Set(key, value)
}

// UseBody starts an email from this layout with the cached body file
// bodyName. subject is bound as both "subject" and "preHeader".
func (t *Template) UseBody(bodyName, subject string) (*TemplatedEmail, error) {
	body, err := t.engine.BodyHTML(bodyName, true)
	if err != nil {
		return nil, err
	}

	t.engine.mu.RLock()
	t.mu.RLock()
	data := t.engine.data.merge(t.data)
	t.mu.RUnlock()
	t.engine.mu.RUnlock()

	email := &TemplatedEmail{
		engine:  t.engine,
		subject: subject,
		html:    strings.ReplaceAll(t.html, "{{body}}", body),
		data:    data,
	}
	if err := email.Set("subject", subject); err != nil {
		return nil, err
	}
	if err := email.Set("preHeader", subject); err != nil {
		return nil, err
	}
	return email, nil
}

// TemplatedEmail is a layout with its body filled in, ready to render.
type TemplatedEmail struct {
	engine  *Engine
	subject string
	html    string
	data    Data
}

// Subject returns the email subject.
func (m *TemplatedEmail) Subject() string { return m.subject }

// Set binds a value for this email only.
func (m *TemplatedEmail) Set(key string, value any) error {
	return m.data.Set(key, value)
}

// Get resolves a dotted path in the email data.
func (m *TemplatedEmail) Get(path string) any {
	return m.data.Get(path)
}

// HTML renders the email body, replacing every placeholder.
func (m *TemplatedEmail) HTML() (string, error) {
	return render(m.html, &m.data, m.engine.modifiers)
}

// Compose renders the email and returns a Message from the engine's mailer
// carrying the HTML body.
func (m *TemplatedEmail) Compose() (*message.Message, error) {
	if m.engine.mailer == nil {
		return nil, errors.New("templating: engine has no mailer")
	}
	html, err := m.HTML()
	if err != nil {
		return nil, err
	}
	return m.engine.mailer.Compose(m.subject).SetHTML(html), nil
}
