package msgcat

import (
    _ "embed"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "text/template"

    yaml "gopkg.in/yaml.v3"
)

//go:embed messages.en.yaml
var defaultMessages []byte

var ErrNotFound = errors.New("message not found")

// Catalog holds user-facing texts keyed by dotted path ("outcome.win.time").
// Texts are text/template sources; a missing field is an error.
type Catalog struct {
    mu    sync.RWMutex
    texts map[string]string
    // parsed templates, filled lazily
    cache map[string]*template.Template
}

// New loads the embedded English texts, then every *.yaml / *.yml file in overrideDir.
func New(overrideDir string) (*Catalog, error) {
    c := &Catalog{texts: make(map[string]string), cache: make(map[string]*template.Template)}
    flat, err := flatten(defaultMessages)
    if err != nil {
        return nil, fmt.Errorf("embedded messages: %w", err)
    }
    c.merge(flat)
    if strings.TrimSpace(overrideDir) != "" {
        if err := c.applyDir(overrideDir); err != nil {
            return nil, err
        }
    }
    return c, nil
}

// MustDefault returns the embedded catalog; the embedded file is known to parse.
func MustDefault() *Catalog {
    c, err := New("")
    if err != nil { panic(err) }
    return c
}

func (c *Catalog) applyDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil {
        return fmt.Errorf("read messages dir: %w", err)
    }
    var files []string
    for _, e := range entries {
        if e.IsDir() { continue }
        switch strings.ToLower(filepath.Ext(e.Name())) {
        case ".yaml", ".yml":
            files = append(files, e.Name())
        }
    }
    sort.Strings(files)

    // 오버라이드 파일끼리 같은 키를 정의하면 오류
    owner := make(map[string]string)
    for _, name := range files {
        b, err := os.ReadFile(filepath.Join(dir, name))
        if err != nil { return fmt.Errorf("read %s: %w", name, err) }
        flat, err := flatten(b)
        if err != nil { return fmt.Errorf("parse %s: %w", name, err) }
        for k := range flat {
            if prev, ok := owner[k]; ok {
                return fmt.Errorf("duplicate message key %q in %s and %s", k, prev, name)
            }
            owner[k] = name
        }
        c.merge(flat)
    }
    return nil
}

func (c *Catalog) merge(flat map[string]string) {
    c.mu.Lock()
    defer c.mu.Unlock()
    for k, v := range flat {
        c.texts[k] = v
        delete(c.cache, k)
    }
}

func flatten(b []byte) (map[string]string, error) {
    var root map[string]any
    if err := yaml.Unmarshal(b, &root); err != nil {
        return nil, err
    }
    out := make(map[string]string)
    if err := walk(root, "", out); err != nil {
        return nil, err
    }
    return out, nil
}

func walk(node any, prefix string, out map[string]string) error {
    switch v := node.(type) {
    case map[string]any:
        for k, child := range v {
            key := k
            if prefix != "" { key = prefix + "." + k }
            if err := walk(child, key, out); err != nil { return err }
        }
    case string:
        if prefix == "" { return errors.New("top-level string without key") }
        out[prefix] = v
    case nil:
    default:
        return fmt.Errorf("unsupported value at %s: %T", prefix, v)
    }
    return nil
}

// Has reports whether key has a non-blank text.
func (c *Catalog) Has(key string) bool {
    c.mu.RLock()
    defer c.mu.RUnlock()
    return strings.TrimSpace(c.texts[strings.TrimSpace(key)]) != ""
}

// Render executes the text stored under key.
func (c *Catalog) Render(key string, data any) (string, error) {
    key = strings.TrimSpace(key)
    tpl, err := c.template(key)
    if err != nil { return "", err }
    var sb strings.Builder
    if err := tpl.Execute(&sb, data); err != nil {
        return "", fmt.Errorf("render %s: %w", key, err)
    }
    return sb.String(), nil
}

// RenderOr is Render with a fallback for missing or broken texts.
func (c *Catalog) RenderOr(key string, data any, fallback string) string {
    if c == nil { return fallback }
    s, err := c.Render(key, data)
    if err != nil { return fallback }
    return s
}

func (c *Catalog) template(key string) (*template.Template, error) {
    c.mu.RLock()
    tpl, ok := c.cache[key]
    text := c.texts[key]
    c.mu.RUnlock()
    if ok { return tpl, nil }
    if strings.TrimSpace(text) == "" {
        return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
    }
    tpl, err := template.New(key).Option("missingkey=error").Parse(text)
    if err != nil { return nil, fmt.Errorf("parse %s: %w", key, err) }
    c.mu.Lock()
    c.cache[key] = tpl
    c.mu.Unlock()
    return tpl, nil
}
