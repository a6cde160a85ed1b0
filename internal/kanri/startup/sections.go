package startup

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"text/template"

	"github.com/bdobrica/Kanri/common/shell"
)

//go:embed sections/*.sh.tmpl
var embedded embed.FS

// Order is the fixed section order every rendering follows.
var Order = []string{"engine", "sandbox", "restart", "datadir", "cleanup", "run"}

// Section is one rendered block of the startup script.
type Section struct {
	Name string
	Body string
}

// Registry resolves and renders section templates from a filesystem root
// holding <name>.sh.tmpl files.
type Registry struct {
	root fs.FS
}

// NewRegistry creates a Registry backed by root.
func NewRegistry(root fs.FS) *Registry {
	return &Registry{root: root}
}

// DefaultRegistry renders the sections compiled into the binary.
func DefaultRegistry() *Registry {
	sub, err := fs.Sub(embedded, "sections")
	if err != nil {
		// The embed pattern guarantees the directory exists.
		panic(err)
	}
	return NewRegistry(sub)
}

var funcs = template.FuncMap{
	"quote": shell.Quote,
}

// Render loads <name>.sh.tmpl and executes it against data.
//
// Section templates are trusted content shipped with the binary; user
// values reach them only through the quote function or pre-quoted fields.
func (r *Registry) Render(name string, data any) (string, error) {
	path := name + ".sh.tmpl"
	raw, err := fs.ReadFile(r.root, path)
	if err != nil {
		return "", fmt.Errorf("section %q: %w", name, err)
	}

	// missingkey=error fails loudly on a field the data does not carry
	// instead of printing "<no value>" into a shell script.
	tmpl, err := template.New(path).Option("missingkey=error").Funcs(funcs).Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("section %q: parse: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("section %q: render: %w", name, err)
	}
	return strings.TrimRight(buf.String(), "\n") + "\n", nil
}

// RenderAll renders every section in Order.
func (r *Registry) RenderAll(data any) ([]Section, error) {
	out := make([]Section, 0, len(Order))
	for _, name := range Order {
		body, err := r.Render(name, data)
		if err != nil {
			return nil, err
		}
		out = append(out, Section{Name: name, Body: body})
	}
	return out, nil
}
