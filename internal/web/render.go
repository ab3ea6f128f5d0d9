// Package web renders the embedded HTML status pages.
package web

import (
	"embed"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/matst80/procwrap/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

// Page is what every template executes against. Data is the page specific
// value, usually a plain struct.
type Page struct {
	Title string
	Now   string
	Data  any
}

var funcs = template.FuncMap{
	// seconds renders a float second count the way time.Duration prints it
	"seconds": func(s float64) string {
		return time.Duration(s * float64(time.Second)).Truncate(time.Second).String()
	},
}

func load() {
	tmpl = template.Must(template.New("base").Funcs(funcs).ParseFS(tmplFS, "templates/*.html"))
}

// Render executes the named page template. A page that fails to render is
// logged and the bare layout is written instead, so the browser always gets
// a document.
func Render(w io.Writer, name, title string, data any) error {
	once.Do(load)
	page := Page{Title: title, Now: time.Now().Format(time.RFC822), Data: data}
	if tmpl.Lookup(name) == nil {
		obs.Warn("web.render", obs.Fields{"template": name, "err": "no such template"})
		return errors.Wrapf(tmpl.ExecuteTemplate(w, "base", page), "render base for %s", name)
	}
	return errors.Wrapf(tmpl.ExecuteTemplate(w, name, page), "render %s", name)
}
