package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

type Templates struct {
	base *template.Template
}

func NewTemplates() *Templates {
	base := template.New("").Funcs(TemplateFuncs())
	return &Templates{
		base: template.Must(base.ParseFS(templateFS, "templates/*.html")),
	}
}

func TemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"clock": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.UTC().Format("2006-01-02 15:04:05")
		},
		"ms": func(d time.Duration) string {
			return fmt.Sprintf("%.0f ms", float64(d)/float64(time.Millisecond))
		},
		"upper": strings.ToUpper,
	}
}

// RenderPage renders a full page by name
func (t *Templates) RenderPage(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.base.ExecuteTemplate(w, name, data); err != nil {
		http.Error(w, "Template rendering error: "+err.Error(), http.StatusInternalServerError)
	}
}
