package generator

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Sumatoshi-tech/archgen/pkg/item"
)

// Prompts are the text/template sources used to talk to the model. Each
// template receives a PromptData value. The "fence" function yields a Markdown
// code fence.
type Prompts struct {
	System  string `mapstructure:"system" yaml:"system"`
	Bucket  string `mapstructure:"bucket" yaml:"bucket"`
	Summary string `mapstructure:"summary" yaml:"summary"`
	Diagram string `mapstructure:"diagram" yaml:"diagram"`
	Merge   string `mapstructure:"merge" yaml:"merge"`
}

// PromptItem is one source item as shown to the model.
type PromptItem struct {
	Path    string
	Type    string
	Content string
}

// PromptData is the value every prompt template is executed with.
type PromptData struct {
	Kind      string
	Style     string
	Summary   string
	Diagram   string
	Items     []PromptItem
	Fragments []string
}

const defaultSystemPrompt = `You are a senior software architect. You read source files of one system ` +
	`and describe its architecture as a Mermaid {{.Kind}} diagram. Name components by their role, ` +
	`keep node identifiers short and stable, and only draw relations the code supports.` +
	`{{if .Style}}
Style guidance: {{.Style}}{{end}}`

const defaultBucketPrompt = `{{if .Summary}}Architecture understood so far:
{{.Summary}}

{{end}}{{if .Diagram}}Current diagram:
{{fence}}mermaid
{{.Diagram}}
{{fence}}

{{end}}Analyze the following {{len .Items}} file(s).
{{range .Items}}
### {{.Path}}{{if .Type}} ({{.Type}}){{end}}
{{fence}}
{{.Content}}
{{fence}}
{{end}}
Reply with a <summary></summary> element describing the components, responsibilities and ` +
	`relations found in these files, followed by exactly one {{fence}}mermaid block holding a ` +
	`{{.Kind}} diagram of them. Reuse node identifiers from the current diagram when the same ` +
	`component appears.`

const defaultSummaryPrompt = `{{if .Summary}}Architecture understood so far:
{{.Summary}}

{{end}}Extend the description with what the following {{len .Items}} file(s) reveal.
{{range .Items}}
### {{.Path}}{{if .Type}} ({{.Type}}){{end}}
{{fence}}
{{.Content}}
{{fence}}
{{end}}
Reply with a <summary></summary> element only.`

const defaultDiagramPrompt = `{{if .Summary}}System description:
{{.Summary}}

{{end}}{{if .Diagram}}Current diagram:
{{fence}}mermaid
{{.Diagram}}
{{fence}}

{{end}}Draw the components of the following {{len .Items}} file(s).
{{range .Items}}
### {{.Path}}{{if .Type}} ({{.Type}}){{end}}
{{fence}}
{{.Content}}
{{fence}}
{{end}}
Reply with exactly one {{fence}}mermaid block holding a {{.Kind}} diagram.`

const defaultMergePrompt = `Merge the partial diagrams below into one coherent Mermaid {{.Kind}} diagram. ` +
	`Unify nodes that describe the same component, drop duplicate relations and fix any syntax errors.
{{if .Diagram}}
Base diagram:
{{fence}}mermaid
{{.Diagram}}
{{fence}}
{{end}}{{range $i, $f := .Fragments}}
Partial diagram {{$i}}:
{{fence}}mermaid
{{$f}}
{{fence}}
{{end}}
Reply with exactly one {{fence}}mermaid block.`

// DefaultPrompts returns the built-in prompt templates.
func DefaultPrompts() Prompts {
	return Prompts{
		System:  defaultSystemPrompt,
		Bucket:  defaultBucketPrompt,
		Summary: defaultSummaryPrompt,
		Diagram: defaultDiagramPrompt,
		Merge:   defaultMergePrompt,
	}
}

func (p Prompts) isZero() bool {
	return p == Prompts{}
}

// templates are parsed prompts.
type templates struct {
	system, bucket, summary, diagram, merge *template.Template
}

var promptFuncs = template.FuncMap{
	"fence": func() string { return "```" },
}

// parse compiles every prompt. Empty entries fall back to the defaults.
func (p Prompts) parse() (*templates, error) {
	def := DefaultPrompts()
	out := &templates{}

	sources := []struct {
		name     string
		src, def string
		dst      **template.Template
	}{
		{"system", p.System, def.System, &out.system},
		{"bucket", p.Bucket, def.Bucket, &out.bucket},
		{"summary", p.Summary, def.Summary, &out.summary},
		{"diagram", p.Diagram, def.Diagram, &out.diagram},
		{"merge", p.Merge, def.Merge, &out.merge},
	}

	for _, s := range sources {
		src := s.src
		if strings.TrimSpace(src) == "" {
			src = s.def
		}

		tmpl, err := template.New(s.name).Funcs(promptFuncs).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse %s prompt: %w", s.name, err)
		}

		*s.dst = tmpl
	}

	return out, nil
}

func render(tmpl *template.Template, data PromptData) (string, error) {
	var sb strings.Builder

	err := tmpl.Execute(&sb, data)
	if err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tmpl.Name(), err)
	}

	return sb.String(), nil
}

func promptItems(items []item.Item) []PromptItem {
	out := make([]PromptItem, len(items))
	for i, it := range items {
		out[i] = PromptItem{Path: it.Path, Type: it.Type, Content: it.Content}
	}

	return out
}
