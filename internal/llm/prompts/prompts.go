// Package prompts renders the AI evaluation prompt of each exercise type from
// embedded templates.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/salesdrill/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

const maxContentRunes = 10000

var (
	learnerContentRegex     = regexp.MustCompile(`(?i)</?\s*learner-content\b[^>]*>`)
	rubricRegex             = regexp.MustCompile(`(?i)</?\s*rubric\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[model.ExerciseType]*template.Template
)

// Data holds template data for an evaluation prompt.
type Data struct {
	Title    string
	Criteria []model.Criterion
	Content  string
}

// Load parses one template per exercise type from fsys. Only the first call
// has any effect.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		templates = make(map[model.ExerciseType]*template.Template)
		for _, v := range model.Variants() {
			file := "templates/" + string(v.Type) + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
				return
			}
			tmpl, err := template.New(string(v.Type)).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", file, err)
				return
			}
			templates[v.Type] = tmpl
		}
	})
	return loadErr
}

// Build renders the evaluation prompt for ex against rubric.
func Build(ex *model.Exercise, rubric *model.Evaluation) (string, error) {
	if err := Load(templateFS); err != nil {
		return "", err
	}
	tmpl, ok := templates[ex.Type]
	if !ok {
		return "", errors.New("no prompt template for exercise type " + string(ex.Type))
	}
	if rubric == nil {
		return "", errors.New("rubric is required")
	}
	v, _ := model.LookupVariant(ex.Type)

	data := Data{
		Title:    v.Title,
		Criteria: rubric.Criteria,
		Content:  Sanitize(RenderContent(ex.Content)),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderContent flattens exercise content into the plain text shown to the
// evaluator.
func RenderContent(c model.Content) string {
	var sb strings.Builder
	switch c := c.(type) {
	case model.GoalkeeperContent:
		for i, l := range c.Lines {
			fmt.Fprintf(&sb, "%d. %s: %s\n", i, l.Speaker, l.Text)
		}
	case model.CDABContent:
		writeRows(&sb, c.Characteristics)
	case model.OutilsCDABContent:
		writeRows(&sb, c.Rows)
	case model.PresentationContent:
		sb.WriteString(c.Text)
	}
	return sb.String()
}

func writeRows(sb *strings.Builder, rows []model.Characteristic) {
	for i, r := range rows {
		fmt.Fprintf(sb, "%d. Characteristic: %s\n   Definition: %s\n   Advantage: %s\n   Benefit: %s\n",
			i+1, r.Characteristic, r.Definition, r.Advantage, r.Benefit)
	}
}

// Sanitize removes prompt delimiters the learner may have typed and bounds
// the length of the content.
func Sanitize(content string) string {
	content = learnerContentRegex.ReplaceAllString(content, "")
	content = rubricRegex.ReplaceAllString(content, "")
	content = systemInstructionsRegex.ReplaceAllString(content, "")
	content = strings.TrimSpace(content)

	if content == "" {
		return "[No content provided]"
	}

	if utf8.RuneCountInString(content) > maxContentRunes {
		runes := []rune(content)
		content = string(runes[:maxContentRunes]) + "\n\n[Content truncated due to length]"
	}
	return content
}
