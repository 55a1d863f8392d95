// Package generate renders simulator input files from templates.
package generate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Template renders one input file. Placeholders have the form {name} and
// are replaced by the named parameter value. {{ and }} produce literal braces.
// Lines whose first non-blank characters equal CommentPrefix are dropped from
// the output, so commented-out text may contain unbalanced braces.
type Template struct {
	name          string
	content       string
	outFile       string
	commentPrefix string
}

// NewTemplate loads a template from disk. outFile defaults to the template's
// base name.
func NewTemplate(path, outFile, commentPrefix string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	if outFile == "" {
		outFile = filepath.Base(path)
	}
	return NewTemplateString(path, string(data), outFile, commentPrefix), nil
}

// NewTemplateString builds a template from memory.
func NewTemplateString(name, content, outFile, commentPrefix string) *Template {
	return &Template{
		name:          name,
		content:       content,
		outFile:       outFile,
		commentPrefix: commentPrefix,
	}
}

// Placeholders lists the distinct parameter names referenced by the template.
func (t *Template) Placeholders() ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	_, err := t.render(func(name string) (string, error) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		return "", nil
	})
	return names, err
}

// Render substitutes params into the template.
func (t *Template) Render(params map[string]float64) (string, error) {
	return t.render(func(name string) (string, error) {
		v, ok := params[name]
		if !ok {
			return "", fmt.Errorf("%s: unknown placeholder {%s}", t.name, name)
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	})
}

// Generate writes the rendered template into dir.
func (t *Template) Generate(dir string, params map[string]float64) ([]string, error) {
	out, err := t.Render(params)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, t.outFile)
	if err := os.WriteFile(path, []byte(out), 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", t.outFile, err)
	}
	return []string{path}, nil
}

func (t *Template) render(lookup func(name string) (string, error)) (string, error) {
	var b strings.Builder
	b.Grow(len(t.content))

	lines := strings.SplitAfter(t.content, "\n")
	for n, line := range lines {
		if t.commentPrefix != "" && strings.HasPrefix(strings.TrimLeft(line, " \t"), t.commentPrefix) {
			continue
		}
		if err := substitute(&b, line, lookup); err != nil {
			return "", fmt.Errorf("%s:%d: %w", t.name, n+1, err)
		}
	}
	return b.String(), nil
}

func substitute(b *strings.Builder, line string, lookup func(string) (string, error)) error {
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch c {
		case '{':
			if i+1 < len(line) && line[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(line[i+1:], '}')
			if end < 0 {
				return fmt.Errorf("unterminated placeholder at column %d", i+1)
			}
			name := strings.TrimSpace(line[i+1 : i+1+end])
			if name == "" {
				return fmt.Errorf("empty placeholder at column %d", i+1)
			}
			v, err := lookup(name)
			if err != nil {
				return err
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(line) && line[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return fmt.Errorf("single '}' at column %d", i+1)
		default:
			b.WriteByte(c)
		}
	}
	return nil
}
