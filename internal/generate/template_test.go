package generate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateRender(t *testing.T) {
	tmpl := NewTemplateString("input.dai", `(defhorizon "A" (K_sat {K_sat}) (clay {clay}))
; comment {not_a_param}
  ; indented comment with } brace
(literal {{braces}})
`, "input.dai", ";")

	got, err := tmpl.Render(map[string]float64{"K_sat": 0.25, "clay": 12})
	require.NoError(t, err)

	want := `(defhorizon "A" (K_sat 0.25) (clay 12))
(literal {braces})
`
	assert.Equal(t, want, got)
}

func TestTemplateUnknownPlaceholder(t *testing.T) {
	tmpl := NewTemplateString("model.py", "k = {k}\nm = {missing}\n", "model.py", "#")

	_, err := tmpl.Render(map[string]float64{"k": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.py:2")
	assert.Contains(t, err.Error(), "{missing}")
}

func TestTemplateMalformed(t *testing.T) {
	for _, content := range []string{"x = {k", "x = k}", "x = {}"} {
		_, err := NewTemplateString("t", content, "t", "").Render(map[string]float64{"k": 1})
		assert.Errorf(t, err, "expected error for %q", content)
	}
}

func TestTemplatePlaceholders(t *testing.T) {
	tmpl := NewTemplateString("t", "{a} {b}\n# {c}\n{a}", "t", "#")

	names, err := tmpl.Placeholders()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestMultiGenerate(t *testing.T) {
	src := t.TempDir()
	weather := filepath.Join(src, "weather.dwf")
	require.NoError(t, os.WriteFile(weather, []byte("temp 12"), 0644))

	tmplPath := filepath.Join(src, "setup.dai")
	require.NoError(t, os.WriteFile(tmplPath, []byte("(x {x})"), 0644))
	primary, err := NewTemplate(tmplPath, "run.dai", ";")
	require.NoError(t, err)

	dir := t.TempDir()
	files, err := Multi{primary, Files{weather}}.Generate(dir, map[string]float64{"x": 3})
	require.NoError(t, err)

	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "run.dai"), files[0])

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "(x 3)", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "weather.dwf"))
	require.NoError(t, err)
	assert.Equal(t, "temp 12", string(data))
}
