package generate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cwbudde/simcalib/internal/sandbox"
)

// Multi runs several generators into the same directory. The first
// generator's first file is the simulator input.
type Multi []sandbox.Generator

// Generate implements sandbox.Generator.
func (m Multi) Generate(dir string, params map[string]float64) ([]string, error) {
	var files []string
	for _, g := range m {
		out, err := g.Generate(dir, params)
		if err != nil {
			return nil, err
		}
		files = append(files, out...)
	}
	return files, nil
}

// Files copies static support files (weather data, include files) into the
// run directory unchanged.
type Files []string

// Generate implements sandbox.Generator.
func (f Files) Generate(dir string, _ map[string]float64) ([]string, error) {
	out := make([]string, 0, len(f))
	for _, src := range f {
		dst := filepath.Join(dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", src, err)
		}
		out = append(out, dst)
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
