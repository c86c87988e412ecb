package param

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// file is the layout of a parameter file.
type file struct {
	Parameters []Param `yaml:"parameters"`
}

// ReadYAML decodes parameters from r.
func ReadYAML(r io.Reader) (*List, error) {
	var f file
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	l := NewList()
	for _, p := range f.Parameters {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		l.Add(p)
	}
	return l, nil
}

// WriteYAML encodes all parameters of l to w.
func WriteYAML(w io.Writer, l *List) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(file{Parameters: l.Params()}); err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	return enc.Close()
}

// LoadFile reads parameter file at path.
func LoadFile(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadYAML(f)
}

// SaveFile writes all parameters of l to path.
func SaveFile(path string, l *List) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteYAML(f, l); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
