package formula

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Decode reads YAML formula documents from r and resolves each one.
// A stream may hold several documents separated by "---".
func Decode(r io.Reader, vars Vars) ([]*Record, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var records []*Record
	for {
		var tmpl Template
		err := dec.Decode(&tmpl)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode formula: %w", err)
		}

		rec, err := tmpl.Resolve(vars)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no formula documents found", ErrInvalid)
	}
	return records, nil
}

// LoadFile decodes and resolves every formula in a YAML file
func LoadFile(path string, vars Vars) ([]*Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open formula file: %w", err)
	}
	defer file.Close()

	records, err := Decode(file, vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}
