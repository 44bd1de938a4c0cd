package entity

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Override adjusts the comparison policy of one table. Nil fields keep the built-in value.
type Override struct {
	CompareFields []string `yaml:"compare_fields" validate:"omitempty,dive,required"`
	ExcludeBinary *bool    `yaml:"exclude_binary"`
	SampleSize    *int     `yaml:"sample_size" validate:"omitempty,min=0"`
	WindowDays    *int     `yaml:"window_days" validate:"omitempty,min=0,max=3650"`
}

// Overrides is the YAML document shape: entity name -> override
type Overrides struct {
	Entities map[string]Override `yaml:"entities" validate:"dive"`
}

var validate = validator.New()

// LoadOverrides reads a YAML catalog override file
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity config: %w", err)
	}
	return ParseOverrides(data)
}

// ParseOverrides decodes and validates a YAML catalog override document
func ParseOverrides(data []byte) (*Overrides, error) {
	var o Overrides
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse entity config: %w", err)
	}
	if err := validate.Struct(&o); err != nil {
		return nil, fmt.Errorf("invalid entity config: %w", err)
	}
	return &o, nil
}

// Apply returns a new catalog built from descriptors with the overrides applied
func (o *Overrides) Apply(descriptors []Descriptor) (*Catalog, error) {
	byName := make(map[Kind]Override, len(o.Entities))
	for name, ov := range o.Entities {
		kind, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		byName[kind] = ov
	}
	out := make([]Descriptor, len(descriptors))
	for i, d := range descriptors {
		if ov, ok := byName[d.Kind]; ok {
			if len(ov.CompareFields) > 0 {
				d.CompareFields = append([]string(nil), ov.CompareFields...)
			}
			if ov.ExcludeBinary != nil {
				d.ExcludeBinary = *ov.ExcludeBinary
			}
			if ov.SampleSize != nil {
				d.SampleSize = *ov.SampleSize
			}
			if ov.WindowDays != nil {
				d.WindowDays = *ov.WindowDays
			}
		}
		out[i] = d
	}
	return NewCatalog(out...)
}
