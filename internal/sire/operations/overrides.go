package operations

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Override replaces parts of a variant. Empty fields keep the default.
type Override struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
	Expiry string `yaml:"expiry"`
}

type overrideFile struct {
	Operations map[string]Override `yaml:"operations"`
}

// LoadFile applies the overrides in a YAML file to the default catalog. An empty
// path returns the defaults.
//
//	operations:
//	  export-proposal:
//	    path: /v2/propuesta/{period}/exporta
//	    expiry: 3h
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open operations file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load applies YAML overrides read from r to the default catalog.
func Load(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file overrideFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode operations file: %w", err)
	}

	c := Default()
	for name, o := range file.Operations {
		if err := c.apply(Type(name), o); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) apply(t Type, o Override) error {
	spec, ok := c.specs[t]
	if !ok {
		return fmt.Errorf("operations file: unknown operation %q", t)
	}
	if o.Method != "" {
		m := strings.ToUpper(o.Method)
		if m != http.MethodGet && m != http.MethodPost && m != http.MethodPut {
			return fmt.Errorf("operations file: %s: unsupported method %q", t, o.Method)
		}
		spec.Method = m
	}
	if o.Path != "" {
		if !strings.HasPrefix(o.Path, "/") {
			return fmt.Errorf("operations file: %s: path must start with /", t)
		}
		spec.Path = o.Path
	}
	if o.Expiry != "" {
		d, err := time.ParseDuration(o.Expiry)
		if err != nil || d <= 0 {
			return fmt.Errorf("operations file: %s: invalid expiry %q", t, o.Expiry)
		}
		spec.Expiry = d
	}
	c.specs[t] = spec
	return nil
}
