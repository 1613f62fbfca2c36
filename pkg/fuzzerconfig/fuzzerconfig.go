package fuzzerconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// VariantsFile is the per-fuzzer file listing its variants.
const VariantsFile = "variants.yaml"

// ErrUnknownFuzzer is returned when a name matches neither a fuzzer
// directory nor any declared variant.
var ErrUnknownFuzzer = errors.New("unknown fuzzer")

// FuzzerConfig is the resolved identity of a fuzzer display name.
type FuzzerConfig struct {
	// Fuzzer is the underlying fuzzer implementation.
	Fuzzer string
	// VariantName is set when the display name is a variant of Fuzzer.
	VariantName string
	// Env holds variant-specific environment overrides.
	Env map[string]string
}

// Name returns the display name the config was resolved from.
func (c *FuzzerConfig) Name() string {
	if c.VariantName != "" {
		return c.VariantName
	}

	return c.Fuzzer
}

type variantsFile struct {
	Variants []variant `yaml:"variants"`
}

type variant struct {
	Name string            `yaml:"name"`
	Env  map[string]string `yaml:"env"`
}

// Resolver maps fuzzer display names to fuzzer configs using the layout
// <dir>/<fuzzer>/variants.yaml.
type Resolver struct {
	dir string
}

// NewResolver creates a resolver rooted at the fuzzers directory.
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// GetByVariantName resolves a fuzzer display name. A fuzzer directory
// resolves to itself; otherwise every fuzzer's variants file is searched.
func (r *Resolver) GetByVariantName(name string) (*FuzzerConfig, error) {
	if name == "" {
		return nil, fmt.Errorf("empty fuzzer name: %w", ErrUnknownFuzzer)
	}

	if info, err := os.Stat(filepath.Join(r.dir, name)); err == nil && info.IsDir() {
		return &FuzzerConfig{Fuzzer: name, Env: map[string]string{}}, nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reading fuzzers dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		variants, err := r.loadVariants(entry.Name())
		if err != nil {
			return nil, err
		}

		for _, v := range variants {
			if v.Name != name {
				continue
			}

			env := v.Env
			if env == nil {
				env = map[string]string{}
			}

			return &FuzzerConfig{
				Fuzzer:      entry.Name(),
				VariantName: v.Name,
				Env:         env,
			}, nil
		}
	}

	return nil, fmt.Errorf("%q: %w", name, ErrUnknownFuzzer)
}

func (r *Resolver) loadVariants(fuzzer string) ([]variant, error) {
	path := filepath.Join(r.dir, fuzzer, VariantsFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var vf variantsFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return vf.Variants, nil
}
