package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"firerisk/internal/types"
)

// datasetsFile is the YAML layout of DATASETS_FILE. Each key names a
// dataset; fields given for a built-in dataset override its defaults, and a
// new key defines a dataset from scratch.
//
//	datasets:
//	  pof:
//	    scale_max: 0.1
//	  fopi:
//	    horizon_days: 12
type datasetsFile struct {
	Datasets map[string]yaml.Node `yaml:"datasets"`
}

// LoadDatasets returns the dataset registry. An empty path yields the
// built-in profiles.
func LoadDatasets(path string) (*types.DatasetRegistry, error) {
	if path == "" {
		return types.DefaultDatasets(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Type: ErrDatasets, Message: "cannot read datasets file", Err: err}
	}
	return ParseDatasets(raw)
}

// ParseDatasets applies YAML overrides on top of the built-in profiles.
func ParseDatasets(raw []byte) (*types.DatasetRegistry, error) {
	var file datasetsFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, &ConfigError{Type: ErrDatasets, Message: "cannot parse datasets file", Err: err}
	}

	defaults := types.DefaultDatasets()
	profiles := defaults.Profiles()
	index := make(map[string]int, len(profiles))
	for i, p := range profiles {
		index[p.Name] = i
	}

	validate := validator.New()
	for name, node := range file.Datasets {
		key := strings.ToLower(name)
		p := types.DatasetProfile{}
		if i, ok := index[key]; ok {
			p = profiles[i]
		}
		if err := decodeStrict(node, &p); err != nil {
			return nil, &ConfigError{Type: ErrDatasets, Message: fmt.Sprintf("invalid profile %q", name), Err: err}
		}
		p.Name = key
		if err := validate.Struct(p); err != nil {
			return nil, &ConfigError{Type: ErrDatasets, Message: fmt.Sprintf("invalid profile %q", name), Err: err}
		}
		if p.FixedScale && p.ScaleMax <= p.ScaleMin {
			return nil, &ConfigError{Type: ErrDatasets, Message: fmt.Sprintf("profile %q: scale_max must exceed scale_min", name)}
		}

		if i, ok := index[key]; ok {
			profiles[i] = p
		} else {
			index[key] = len(profiles)
			profiles = append(profiles, p)
		}
	}
	return types.NewDatasetRegistry(profiles...), nil
}

// decodeStrict decodes node into dst rejecting unknown keys, which
// yaml.Node.Decode alone does not do.
func decodeStrict(node yaml.Node, dst any) error {
	raw, err := yaml.Marshal(&node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(dst)
}
