package playbook

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrNoPlaybooks marks a file that parsed cleanly but defines nothing.
// Startup treats it as fatal unless the operator allows an empty set.
var ErrNoPlaybooks = errors.New("playbooks file defines no playbooks")

// ActionValidator checks an action's parameters at load time. Parameters
// may still contain templates, so implementations validate shape, not
// values.
type ActionValidator interface {
	ValidateAction(kind string, params map[string]any) error
}

// LoadOptions tunes playbook loading.
type LoadOptions struct {
	// AllowEmpty accepts a file with zero playbooks.
	AllowEmpty bool
	// Actions, when set, validates each action spec against the registered
	// executors.
	Actions ActionValidator
}

type fileSchema struct {
	Playbooks []Playbook `yaml:"playbooks" validate:"dive"`
}

var validate = validator.New()

// LoadFile reads and parses a playbooks file.
func LoadFile(path string, opts LoadOptions) ([]Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbooks file %s: %w", path, err)
	}
	books, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("playbooks file %s: %w", path, err)
	}
	return books, nil
}

// Parse decodes and validates a playbooks document. Unknown fields are
// rejected, so typos in condition or action keys fail loudly instead of
// silently never matching.
func Parse(data []byte, opts LoadOptions) ([]Playbook, error) {
	var file fileSchema
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if len(file.Playbooks) == 0 {
		if opts.AllowEmpty {
			return nil, nil
		}
		return nil, ErrNoPlaybooks
	}

	if err := validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Playbooks))
	for _, pb := range file.Playbooks {
		if _, dup := seen[pb.ID]; dup {
			return nil, fmt.Errorf("duplicate playbook id %q", pb.ID)
		}
		seen[pb.ID] = struct{}{}

		for i, cond := range pb.Conditions {
			if _, ok := validOps[cond.Op]; !ok {
				return nil, fmt.Errorf("playbook %q condition %d: unknown operator %q", pb.ID, i, cond.Op)
			}
		}
		if opts.Actions != nil {
			for i, action := range pb.Actions {
				if err := opts.Actions.ValidateAction(action.Kind, action.Parameters); err != nil {
					return nil, fmt.Errorf("playbook %q action %d (%s): %w", pb.ID, i, action.Kind, err)
				}
			}
		}
	}
	return file.Playbooks, nil
}
