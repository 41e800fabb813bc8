package health

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadHygiene reads the operator-maintained hygiene flags file. Unknown
// keys are rejected so a typo (backup_ok for backups_ok) fails loudly
// instead of silently scoring as false.
func LoadHygiene(path string) (Hygiene, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Hygiene{}, fmt.Errorf("read hygiene file: %w", err)
	}

	var h Hygiene
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&h); err != nil {
		return Hygiene{}, fmt.Errorf("parse hygiene file %s: %w", path, err)
	}
	return h, nil
}
