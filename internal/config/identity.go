package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PairedDevice is one bonded arm as stored in the paired file.
type PairedDevice struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// Pairing records both arms of one physical pair of glasses.
type Pairing struct {
	Left  PairedDevice `yaml:"left"`
	Right PairedDevice `yaml:"right"`
}

// Identities is the paired file: every pair seen, keyed by pairing id,
// plus the id of the pair connected most recently.
type Identities struct {
	Last  string             `yaml:"last,omitempty"`
	Pairs map[string]Pairing `yaml:"pairs,omitempty"`
}

// LoadIdentities reads the paired file at path. A missing file yields an
// empty set.
func LoadIdentities(path string) (*Identities, error) {
	ids := &Identities{Pairs: map[string]Pairing{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading paired file: %w", err)
	}
	if err := yaml.Unmarshal(data, ids); err != nil {
		return nil, fmt.Errorf("parsing paired file: %w", err)
	}
	if ids.Pairs == nil {
		ids.Pairs = map[string]Pairing{}
	}
	return ids, nil
}

// Remember stores p under id and marks it as the last pair.
func (ids *Identities) Remember(id string, p Pairing) {
	if ids.Pairs == nil {
		ids.Pairs = map[string]Pairing{}
	}
	ids.Pairs[id] = p
	ids.Last = id
}

// Forget removes id. Forgetting the last pair clears Last.
func (ids *Identities) Forget(id string) {
	delete(ids.Pairs, id)
	if ids.Last == id {
		ids.Last = ""
	}
}

// Save writes the paired file atomically, creating its directory.
func (ids *Identities) Save(path string) error {
	data, err := yaml.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding paired file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating paired file dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing paired file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing paired file: %w", err)
	}
	return nil
}
