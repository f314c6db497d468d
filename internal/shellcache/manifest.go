package shellcache

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Manifest is a build's resource manifest: logical path to content checksum,
// plus the application shell paths that must be cached before the worker is
// ready.
type Manifest struct {
	Resources map[string]string `json:"resources"`
	Core      []string          `json:"core"`
}

// ParseManifest decodes a manifest document and validates it.
func ParseManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// LoadManifestFile reads and parses a manifest document from disk.
func LoadManifestFile(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	m, err := ParseManifest(b)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Validate checks that the manifest lists resources and that every core
// path is one of them.
func (m Manifest) Validate() error {
	if len(m.Resources) == 0 {
		return fmt.Errorf("manifest has no resources")
	}
	for i, p := range m.Core {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("core[%d]: empty path", i)
		}
		if _, ok := m.Resources[p]; !ok {
			return fmt.Errorf("core[%d]: %q is not a manifest resource", i, p)
		}
	}
	return nil
}

// WithCore returns a copy of m whose core set is replaced by core. An empty
// core leaves m unchanged.
func (m Manifest) WithCore(core []string) Manifest {
	if len(core) == 0 {
		return m
	}
	out := m
	out.Core = append([]string(nil), core...)
	return out
}

// Has reports whether key is a manifest resource.
func (m Manifest) Has(key string) bool {
	_, ok := m.Resources[key]
	return ok
}

// Keys returns the manifest resource keys in sorted order.
func (m Manifest) Keys() []string {
	out := make([]string, 0, len(m.Resources))
	for k := range m.Resources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Version identifies the build. Two manifests with the same resources and
// core set have the same version.
func (m Manifest) Version() string {
	b, _ := json.Marshal(m) // map keys are emitted sorted
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// record is the body persisted in the manifest-record store.
func (m Manifest) record() ([]byte, error) {
	return json.Marshal(m.Resources)
}

func parseRecord(b []byte) (map[string]string, error) {
	var out map[string]string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("empty manifest record")
	}
	return out, nil
}
