package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tdeslauriers/carapace/pkg/data"
	"github.com/tdeslauriers/muse/internal/util"
)

const configFileName = "config.json"

// Store is the interface for the service's runtime configuration: a nested
// json document addressed by dot paths, persisted next to the record store.
// Secret leaves (api keys, tokens) are field-level encrypted at rest when a
// field encryption key is configured.
type Store interface {

	// Get returns the value at a dot path.
	Get(path string) (interface{}, bool)

	// GetString returns the string at a dot path, or the fallback.
	GetString(path, fallback string) string

	// GetInt returns the integer at a dot path, or the fallback.
	GetInt(path string, fallback int) int

	// GetBool returns the boolean at a dot path, or the fallback.
	GetBool(path string, fallback bool) bool

	// Set writes a value at a dot path and persists the document atomically.
	// Listeners registered for the path's top-level section are notified.
	Set(path string, value interface{}) error

	// All returns a deep copy of the whole document.
	All() map[string]interface{}

	// OnChange registers a listener invoked with the dot path after every
	// successful Set.
	OnChange(fn func(path string))
}

// NewStore loads (or seeds) the config document under the provided directory,
// returning a pointer to the concrete implementation.  An empty fieldKey
// disables secret encryption and stored secrets stay plaintext.
func NewStore(dir string, fieldKey []byte) (Store, error) {

	var cryptor data.Cryptor
	if len(fieldKey) > 0 {
		cryptor = data.NewServiceAesGcmKey(fieldKey)
	}

	s := &store{
		path:    filepath.Join(dir, configFileName),
		tree:    defaults(),
		cryptor: cryptor,

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageConfig)).
			With(slog.String(util.ComponentKey, util.ComponentConfigStore)),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

var _ Store = (*store)(nil)

// store is the concrete implementation of the Store interface.
type store struct {
	mu sync.RWMutex

	path      string
	tree      map[string]interface{}
	cryptor   data.Cryptor
	listeners []func(path string)

	logger *slog.Logger
}

// defaults is the seed document for a fresh deployment.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"processing": map[string]interface{}{
			"requests_per_minute":    float64(util.DefaultRequestsPerMinute),
			"max_concurrent_batches": float64(util.DefaultMaxConcurrentBatches),
			"per_batch_concurrency":  float64(util.DefaultPerBatchConcurrency),
		},
		"analysis": map[string]interface{}{
			"model_id":    "gpt-4o",
			"pre_context": "",
			"prompt":      "",
		},
		"chat": map[string]interface{}{
			"model_id": "gpt-4o",
		},
		"verification": map[string]interface{}{
			"enabled":    false,
			"batch_size": float64(util.DefaultVerifyBatchSize),
			"max_images": float64(util.DefaultMaxVerifyImages),
			"model_id":   "gpt-4o",
		},
		"providers": map[string]interface{}{
			"openai": map[string]interface{}{
				"api_key": "",
			},
		},
		"photo_host": map[string]interface{}{
			"api_key":    "",
			"api_secret": "",
		},
	}
}

// load reads the document from disk, merging defaults for missing sections.
// A missing file seeds the defaults to disk.
func (s *store) load() error {

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info(fmt.Sprintf("no config file at %s, seeding defaults", s.path))
			return s.persist()
		}
		return fmt.Errorf("failed to read config file: %v", err)
	}

	var loaded map[string]interface{}
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("config file %s is not valid json: %v", s.path, err)
	}

	// defaults fill in anything the file omits; the file wins on conflicts
	merge(s.tree, loaded)

	return nil
}

// merge overlays src onto dst recursively.
func merge(dst, src map[string]interface{}) {

	for key, value := range src {

		if srcMap, ok := value.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				merge(dstMap, srcMap)
				continue
			}
		}

		dst[key] = value
	}
}

// Get is the concrete implementation of the interface method which returns
// the value at a dot path.
func (s *store) Get(path string) (interface{}, bool) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	return lookup(s.tree, path)
}

// GetString is the concrete implementation of the interface method which
// returns the string at a dot path, or the fallback.
func (s *store) GetString(path, fallback string) string {

	if value, ok := s.Get(path); ok {
		if str, ok := value.(string); ok && str != "" {

			if isSecretPath(path) {
				if opened, ok := s.openSecret(path, str); ok && opened != "" {
					return opened
				}
				return fallback
			}

			return str
		}
	}

	return fallback
}

// GetInt is the concrete implementation of the interface method which returns
// the integer at a dot path, or the fallback.
func (s *store) GetInt(path string, fallback int) int {

	if value, ok := s.Get(path); ok {
		// json numbers decode as float64
		switch n := value.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}

	return fallback
}

// GetBool is the concrete implementation of the interface method which returns
// the boolean at a dot path, or the fallback.
func (s *store) GetBool(path string, fallback bool) bool {

	if value, ok := s.Get(path); ok {
		if b, ok := value.(bool); ok {
			return b
		}
	}

	return fallback
}

// Set is the concrete implementation of the interface method which writes a
// value at a dot path and persists the document.
func (s *store) Set(path string, value interface{}) error {

	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}

	if isSecretPath(path) {
		sealed, err := s.sealSecret(path, value)
		if err != nil {
			return err
		}
		value = sealed
	}

	s.mu.Lock()

	if err := assign(s.tree, path, value); err != nil {
		s.mu.Unlock()
		return err
	}

	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	listeners := make([]func(string), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.logger.Info(fmt.Sprintf("config '%s' updated", path))

	for _, fn := range listeners {
		fn(path)
	}

	return nil
}

// All is the concrete implementation of the interface method which returns a
// deep copy of the whole document with secret leaves masked.
func (s *store) All() map[string]interface{} {

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := deepCopy(s.tree)
	maskSecrets(out)

	return out
}

// OnChange is the concrete implementation of the interface method which
// registers a change listener.
func (s *store) OnChange(fn func(path string)) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
}

// persist writes the document atomically.
func (s *store) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked writes the document via temp file + rename.  Callers must
// hold mu.
func (s *store) persistLocked() error {

	raw, err := json.MarshalIndent(s.tree, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %v", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %v", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp config file: %v", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync temp config file: %v", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp config file: %v", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace config file: %v", err)
	}

	return nil
}

// lookup walks a dot path through the tree.
func lookup(tree map[string]interface{}, path string) (interface{}, bool) {

	segments := strings.Split(path, ".")
	current := tree

	for i, segment := range segments {

		value, ok := current[segment]
		if !ok {
			return nil, false
		}

		if i == len(segments)-1 {
			return value, true
		}

		next, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}

	return nil, false
}

// assign writes a value at a dot path, creating intermediate sections.
// Overwriting a section with a scalar is rejected.
func assign(tree map[string]interface{}, path string, value interface{}) error {

	segments := strings.Split(path, ".")
	current := tree

	for i, segment := range segments {

		if segment == "" {
			return fmt.Errorf("config path '%s' has an empty segment", path)
		}

		if i == len(segments)-1 {
			if _, isSection := current[segment].(map[string]interface{}); isSection {
				return fmt.Errorf("config path '%s' addresses a section, not a value", path)
			}
			current[segment] = value
			return nil
		}

		next, ok := current[segment].(map[string]interface{})
		if !ok {
			if _, exists := current[segment]; exists {
				return fmt.Errorf("config path '%s' traverses a scalar at '%s'", path, segment)
			}
			next = make(map[string]interface{})
			current[segment] = next
		}
		current = next
	}

	return nil
}

// deepCopy clones a json-shaped tree.
func deepCopy(tree map[string]interface{}) map[string]interface{} {

	out := make(map[string]interface{}, len(tree))
	for key, value := range tree {
		if section, ok := value.(map[string]interface{}); ok {
			out[key] = deepCopy(section)
			continue
		}
		out[key] = value
	}

	return out
}
