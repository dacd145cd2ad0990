package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"
)

const (
	albumsDirName    = "albums"
	registryFileName = "imageRegistry.json"
	indexFileName    = "searchIndex.json"
	legacyFileName   = "images.json"
)

// Store is the interface for the album-partitioned persistence layer.  Albums
// are the authoritative data; the registry and inverted indices are derived.
type Store interface {

	// Initialize creates the data layout and loads the registry and inverted
	// indices into memory.  Missing files yield empty structures; a missing
	// registry with existing album shards triggers a rebuild.
	Initialize() error

	// LoadAlbum returns the album's current record list, from the LRU cache
	// when warm.
	LoadAlbum(albumKey string) ([]api.ImageRecord, error)

	// SaveAlbum writes the album shard atomically, updates the cache, and
	// rebuilds the album's contribution to both indices.
	SaveAlbum(albumKey string, records []api.ImageRecord) error

	// PutImage stores a record according to the duplicate handling policy and
	// reports the outcome.  It returns only after the shard write is durable.
	PutImage(record *api.ImageRecord, policy api.DuplicateHandling) (api.PutOutcome, error)

	// FindBySourceKey resolves a record by its photo host identity via the
	// registry.
	FindBySourceKey(sourceKey string) (*api.ImageRecord, error)

	// GetAlbumStatus reports how many of the expected source keys are already
	// stored in the album.
	GetAlbumStatus(albumKey string, expectedKeys []string) (*AlbumStatus, error)

	// SearchByIndex returns records from candidate albums matching any of the
	// query tokens.
	SearchByIndex(tokens []string) ([]api.ImageRecord, error)

	// AllRecords returns every record across all album shards.
	AllRecords() ([]api.ImageRecord, error)

	// AlbumKeys returns the keys of all album shards on disk.
	AlbumKeys() ([]string, error)

	// Count returns the total number of records in the registry.
	Count() int

	// ReplaceAll rewrites every album shard from the provided record list and
	// rebuilds the registry and indices.  Used by duplicate cleanup/rollback.
	ReplaceAll(records []api.ImageRecord) error

	// PersistIndex writes the registry and inverted indices to disk.
	PersistIndex() error

	// Dir returns the data directory the store operates on.
	Dir() string
}

// New creates a store rooted at dataDir, returning a pointer to the concrete
// implementation.  Call Initialize before use.
func New(dataDir string) Store {
	return &store{
		dataDir:  dataDir,
		registry: make(map[string]string),
		index:    newInvertedIndex(),
		cache:    newAlbumCache(util.AlbumCacheSize),

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageStore)).
			With(slog.String(util.ComponentKey, util.ComponentAlbumStore)),
	}
}

var _ Store = (*store)(nil)

// store is the concrete implementation of the Store interface.  A single
// RWMutex enforces the single-writer policy; index rebuilds happen under the
// same write section as the shard write.
type store struct {
	mu sync.RWMutex

	dataDir  string
	registry map[string]string // source image key -> album key
	index    *invertedIndex
	cache    *albumCache

	logger *slog.Logger
}

// Initialize is the concrete implementation of the interface method which
// creates the data layout and loads derived structures into memory.
func (s *store) Initialize() error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.dataDir, albumsDirName), 0755); err != nil {
		return fmt.Errorf("failed to create album directory: %v", err)
	}

	// load registry -> missing file yields empty map
	if err := s.readJson(registryFileName, &s.registry); err != nil {
		return fmt.Errorf("failed to load image registry: %v", err)
	}
	if s.registry == nil {
		s.registry = make(map[string]string)
	}

	// load inverted indices -> missing file yields empty maps
	var file indexFile
	if err := s.readJson(indexFileName, &file); err != nil {
		return fmt.Errorf("failed to load search index: %v", err)
	}
	s.index.fromFile(file)

	// migrate legacy flat-mode records into album shards if no shards exist yet
	if err := s.migrateLegacy(); err != nil {
		return fmt.Errorf("failed to migrate legacy image file: %v", err)
	}

	// a missing/empty registry with existing shards means derived state was
	// lost, eg, after a crash before the lazy flush: rebuild from albums
	keys, err := s.albumKeysLocked()
	if err != nil {
		return fmt.Errorf("failed to list album shards: %v", err)
	}

	if len(s.registry) == 0 && len(keys) > 0 {
		s.logger.Info(fmt.Sprintf("registry empty with %d album shard(s) present: rebuilding derived indices", len(keys)))
		if err := s.rebuildLocked(keys); err != nil {
			return fmt.Errorf("failed to rebuild registry and indices: %v", err)
		}
	}

	s.logger.Info(fmt.Sprintf("store initialized: %d album(s), %d image record(s)", len(keys), len(s.registry)))

	return nil
}

// LoadAlbum is the concrete implementation of the interface method which
// returns the album's current record list.
func (s *store) LoadAlbum(albumKey string) ([]api.ImageRecord, error) {

	if strings.TrimSpace(albumKey) == "" {
		return nil, fmt.Errorf("album key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadAlbumLocked(albumKey)
}

// SaveAlbum is the concrete implementation of the interface method which
// writes the album shard atomically and refreshes the indices.
func (s *store) SaveAlbum(albumKey string, records []api.ImageRecord) error {

	if strings.TrimSpace(albumKey) == "" {
		return fmt.Errorf("album key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveAlbumLocked(albumKey, records)
}

// PutImage is the concrete implementation of the interface method which stores
// a record according to the duplicate handling policy.
func (s *store) PutImage(record *api.ImageRecord, policy api.DuplicateHandling) (api.PutOutcome, error) {

	if record == nil {
		return "", fmt.Errorf("image record is required")
	}

	// records missing album context are rejected before any disk activity
	if err := record.Validate(); err != nil {
		return "", fmt.Errorf("invalid image record: %v", err)
	}

	if err := policy.Validate(); err != nil {
		return "", err
	}

	record.NormalizeKeywords()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	// an existing registry entry wins over the record's own album context: the
	// record lives in one album at a time
	albumKey := record.AlbumKey
	if existing, ok := s.registry[record.SourceImageKey]; ok {
		albumKey = existing
	}

	records, err := s.loadAlbumLocked(albumKey)
	if err != nil {
		return "", err
	}

	// find by source image key within the album
	position := -1
	for i := range records {
		if records[i].SourceImageKey == record.SourceImageKey {
			position = i
			break
		}
	}

	outcome := api.OutcomeAdded
	switch {
	case position < 0:
		if record.Id == "" {
			record.Id = uuid.NewString()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		record.LastUpdatedAt = now
		records = append(records, *record)

	case policy == api.DuplicateSkip:
		return api.OutcomeSkipped, nil

	case policy == api.DuplicateUpdate:
		records[position].Merge(record)
		outcome = api.OutcomeUpdated

	case policy == api.DuplicateReplace:
		// identity and creation time survive a replace
		record.Id = records[position].Id
		record.CreatedAt = records[position].CreatedAt
		record.LastUpdatedAt = now
		records[position] = *record
		outcome = api.OutcomeReplaced
	}

	if err := s.saveAlbumLocked(albumKey, records); err != nil {
		return "", err
	}

	return outcome, nil
}

// FindBySourceKey is the concrete implementation of the interface method which
// resolves a record via the registry in O(1) then scans the (small) album.
func (s *store) FindBySourceKey(sourceKey string) (*api.ImageRecord, error) {

	if strings.TrimSpace(sourceKey) == "" {
		return nil, fmt.Errorf("source image key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	albumKey, ok := s.registry[sourceKey]
	if !ok {
		return nil, nil
	}

	records, err := s.loadAlbumLocked(albumKey)
	if err != nil {
		return nil, err
	}

	for i := range records {
		if records[i].SourceImageKey == sourceKey {
			found := records[i]
			return &found, nil
		}
	}

	return nil, nil
}

// GetAlbumStatus is the concrete implementation of the interface method which
// reports processing progress against an expected image set.
func (s *store) GetAlbumStatus(albumKey string, expectedKeys []string) (*AlbumStatus, error) {

	if strings.TrimSpace(albumKey) == "" {
		return nil, fmt.Errorf("album key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadAlbumLocked(albumKey)
	if err != nil {
		return nil, err
	}

	stored := make(map[string]struct{}, len(records))
	for i := range records {
		stored[records[i].SourceImageKey] = struct{}{}
	}

	status := &AlbumStatus{
		AlbumKey:           albumKey,
		Total:              len(expectedKeys),
		ProcessedImageKeys: make(map[string]struct{}),
	}

	for _, key := range expectedKeys {
		if _, ok := stored[key]; ok {
			status.Processed++
			status.ProcessedImageKeys[key] = struct{}{}
		}
	}

	if status.Total > 0 {
		status.ProgressPercent = float64(status.Processed) / float64(status.Total) * 100
	}
	status.Complete = status.Total > 0 && status.Processed == status.Total

	return status, nil
}

// SearchByIndex is the concrete implementation of the interface method which
// unions candidate albums from both indices then scans them for matches.
func (s *store) SearchByIndex(tokens []string) ([]api.ImageRecord, error) {

	if len(tokens) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.index.candidates(tokens)

	var matches []api.ImageRecord
	for albumKey := range candidates {
		records, err := s.loadAlbumLocked(albumKey)
		if err != nil {
			return nil, err
		}

		for i := range records {
			if recordMatchesAnyToken(&records[i], tokens) {
				matches = append(matches, records[i])
			}
		}
	}

	return matches, nil
}

// AllRecords is the concrete implementation of the interface method which
// returns every record across all album shards.
func (s *store) AllRecords() ([]api.ImageRecord, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.albumKeysLocked()
	if err != nil {
		return nil, err
	}

	var all []api.ImageRecord
	for _, key := range keys {
		records, err := s.loadAlbumLocked(key)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}

	return all, nil
}

// AlbumKeys is the concrete implementation of the interface method which
// returns the keys of all album shards on disk.
func (s *store) AlbumKeys() ([]string, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.albumKeysLocked()
}

// Count is the concrete implementation of the interface method which returns
// the total number of records in the registry.
func (s *store) Count() int {

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.registry)
}

// ReplaceAll is the concrete implementation of the interface method which
// rewrites every album shard from the provided record list.
func (s *store) ReplaceAll(records []api.ImageRecord) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	// group incoming records by album
	grouped := make(map[string][]api.ImageRecord)
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return fmt.Errorf("invalid image record for source key '%s': %v", records[i].SourceImageKey, err)
		}
		grouped[records[i].AlbumKey] = append(grouped[records[i].AlbumKey], records[i])
	}

	// remove shards for albums no longer present
	existing, err := s.albumKeysLocked()
	if err != nil {
		return err
	}

	for _, key := range existing {
		if _, ok := grouped[key]; !ok {
			if err := os.Remove(s.albumPath(key)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove album shard '%s': %v", key, err)
			}
			s.cache.drop(key)
		}
	}

	// reset derived state and rewrite each shard, rebuilding as we go
	s.registry = make(map[string]string)
	s.index = newInvertedIndex()

	for key, albumRecords := range grouped {
		if err := s.saveAlbumLocked(key, albumRecords); err != nil {
			return err
		}
	}

	return s.persistIndexLocked()
}

// PersistIndex is the concrete implementation of the interface method which
// writes the registry and indices to disk.
func (s *store) PersistIndex() error {

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.persistIndexLocked()
}

// Dir is the concrete implementation of the interface method which returns
// the data directory.
func (s *store) Dir() string {
	return s.dataDir
}

// loadAlbumLocked reads an album shard, preferring the LRU cache.  The cached
// slice is the authoritative pre-save state, so callers always receive a copy
// they may mutate freely.  Callers must hold the write lock (the cache
// mutates on read).
func (s *store) loadAlbumLocked(albumKey string) ([]api.ImageRecord, error) {

	if records, ok := s.cache.get(albumKey); ok {
		return copyRecords(records), nil
	}

	var records []api.ImageRecord
	raw, err := os.ReadFile(s.albumPath(albumKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // album does not exist yet
		}
		return nil, fmt.Errorf("failed to read album shard '%s': %v", albumKey, err)
	}

	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("failed to decode album shard '%s': %v", albumKey, err)
	}

	s.cache.put(albumKey, records)

	return copyRecords(records), nil
}

// copyRecords returns a shallow copy of the record slice.  Record mutation
// helpers allocate fresh inner slices, so a shallow copy is sufficient to
// protect the cache.
func copyRecords(records []api.ImageRecord) []api.ImageRecord {
	if records == nil {
		return nil
	}
	return append([]api.ImageRecord(nil), records...)
}

// saveAlbumLocked writes the shard atomically, refreshes the cache, registry,
// and the album's contribution to both indices.  Callers must hold the write lock.
func (s *store) saveAlbumLocked(albumKey string, records []api.ImageRecord) error {

	// remove the album's previous contribution from the indices
	previous, _ := s.loadAlbumLocked(albumKey)
	oldKeywords, oldDescriptions := albumTokens(previous)
	s.index.removeAlbum(albumKey, oldKeywords, oldDescriptions)
	for i := range previous {
		if s.registry[previous[i].SourceImageKey] == albumKey {
			delete(s.registry, previous[i].SourceImageKey)
		}
	}

	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode album shard '%s': %v", albumKey, err)
	}

	if err := writeFileAtomic(s.albumPath(albumKey), raw); err != nil {
		return fmt.Errorf("failed to write album shard '%s': %v", albumKey, err)
	}

	s.cache.put(albumKey, copyRecords(records))

	// re-add the album's contribution
	newKeywords, newDescriptions := albumTokens(records)
	for _, token := range newKeywords {
		s.index.addKeyword(token, albumKey)
	}
	for _, token := range newDescriptions {
		s.index.addDescription(token, albumKey)
	}
	for i := range records {
		s.registry[records[i].SourceImageKey] = albumKey
	}

	return nil
}

// persistIndexLocked writes the registry and index files atomically.  Callers
// must hold the write lock.
func (s *store) persistIndexLocked() error {

	raw, err := json.MarshalIndent(s.registry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode image registry: %v", err)
	}

	if err := writeFileAtomic(filepath.Join(s.dataDir, registryFileName), raw); err != nil {
		return fmt.Errorf("failed to write image registry: %v", err)
	}

	raw, err = json.MarshalIndent(s.index.toFile(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode search index: %v", err)
	}

	if err := writeFileAtomic(filepath.Join(s.dataDir, indexFileName), raw); err != nil {
		return fmt.Errorf("failed to write search index: %v", err)
	}

	return nil
}

// rebuildLocked reconstructs the registry and indices from album shards.
// Callers must hold the write lock.
func (s *store) rebuildLocked(albumKeys []string) error {

	s.registry = make(map[string]string)
	s.index = newInvertedIndex()

	for _, albumKey := range albumKeys {
		records, err := s.loadAlbumLocked(albumKey)
		if err != nil {
			return err
		}

		keywords, descriptions := albumTokens(records)
		for _, token := range keywords {
			s.index.addKeyword(token, albumKey)
		}
		for _, token := range descriptions {
			s.index.addDescription(token, albumKey)
		}
		for i := range records {
			s.registry[records[i].SourceImageKey] = albumKey
		}
	}

	return s.persistIndexLocked()
}

// migrateLegacy moves records from the legacy flat images.json into album
// shards.  Only runs when no shards exist yet; the legacy file is left in
// place as its own backup.  Callers must hold the write lock.
func (s *store) migrateLegacy() error {

	keys, err := s.albumKeysLocked()
	if err != nil || len(keys) > 0 {
		return err
	}

	legacyPath := filepath.Join(s.dataDir, legacyFileName)
	raw, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read legacy image file: %v", err)
	}

	var records []api.ImageRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("failed to decode legacy image file: %v", err)
	}

	// records missing album context cannot be partitioned and are rejected at
	// load time rather than silently carried forward
	grouped := make(map[string][]api.ImageRecord)
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return fmt.Errorf("legacy record with source key '%s' is invalid: %v", records[i].SourceImageKey, err)
		}
		grouped[records[i].AlbumKey] = append(grouped[records[i].AlbumKey], records[i])
	}

	for albumKey, albumRecords := range grouped {
		if err := s.saveAlbumLocked(albumKey, albumRecords); err != nil {
			return err
		}
	}

	if len(records) > 0 {
		s.logger.Info(fmt.Sprintf("migrated %d legacy record(s) into %d album shard(s)", len(records), len(grouped)))
	}

	return nil
}

// albumKeysLocked lists shard files in the albums directory.
func (s *store) albumKeysLocked() ([]string, error) {

	entries, err := os.ReadDir(filepath.Join(s.dataDir, albumsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read albums directory: %v", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		keys = append(keys, decodeAlbumFilename(strings.TrimSuffix(entry.Name(), ".json")))
	}

	return keys, nil
}

// albumPath builds the shard path for an album key.
func (s *store) albumPath(albumKey string) string {
	return filepath.Join(s.dataDir, albumsDirName, encodeAlbumFilename(albumKey)+".json")
}

// encodeAlbumFilename makes an album key safe for use as a file name.  Path
// separators in host album keys are percent-escaped so every distinct key maps
// to a distinct shard.
func encodeAlbumFilename(albumKey string) string {
	return url.PathEscape(albumKey)
}

// decodeAlbumFilename reverses encodeAlbumFilename.  A name that fails to
// unescape is returned as-is.
func decodeAlbumFilename(name string) string {
	decoded, err := url.PathUnescape(name)
	if err != nil {
		return name
	}
	return decoded
}

// albumTokens derives the index tokens contributed by an album's records:
// keyword tokens from the keyword sets, description tokens from tokenized
// descriptions.
func albumTokens(records []api.ImageRecord) (keywords, descriptions []string) {

	kwSet := make(map[string]struct{})
	descSet := make(map[string]struct{})

	for i := range records {
		for _, kw := range records[i].Keywords {
			kwSet[strings.ToLower(strings.TrimSpace(kw))] = struct{}{}
		}
		for _, token := range Tokenize(records[i].Description) {
			descSet[token] = struct{}{}
		}
	}

	delete(kwSet, "")

	return sortedKeys(kwSet), sortedKeys(descSet)
}

// recordMatchesAnyToken reports whether a record matches any query token via
// whole-word match in keywords or substring match in the description.
func recordMatchesAnyToken(record *api.ImageRecord, tokens []string) bool {

	description := strings.ToLower(record.Description)

	for _, token := range tokens {
		for _, kw := range record.Keywords {
			if strings.EqualFold(strings.TrimSpace(kw), token) {
				return true
			}
		}
		if strings.Contains(description, token) {
			return true
		}
	}

	return false
}

// writeFileAtomic writes bytes to a temp file in the target directory, syncs,
// and renames over the destination so readers never observe a torn file.
func writeFileAtomic(path string, raw []byte) error {

	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %v", err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %v", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %v", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %v", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file into place: %v", err)
	}

	return nil
}

// readJson reads and decodes a JSON file under the data directory; a missing
// file is not an error and leaves the target untouched.
func (s *store) readJson(name string, target interface{}) error {

	raw, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %v", name, err)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode %s: %v", name, err)
	}

	return nil
}
