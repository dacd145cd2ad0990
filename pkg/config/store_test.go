package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tdeslauriers/muse/internal/util"
)

func newTestConfig(t *testing.T) (Store, string) {
	t.Helper()

	dir := t.TempDir()

	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("failed to create config store: %v", err)
	}

	return s, dir
}

func TestNewStoreSeedsDefaults(t *testing.T) {

	s, dir := newTestConfig(t)

	if got := s.GetInt("processing.requests_per_minute", 0); got != util.DefaultRequestsPerMinute {
		t.Errorf("expected default rpm %d, got %d", util.DefaultRequestsPerMinute, got)
	}

	if got := s.GetString("analysis.model_id", ""); got != "gpt-4o" {
		t.Errorf("expected default analysis model, got '%s'", got)
	}

	if got := s.GetBool("verification.enabled", true); got {
		t.Errorf("expected verification disabled by default")
	}

	if got := s.GetInt("verification.batch_size", 0); got != util.DefaultVerifyBatchSize {
		t.Errorf("expected default verification batch size %d, got %d", util.DefaultVerifyBatchSize, got)
	}

	if got := s.GetInt("verification.max_images", 0); got != util.DefaultMaxVerifyImages {
		t.Errorf("expected default verification image cap %d, got %d", util.DefaultMaxVerifyImages, got)
	}

	// the seed document reached disk
	if _, err := os.Stat(filepath.Join(dir, configFileName)); err != nil {
		t.Errorf("expected seeded config file on disk, got %v", err)
	}
}

func TestSetAndGetDotPaths(t *testing.T) {

	s, _ := newTestConfig(t)

	if err := s.Set("processing.requests_per_minute", 120); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	if got := s.GetInt("processing.requests_per_minute", 0); got != 120 {
		t.Errorf("expected 120, got %d", got)
	}

	if err := s.Set("analysis.pre_context", "family photos from 2025"); err != nil {
		t.Fatalf("failed to set string: %v", err)
	}

	if got := s.GetString("analysis.pre_context", ""); got != "family photos from 2025" {
		t.Errorf("expected pre-context stored, got '%s'", got)
	}

	if err := s.Set("verification.enabled", true); err != nil {
		t.Fatalf("failed to set bool: %v", err)
	}

	if !s.GetBool("verification.enabled", false) {
		t.Errorf("expected verification enabled after set")
	}
}

func TestSearchDefaultsCarryVerificationSizing(t *testing.T) {

	s, _ := newTestConfig(t)

	if err := s.Set("verification.batch_size", 3); err != nil {
		t.Fatalf("failed to set batch size: %v", err)
	}

	if err := s.Set("verification.max_images", 12); err != nil {
		t.Fatalf("failed to set image cap: %v", err)
	}

	defaults := NewViews(s).SearchDefaults()

	if defaults.VerifyBatchSize != 3 {
		t.Errorf("expected configured batch size 3, got %d", defaults.VerifyBatchSize)
	}

	if defaults.VerifyMaxImages != 12 {
		t.Errorf("expected configured image cap 12, got %d", defaults.VerifyMaxImages)
	}
}

func TestGetFallbacks(t *testing.T) {

	s, _ := newTestConfig(t)

	if got := s.GetInt("no.such.path", 42); got != 42 {
		t.Errorf("expected fallback 42, got %d", got)
	}

	if got := s.GetString("no.such.path", "fallback"); got != "fallback" {
		t.Errorf("expected fallback string, got '%s'", got)
	}

	if got := s.GetBool("no.such.path", true); !got {
		t.Errorf("expected fallback bool")
	}

	// wrong type falls back too
	if got := s.GetInt("analysis.model_id", 7); got != 7 {
		t.Errorf("expected type mismatch to fall back, got %d", got)
	}
}

func TestSetSurvivesReload(t *testing.T) {

	dir := t.TempDir()

	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("failed to create config store: %v", err)
	}

	if err := s.Set("processing.requests_per_minute", 240); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	reloaded, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("failed to reload config store: %v", err)
	}

	if got := reloaded.GetInt("processing.requests_per_minute", 0); got != 240 {
		t.Errorf("expected persisted value 240 after reload, got %d", got)
	}

	// defaults still fill sections the file already has
	if got := reloaded.GetInt("processing.per_batch_concurrency", 0); got != util.DefaultPerBatchConcurrency {
		t.Errorf("expected default concurrency preserved, got %d", got)
	}
}

func TestOnChangeNotifiesListeners(t *testing.T) {

	s, _ := newTestConfig(t)

	var changed []string
	s.OnChange(func(path string) {
		changed = append(changed, path)
	})

	if err := s.Set("chat.model_id", "gpt-4o-mini"); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	if len(changed) != 1 || changed[0] != "chat.model_id" {
		t.Errorf("expected listener notified with the path, got %v", changed)
	}
}

func TestSetRejectsSectionOverwrite(t *testing.T) {

	s, _ := newTestConfig(t)

	if err := s.Set("processing", 5); err == nil {
		t.Errorf("expected overwriting a section to be rejected")
	}

	if err := s.Set("analysis.model_id.extra", "x"); err == nil {
		t.Errorf("expected traversing a scalar to be rejected")
	}

	if err := s.Set("", 1); err == nil {
		t.Errorf("expected empty path to be rejected")
	}
}

func TestSetCreatesNewSections(t *testing.T) {

	s, _ := newTestConfig(t)

	if err := s.Set("experimental.flag", true); err != nil {
		t.Fatalf("failed to set new section: %v", err)
	}

	if !s.GetBool("experimental.flag", false) {
		t.Errorf("expected value readable in new section")
	}
}

func TestSecretsEncryptedAtRest(t *testing.T) {

	dir := t.TempDir()
	fieldKey := []byte("0123456789abcdef0123456789abcdef")

	s, err := NewStore(dir, fieldKey)
	if err != nil {
		t.Fatalf("failed to create config store: %v", err)
	}

	if err := s.Set("providers.openai.api_key", "sk-secret-value"); err != nil {
		t.Fatalf("failed to set secret: %v", err)
	}

	// the plaintext never reaches disk
	raw, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}

	if strings.Contains(string(raw), "sk-secret-value") {
		t.Errorf("expected secret encrypted at rest")
	}

	if !strings.Contains(string(raw), encValuePrefix) {
		t.Errorf("expected sealed secret marker in config file")
	}

	// reads round trip through decryption
	if got := s.GetString("providers.openai.api_key", ""); got != "sk-secret-value" {
		t.Errorf("expected decrypted secret, got '%s'", got)
	}

	// a reload with the same key still decrypts
	reloaded, err := NewStore(dir, fieldKey)
	if err != nil {
		t.Fatalf("failed to reload config store: %v", err)
	}

	if got := reloaded.GetString("providers.openai.api_key", ""); got != "sk-secret-value" {
		t.Errorf("expected decrypted secret after reload, got '%s'", got)
	}

	// the full document masks secret leaves
	doc := s.All()
	providers := doc["providers"].(map[string]interface{})
	openai := providers["openai"].(map[string]interface{})
	if openai["api_key"] != secretMask {
		t.Errorf("expected masked secret in document copy, got '%v'", openai["api_key"])
	}
}

func TestSecretsPlaintextWithoutFieldKey(t *testing.T) {

	s, _ := newTestConfig(t)

	if err := s.Set("photo_host.api_key", "host-key"); err != nil {
		t.Fatalf("failed to set secret: %v", err)
	}

	// no field key means the value stays readable
	if got := s.GetString("photo_host.api_key", ""); got != "host-key" {
		t.Errorf("expected plaintext secret readable, got '%s'", got)
	}

	// masking still applies to document copies
	doc := s.All()
	hostSection := doc["photo_host"].(map[string]interface{})
	if hostSection["api_key"] != secretMask {
		t.Errorf("expected masked secret in document copy, got '%v'", hostSection["api_key"])
	}
}

func TestIsSecretPath(t *testing.T) {

	secret := []string{"providers.openai.api_key", "photo_host.api_secret", "photo_host.token"}
	for _, path := range secret {
		if !isSecretPath(path) {
			t.Errorf("expected '%s' treated as a secret", path)
		}
	}

	open := []string{"analysis.model_id", "processing.requests_per_minute", ""}
	for _, path := range open {
		if isSecretPath(path) {
			t.Errorf("expected '%s' not treated as a secret", path)
		}
	}
}

func TestAllReturnsDeepCopy(t *testing.T) {

	s, _ := newTestConfig(t)

	doc := s.All()
	section, ok := doc["analysis"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected analysis section in document")
	}
	section["model_id"] = "mutated"

	if got := s.GetString("analysis.model_id", ""); got != "gpt-4o" {
		t.Errorf("expected caller mutation not to reach the store, got '%s'", got)
	}
}
