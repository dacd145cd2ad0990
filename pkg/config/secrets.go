package config

import (
	"fmt"
	"strings"
)

const (
	// encValuePrefix marks a stored value as field-level encrypted.
	encValuePrefix = "enc:"

	// secretMask replaces secret values in document copies handed to callers.
	secretMask = "********"
)

// secretLeaves are the leaf keys treated as secrets wherever they appear in
// the document.
var secretLeaves = map[string]struct{}{
	"api_key":    {},
	"api_secret": {},
	"token":      {},
}

// isSecretPath reports whether a dot path addresses a secret leaf.
func isSecretPath(path string) bool {

	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return false
	}

	_, ok := secretLeaves[segments[len(segments)-1]]
	return ok
}

// sealSecret prepares a secret value for persistence.  With a field key the
// value is aes-gcm encrypted; without one it is stored as given and the
// plaintext fallback is logged so the operator knows to set the key.
func (s *store) sealSecret(path string, value interface{}) (interface{}, error) {

	plaintext, ok := value.(string)
	if !ok || plaintext == "" || strings.HasPrefix(plaintext, encValuePrefix) {
		return value, nil
	}

	if s.cryptor == nil {
		s.logger.Warn(fmt.Sprintf("no field encryption key configured: secret '%s' stored in plaintext", path))
		return value, nil
	}

	encrypted, err := s.cryptor.EncryptServiceData([]byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret '%s': %v", path, err)
	}

	return encValuePrefix + encrypted, nil
}

// openSecret reverses sealSecret for reads.  A sealed value without a field
// key cannot be recovered and reads as empty.
func (s *store) openSecret(path, stored string) (string, bool) {

	if !strings.HasPrefix(stored, encValuePrefix) {
		return stored, true
	}

	if s.cryptor == nil {
		s.logger.Error(fmt.Sprintf("secret '%s' is encrypted but no field encryption key is configured", path))
		return "", false
	}

	decrypted, err := s.cryptor.DecryptServiceData(strings.TrimPrefix(stored, encValuePrefix))
	if err != nil {
		s.logger.Error(fmt.Sprintf("failed to decrypt secret '%s': %v", path, err))
		return "", false
	}

	return string(decrypted), true
}

// maskSecrets replaces populated secret leaves in a document copy.
func maskSecrets(tree map[string]interface{}) {

	for key, value := range tree {

		if section, ok := value.(map[string]interface{}); ok {
			maskSecrets(section)
			continue
		}

		if _, secret := secretLeaves[key]; !secret {
			continue
		}

		if str, ok := value.(string); ok && str != "" {
			tree[key] = secretMask
		}
	}
}
