package attestation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ProviderName is the key provider name used in decryption descriptors.
const ProviderName = "attestation-agent"

type keyProviderConfig struct {
	KeyProviders map[string]keyProvider `json:"key-providers"`
}

type keyProvider struct {
	GRPC string `json:"grpc"`
}

// WriteKeyProviderConfig writes the ocicrypt key provider file pointing the
// attestation-agent provider at addr. An existing file is overwritten.
func WriteKeyProviderConfig(path, addr string) error {
	cfg := keyProviderConfig{
		KeyProviders: map[string]keyProvider{
			ProviderName: {GRPC: addr},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding key provider config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating key provider config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing key provider config: %w", err)
	}
	return nil
}

// DecryptionKey returns the decryption descriptor handed to pull tools,
// "provider:attestation-agent:<kbcParams>".
func DecryptionKey(kbcParams string) string {
	return "provider:" + ProviderName + ":" + kbcParams
}
