package crypto

import (
	"path/filepath"
	"testing"

	"github.com/arbor-ai/arbor/pkg/types"
)

func newTestService(t *testing.T) *PayloadService {
	t.Helper()

	km := NewKeyManager(filepath.Join(t.TempDir(), "test.key"))
	if err := km.Initialize(); err != nil {
		t.Fatalf("KeyManager Initialize failed: %v", err)
	}
	return NewPayloadService(km)
}

func TestCredentialsRoundTrip(t *testing.T) {
	ps := newTestService(t)

	creds := &types.AgentCredentials{
		APIKeys: map[string]string{"anthropic": "sk-test-123"},
		Tokens:  map[string]string{"github": "ghp_abc"},
	}

	payload, err := ps.EncryptCredentials(creds)
	if err != nil {
		t.Fatalf("EncryptCredentials failed: %v", err)
	}
	if payload.Version != PayloadVersion {
		t.Errorf("version = %d, want %d", payload.Version, PayloadVersion)
	}
	if payload.Ciphertext == "" {
		t.Fatal("empty ciphertext")
	}

	got, err := ps.DecryptCredentials(payload)
	if err != nil {
		t.Fatalf("DecryptCredentials failed: %v", err)
	}
	if got.APIKeys["anthropic"] != "sk-test-123" {
		t.Errorf("api key = %q, want sk-test-123", got.APIKeys["anthropic"])
	}
	if got.Tokens["github"] != "ghp_abc" {
		t.Errorf("token = %q, want ghp_abc", got.Tokens["github"])
	}
}

func TestDecryptWithWrongIdentityFails(t *testing.T) {
	ps := newTestService(t)
	other := newTestService(t)

	payload, err := ps.EncryptCredentials(&types.AgentCredentials{
		APIKeys: map[string]string{"k": "v"},
	})
	if err != nil {
		t.Fatalf("EncryptCredentials failed: %v", err)
	}

	if _, err := other.DecryptCredentials(payload); err == nil {
		t.Error("decrypt with the wrong identity should fail")
	}
}

func TestKeyManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.key")

	km := NewKeyManager(path)
	if err := km.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	pub := km.PublicKey()

	reloaded := NewKeyManager(path)
	if err := reloaded.Initialize(); err != nil {
		t.Fatalf("reload Initialize failed: %v", err)
	}
	if reloaded.PublicKey() != pub {
		t.Errorf("reloaded public key %q differs from %q", reloaded.PublicKey(), pub)
	}
}
