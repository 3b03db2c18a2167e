package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"filippo.io/age"

	"github.com/arbor-ai/arbor/pkg/types"
)

// PayloadVersion is the current encrypted payload format version.
const PayloadVersion = 1

// PayloadService handles encryption and decryption of payload data.
type PayloadService struct {
	keyManager *KeyManager
}

// NewPayloadService creates a new PayloadService.
func NewPayloadService(keyManager *KeyManager) *PayloadService {
	return &PayloadService{
		keyManager: keyManager,
	}
}

// EncryptCredentials encrypts AgentCredentials into an EncryptedPayload.
func (ps *PayloadService) EncryptCredentials(creds *types.AgentCredentials) (*types.EncryptedPayload, error) {
	return ps.EncryptCredentialsTo(creds, ps.keyManager.PublicKey())
}

// EncryptCredentialsTo encrypts AgentCredentials to a specific recipient.
func (ps *PayloadService) EncryptCredentialsTo(creds *types.AgentCredentials, recipientKey string) (*types.EncryptedPayload, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	ciphertext, err := EncryptToRecipient(plaintext, recipientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}

	return &types.EncryptedPayload{
		Version:    PayloadVersion,
		Recipient:  recipientKey[:12] + "...", // Public key hint
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// DecryptCredentials decrypts an EncryptedPayload into AgentCredentials.
func (ps *PayloadService) DecryptCredentials(payload *types.EncryptedPayload) (*types.AgentCredentials, error) {
	return ps.DecryptCredentialsWithIdentity(payload, ps.keyManager.Identity())
}

// DecryptCredentialsWithIdentity decrypts using a specific identity.
func (ps *PayloadService) DecryptCredentialsWithIdentity(payload *types.EncryptedPayload, identity *age.X25519Identity) (*types.AgentCredentials, error) {
	if payload == nil {
		return nil, fmt.Errorf("payload is nil")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	plaintext, err := DecryptWithIdentity(ciphertext, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	var creds types.AgentCredentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}

	return &creds, nil
}

// EncryptJSON encrypts any JSON-serializable data.
func (ps *PayloadService) EncryptJSON(data any) (*types.EncryptedPayload, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	ciphertext, err := EncryptToRecipient(plaintext, ps.keyManager.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}

	return &types.EncryptedPayload{
		Version:    PayloadVersion,
		Recipient:  ps.keyManager.PublicKeyHint(),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// DecryptJSON decrypts an EncryptedPayload into a target struct.
func (ps *PayloadService) DecryptJSON(payload *types.EncryptedPayload, target any) error {
	if payload == nil {
		return fmt.Errorf("payload is nil")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	plaintext, err := DecryptWithIdentity(ciphertext, ps.keyManager.Identity())
	if err != nil {
		return fmt.Errorf("failed to decrypt: %w", err)
	}

	if err := json.Unmarshal(plaintext, target); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}

	return nil
}
