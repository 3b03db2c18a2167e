package types

// EncryptedPayload contains age-encrypted data.
type EncryptedPayload struct {
	Version    int    `json:"v"` // Payload format version
	Recipient  string `json:"r"` // age public key hint
	Ciphertext string `json:"c"` // base64 age ciphertext
}

// AgentCredentials contains decrypted credentials handed to an agent worker.
type AgentCredentials struct {
	APIKeys map[string]string `json:"api_keys,omitempty"`
	Tokens  map[string]string `json:"tokens,omitempty"`
	Custom  map[string]string `json:"custom,omitempty"`
}
