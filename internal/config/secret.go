package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// webhookSecretBytes is the size of a generated WebhookConfig.Secret before
// hex encoding; 32 bytes gives a 64-character secret.
const webhookSecretBytes = 32

// GenerateWebhookSecret returns a random value suitable for
// WebhookConfig.Secret: the shared secret incoming backend webhooks must
// present before the Mapper will act on their payload. appctx.New calls
// this when Webhook.Enabled is true but no secret was configured.
func GenerateWebhookSecret() (string, error) {
	raw := make([]byte, webhookSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating webhook secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
