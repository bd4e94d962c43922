package biokey

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
)

// ShareSource supplies the M-of-N shares used for key reconstruction. Share
// distribution and escrow mechanics are a collaborator concern; the session
// only collects.
type ShareSource interface {
	Shares(ctx context.Context) ([]Share, error)
}

// StaticShareSource hands out a fixed set of shares. Used in tests and by the
// CLI when shares are supplied directly.
type StaticShareSource struct {
	shares []Share
}

// NewStaticShareSource copies the given shares.
func NewStaticShareSource(shares []Share) *StaticShareSource {
	out := make([]Share, len(shares))
	for i, s := range shares {
		out[i] = Share{
			Index:        s.Index,
			Data:         append([]byte(nil), s.Data...),
			Signature:    append([]byte(nil), s.Signature...),
			HolderPubKey: append([]byte(nil), s.HolderPubKey...),
		}
	}
	return &StaticShareSource{shares: out}
}

// Shares implements ShareSource.
func (s *StaticShareSource) Shares(ctx context.Context) ([]Share, error) {
	return s.shares, nil
}

// VaultShareSource reads escrowed shares from a HashiCorp Vault KV v2 mount.
// Each share is stored base64-encoded under "share-<index>", optionally
// ECIES-encrypted to this collector's key so the escrow never holds
// plaintext shares.
type VaultShareSource struct {
	client    *vault.Client
	mountPath string
	dataPath  string

	// decryptionKeyPEM, when set, is used to ECIES-decrypt each share.
	decryptionKeyPEM []byte

	log *slog.Logger
}

// NewVaultShareSource creates a share source reading from the given Vault
// address and KV v2 path.
func NewVaultShareSource(address, token, mountPath, dataPath string, decryptionKeyPEM []byte, log *slog.Logger) (*VaultShareSource, error) {
	config := vault.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultShareSource{
		client:           client,
		mountPath:        mountPath,
		dataPath:         dataPath,
		decryptionKeyPEM: decryptionKeyPEM,
		log:              log,
	}, nil
}

// Shares implements ShareSource. Missing or malformed entries are skipped
// with a warning; the materializer decides whether enough remain.
func (v *VaultShareSource) Shares(ctx context.Context) ([]Share, error) {
	secret, err := v.client.KVv2(v.mountPath).Get(ctx, v.dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read escrowed shares: %w", err)
	}

	shares := make([]Share, 0, len(secret.Data))
	for i := 0; ; i++ {
		raw, ok := secret.Data[fmt.Sprintf("share-%d", i)]
		if !ok {
			break
		}

		encoded, ok := raw.(string)
		if !ok {
			v.log.Warn("Skipping malformed escrow entry", slog.Int("index", i))
			continue
		}

		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			v.log.Warn("Skipping undecodable escrow entry", slog.Int("index", i), "err", err)
			continue
		}

		if len(v.decryptionKeyPEM) > 0 {
			data, err = cryptoutils.DecryptWithPrivateKey(v.decryptionKeyPEM, data)
			if err != nil {
				v.log.Warn("Skipping undecryptable escrow entry", slog.Int("index", i), "err", err)
				continue
			}
		}

		shares = append(shares, Share{Index: i, Data: data})
	}

	v.log.Info("Collected escrowed shares", slog.Int("count", len(shares)))
	return shares, nil
}
