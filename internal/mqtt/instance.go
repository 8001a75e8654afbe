package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/aichemy-agent/internal/config"
)

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not exist.
// The instance ID survives restarts so the broker sees a stable client
// and retained topics keep their owner.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}

// InstanceID returns the id this process uses as its MQTT client id:
// the configured client_id, the persisted id under data_dir, or a fresh
// UUID.
func InstanceID(cfg config.MQTTConfig) (string, error) {
	switch {
	case cfg.ClientID != "":
		return cfg.ClientID, nil
	case cfg.DataDir != "":
		return LoadOrCreateInstanceID(cfg.DataDir)
	default:
		return uuid.NewString(), nil
	}
}
