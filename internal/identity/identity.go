// Package identity manages the stable per-device identifier. The id tags
// broker requests so a device can reclaim its own pending rooms; the
// signaling server assigns its own per-session client ids independently.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	configDirName = "pairlink"
	deviceIDFile  = "device_id"
)

// DeviceID returns the persisted device identifier, generating and storing
// a new one on first use.
func DeviceID() (string, error) {
	path, err := deviceIDPath()
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		// Corrupt file, regenerate below.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing device id: %w", err)
	}
	return id, nil
}

func deviceIDPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating config dir: %w", err)
	}
	return filepath.Join(base, configDirName, deviceIDFile), nil
}
