package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// DefaultUnitPath is where the console unit is installed.
const DefaultUnitPath = "/etc/systemd/system/hitlwatch.service"

// CheckUnitFile compares the unit file at unitPath against the install-time
// hash stored at hashPath. It returns a warning when the unit has changed,
// or "" when integrity holds or nothing was recorded.
func CheckUnitFile(unitPath, hashPath string) string {
	if _, err := os.Stat(unitPath); err != nil {
		return ""
	}

	stored, err := os.ReadFile(hashPath)
	if err != nil {
		return ""
	}
	expected := strings.TrimSpace(string(stored))
	if len(expected) != 64 {
		return ""
	}

	actual, err := hashUnit(unitPath)
	if err != nil {
		return fmt.Sprintf("cannot read unit file %s: %v", unitPath, err)
	}
	if actual == expected {
		return ""
	}
	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expected[:16], actual[:16])
}

// RecordUnitFileHash writes the SHA-256 of unitPath to hashPath as the
// install-time baseline.
func RecordUnitFileHash(unitPath, hashPath string) error {
	hash, err := hashUnit(unitPath)
	if err != nil {
		return fmt.Errorf("no unit file at %s: %w", unitPath, err)
	}
	return os.WriteFile(hashPath, []byte(hash+"\n"), 0600)
}

func hashUnit(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}
