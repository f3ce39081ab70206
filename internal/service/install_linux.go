//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const unitPath = "/etc/systemd/system/" + unitName + ".service"

// Install writes a systemd unit, then enables and starts it.
func Install(exePath string, args ...string) error {
	if _, err := os.Stat(unitPath); err == nil {
		return fmt.Errorf("service %s already exists", unitName)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(systemdUnit(exePath, args)), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	return systemctl(
		[]string{"daemon-reload"},
		[]string{"enable", unitName},
		[]string{"start", unitName},
	)
}

// Uninstall stops, disables and removes the unit.
func Uninstall() error {
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", unitName)
	}
	// Already inactive units fail to stop; that is fine.
	_ = systemctl([]string{"stop", unitName}, []string{"disable", unitName})

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	return systemctl([]string{"daemon-reload"})
}

func systemctl(commands ...[]string) error {
	for _, args := range commands {
		if out, err := exec.Command("systemctl", args...).CombinedOutput(); err != nil {
			return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}
