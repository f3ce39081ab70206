//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
)

const plistPath = "/Library/LaunchDaemons/" + plistName + ".plist"

// Install writes a launch daemon and loads it.
func Install(exePath string, args ...string) error {
	if _, err := os.Stat(plistPath); err == nil {
		return fmt.Errorf("service %s already exists", plistName)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(plistPath, []byte(launchdPlist(exePath, args, dataDir)), 0644); err != nil {
		return fmt.Errorf("creating plist: %w", err)
	}
	if out, err := exec.Command("launchctl", "load", "-w", plistPath).CombinedOutput(); err != nil {
		return fmt.Errorf("loading plist: %w: %s", err, out)
	}
	return nil
}

// Uninstall unloads and removes the launch daemon.
func Uninstall() error {
	if _, err := os.Stat(plistPath); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", plistName)
	}
	_ = exec.Command("launchctl", "unload", plistPath).Run()
	if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing plist: %w", err)
	}
	return nil
}
