//go:build darwin

package daemon

import (
	"fmt"
	"os"
	"os/exec"
)

const (
	LaunchdLabel = "com.routemesh.daemon"

	LaunchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>com.routemesh.daemon</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>daemon</string>
		<string>--config</string>
		<string>%s</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>/var/log/routemesh.out.log</string>
	<key>StandardErrorPath</key>
	<string>/var/log/routemesh.err.log</string>
</dict>
</plist>
`

	LaunchdPlistPath = "/Library/LaunchDaemons/com.routemesh.daemon.plist"
)

type LaunchdService struct {
	execPath   string
	configPath string
}

func NewLaunchdService(execPath, configPath string) *LaunchdService {
	return &LaunchdService{
		execPath:   execPath,
		configPath: configPath,
	}
}

// NewPlatformService creates a platform-specific service
func NewPlatformService(execPath, configPath string) PlatformService {
	return NewLaunchdService(execPath, configPath)
}

// Plist renders the launchd job definition
func (s *LaunchdService) Plist() string {
	return fmt.Sprintf(LaunchdPlistTemplate, s.execPath, s.configPath)
}

func (s *LaunchdService) Install() error {
	if os.Getuid() != 0 {
		return fmt.Errorf("root privileges required to install launchd service")
	}

	if err := os.WriteFile(LaunchdPlistPath, []byte(s.Plist()), 0o644); err != nil {
		return fmt.Errorf("failed to write plist file: %w", err)
	}

	if err := exec.Command("launchctl", "load", "-w", LaunchdPlistPath).Run(); err != nil {
		return fmt.Errorf("failed to load launchd service: %w", err)
	}
	return nil
}

func (s *LaunchdService) Uninstall() error {
	if os.Getuid() != 0 {
		return fmt.Errorf("root privileges required to uninstall launchd service")
	}

	if err := exec.Command("launchctl", "unload", LaunchdPlistPath).Run(); err != nil {
		fmt.Printf("Warning: failed to unload service: %v\n", err)
	}

	if err := os.Remove(LaunchdPlistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file: %w", err)
	}
	return nil
}

func (s *LaunchdService) Start() error {
	return exec.Command("launchctl", "start", LaunchdLabel).Run()
}

func (s *LaunchdService) Stop() error {
	return exec.Command("launchctl", "stop", LaunchdLabel).Run()
}

func (s *LaunchdService) Status() (string, error) {
	output, err := exec.Command("launchctl", "list", LaunchdLabel).Output()
	if err != nil {
		return "stopped", nil
	}

	if len(output) > 0 {
		return "running", nil
	}
	return "unknown", nil
}

func (s *LaunchdService) IsInstalled() bool {
	_, err := os.Stat(LaunchdPlistPath)
	return err == nil
}
