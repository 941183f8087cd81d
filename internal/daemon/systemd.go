//go:build linux

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const (
	// SystemdServiceTemplate is the template for the systemd service file
	SystemdServiceTemplate = `[Unit]
Description=routemesh network mesh daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s daemon --config %s
Restart=always
RestartSec=5
StateDirectory=routemesh
StandardOutput=journal
StandardError=journal

[Install]
WantedBy=multi-user.target
`
	// SystemdServicePath is the path to the systemd service file
	SystemdServicePath = "/etc/systemd/system/routemesh.service"
)

// SystemdService is a systemd service for Linux
type SystemdService struct {
	execPath   string
	configPath string
	unitPath   string
	run        func(name string, args ...string) ([]byte, error)
}

// NewSystemdService creates a new SystemdService
func NewSystemdService(execPath, configPath string) *SystemdService {
	return &SystemdService{
		execPath:   execPath,
		configPath: configPath,
		unitPath:   SystemdServicePath,
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).Output()
		},
	}
}

// NewPlatformService creates a platform-specific service
func NewPlatformService(execPath, configPath string) PlatformService {
	return NewSystemdService(execPath, configPath)
}

// Unit renders the unit file
func (s *SystemdService) Unit() string {
	return fmt.Sprintf(SystemdServiceTemplate, s.execPath, s.configPath)
}

func (s *SystemdService) systemctl(args ...string) error {
	if _, err := s.run("systemctl", args...); err != nil {
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

// Install installs the systemd service
func (s *SystemdService) Install() error {
	if os.Getuid() != 0 {
		return fmt.Errorf("root privileges required to install systemd service")
	}

	if err := os.WriteFile(s.unitPath, []byte(s.Unit()), 0o644); err != nil {
		return fmt.Errorf("failed to write service file: %w", err)
	}
	if err := s.systemctl("daemon-reload"); err != nil {
		return err
	}
	return s.systemctl("enable", ServiceName)
}

// Uninstall uninstalls the systemd service
func (s *SystemdService) Uninstall() error {
	if os.Getuid() != 0 {
		return fmt.Errorf("root privileges required to uninstall systemd service")
	}

	if err := s.systemctl("disable", ServiceName); err != nil {
		fmt.Printf("Warning: failed to disable service: %v\n", err)
	}
	if err := s.systemctl("stop", ServiceName); err != nil {
		fmt.Printf("Warning: failed to stop service: %v\n", err)
	}

	if err := os.Remove(s.unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove service file: %w", err)
	}
	return s.systemctl("daemon-reload")
}

// Start starts the systemd service
func (s *SystemdService) Start() error {
	return s.systemctl("start", ServiceName)
}

// Stop stops the systemd service
func (s *SystemdService) Stop() error {
	return s.systemctl("stop", ServiceName)
}

// Status returns the status of the systemd service
func (s *SystemdService) Status() (string, error) {
	output, err := s.run("systemctl", "is-active", ServiceName)
	if err != nil {
		// is-active exits non-zero for anything but active
		if status := strings.TrimSpace(string(output)); status != "" {
			return status, nil
		}
		return "stopped", nil
	}
	return strings.TrimSpace(string(output)), nil
}

// IsInstalled checks if the systemd service is installed
func (s *SystemdService) IsInstalled() bool {
	_, err := os.Stat(s.unitPath)
	return err == nil
}
