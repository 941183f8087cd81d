package daemon

// ServiceName is the unit name used by the platform service managers
const ServiceName = "routemesh"

// PlatformService defines the interface for platform-specific services
type PlatformService interface {
	Install() error
	Uninstall() error
	Start() error
	Stop() error
	Status() (string, error)
	IsInstalled() bool
}
