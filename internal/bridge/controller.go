package bridge

import (
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// ControllerOptions describes the local bridge instance.
type ControllerOptions struct {
	// MachineID identifies this installation. Usually the bridge origin.
	MachineID string

	// Name is a human readable name. Defaults to the hostname.
	Name string

	// Version is the build version.
	Version string

	// Owner is the local owner identity.
	Owner string
}

// ControllerMetadata is the MetadataProvider sent in pings.
// Each call re-samples the clock so drift is visible to the cloud.
type ControllerMetadata struct {
	machineID string
	sessionID string
	name      string
	version   string
	owner     string
	started   time.Time
	now       func() time.Time
}

// NewControllerMetadata creates a provider with a fresh session id.
func NewControllerMetadata(opts ControllerOptions) *ControllerMetadata {
	name := opts.Name
	if name == "" {
		name, _ = os.Hostname() //nolint:errcheck // empty name is compacted away
	}
	return &ControllerMetadata{
		machineID: opts.MachineID,
		sessionID: uuid.NewString(),
		name:      name,
		version:   opts.Version,
		owner:     opts.Owner,
		started:   time.Now(),
		now:       time.Now,
	}
}

// Metadata returns the current controller descriptor. Empty values are
// dropped by the codec.
func (c *ControllerMetadata) Metadata() map[string]any {
	now := c.now()
	return map[string]any{
		"machine_id":     c.machineID,
		"session_id":     c.sessionID,
		"name":           c.name,
		"version":        c.version,
		"owner":          c.owner,
		"platform":       runtime.GOOS + "/" + runtime.GOARCH,
		"started":        c.started.UTC().Format(time.RFC3339),
		"now":            now.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(now.Sub(c.started).Seconds()),
	}
}
