// Package registry parses, validates, and exposes the gateway's server
// registry and global settings. The gateway never mutates this data; an
// external administrative tool owns writes to the underlying file.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
)

// DisplayMetadata is the best-effort cached MOTD/gamemode/max-players shown
// in a synthesized status response while the backend is asleep.
type DisplayMetadata struct {
	MOTD       string `json:"motd"`
	Mode       string `json:"mode"`
	Difficulty string `json:"difficulty"`
	MaxPlayers int    `json:"max_players"`
}

// Server is one managed backend entry. ExternalPort and ContainerName are
// each primary keys within a registry snapshot.
type Server struct {
	Name            string          `json:"name"`
	ContainerName   string          `json:"container_name"`
	ExternalPort    int             `json:"external_port"`
	InternalPort    int             `json:"internal_port"`
	DisplayMetadata DisplayMetadata `json:"display_metadata"`
}

// rawFile is the on-disk JSON shape. Unknown fields are ignored by
// encoding/json's default decode behavior.
type rawFile struct {
	Timeout       int                    `json:"timeout"`
	AutoShutdown  bool                   `json:"auto_shutdown"`
	Servers       []Server               `json:"servers"`
	Notifications map[string]json.RawMessage `json:"notifications"`
}

// Settings holds the global, registry-wide knobs.
type Settings struct {
	IdleTimeoutMinutes int
	AutoShutdown       bool
}

// Snapshot is an immutable view of the registry at one point in time.
// Readers receive a *Snapshot and never see a partially-applied reload: the
// Loader publishes a brand new Snapshot atomically by pointer-swap, never by
// in-place mutation.
type Snapshot struct {
	Settings      Settings
	Servers       []Server
	byPort        map[int]*Server
	Notifications map[string]json.RawMessage
}

// ServerByPort looks up a registry entry by the gateway's local accept port.
// This is the sole routing key; the handshake's client-supplied
// server_address/port are never consulted.
func (s *Snapshot) ServerByPort(port int) (*Server, bool) {
	server, ok := s.byPort[port]
	return server, ok
}

func buildSnapshot(raw rawFile) (*Snapshot, error) {
	if err := validate(raw); err != nil {
		return nil, err
	}

	byPort := make(map[int]*Server, len(raw.Servers))
	servers := make([]Server, len(raw.Servers))
	copy(servers, raw.Servers)
	for i := range servers {
		byPort[servers[i].ExternalPort] = &servers[i]
	}

	return &Snapshot{
		Settings: Settings{
			IdleTimeoutMinutes: raw.Timeout,
			AutoShutdown:       raw.AutoShutdown,
		},
		Servers:       servers,
		byPort:        byPort,
		Notifications: raw.Notifications,
	}, nil
}

func validate(raw rawFile) error {
	if raw.Timeout < 0 {
		return fmt.Errorf("registry: idle_timeout_minutes must be >= 0, got %d", raw.Timeout)
	}

	externalPorts := make(map[int]string, len(raw.Servers))
	internalPorts := make(map[int]string, len(raw.Servers))
	containerNames := make(map[string]struct{}, len(raw.Servers))

	for _, server := range raw.Servers {
		if server.ExternalPort < 1 || server.ExternalPort > 65535 {
			return fmt.Errorf("registry: server %q external_port %d out of range [1,65535]", server.Name, server.ExternalPort)
		}
		if server.InternalPort < 1 || server.InternalPort > 65535 {
			return fmt.Errorf("registry: server %q internal_port %d out of range [1,65535]", server.Name, server.InternalPort)
		}
		if existing, dup := externalPorts[server.ExternalPort]; dup {
			return fmt.Errorf("registry: external_port %d used by both %q and %q", server.ExternalPort, existing, server.Name)
		}
		if existing, dup := internalPorts[server.InternalPort]; dup {
			return fmt.Errorf("registry: internal_port %d used by both %q and %q", server.InternalPort, existing, server.Name)
		}
		if server.ContainerName == "" {
			return fmt.Errorf("registry: server %q has an empty container_name", server.Name)
		}
		if _, dup := containerNames[server.ContainerName]; dup {
			return fmt.Errorf("registry: container_name %q reused across servers", server.ContainerName)
		}

		externalPorts[server.ExternalPort] = server.Name
		internalPorts[server.InternalPort] = server.Name
		containerNames[server.ContainerName] = struct{}{}
	}

	return nil
}

// Loader owns the registry file path and publishes immutable Snapshots.
type Loader struct {
	path string
	// current holds *Snapshot; readers load it without ever blocking on a
	// reload in progress.
	current atomic.Pointer[Snapshot]
}

// NewLoader parses path once at startup. A RegistryError here is fatal: the
// gateway cannot serve any backend without a valid registry.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	if err := l.reloadFrom(path); err != nil {
		return nil, err
	}
	return l, nil
}

// Current returns the presently published snapshot. Safe for concurrent use
// from any number of goroutines.
func (l *Loader) Current() *Snapshot {
	return l.current.Load()
}

// Reload re-reads the registry file and, if it parses and validates, swaps
// it in atomically. On failure, the prior snapshot is retained and the
// error is returned for the caller to log.
func (l *Loader) Reload() error {
	return l.reloadFrom(l.path)
}

func (l *Loader) reloadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: read %q: %w", path, err)
	}

	var raw rawFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("registry: parse %q: %w", path, err)
	}

	snapshot, err := buildSnapshot(raw)
	if err != nil {
		return err
	}

	l.current.Store(snapshot)
	return nil
}
