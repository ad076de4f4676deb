package model

import (
	"strconv"
	"time"
)

type AuthMethod string

const (
	AuthPassword            AuthMethod = "password"
	AuthKey                 AuthMethod = "key"
	AuthAgent               AuthMethod = "agent"
	AuthKeyboardInteractive AuthMethod = "keyboard-interactive"
)

type HostKeyMode string

const (
	HostKeyKnownHosts HostKeyMode = "known_hosts"
	HostKeyInsecure   HostKeyMode = "insecure"
)

type AuthConfig struct {
	Method   AuthMethod `yaml:"method"`
	KeyPath  string     `yaml:"keyPath,omitempty"`  // when method=key
	Password string     `yaml:"password,omitempty"` // when method=password (stored in config)
}

type HostKeyConfig struct {
	Mode HostKeyMode `yaml:"mode,omitempty"` // known_hosts / insecure
}

type ConnectionDriver string

const (
	DriverSSH   ConnectionDriver = "ssh"
	DriverLocal ConnectionDriver = "local"
)

type LocalConfig struct {
	// Command to run under a local PTY. Defaults to $SHELL, then /bin/sh.
	Command string `yaml:"command,omitempty"`

	// Args are passed as-is (no shell). Placeholders:
	// {host} {port} {user} {name} {id}
	Args []string `yaml:"args,omitempty"`

	WorkDir string            `yaml:"workDir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

type Host struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`

	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
	User string `yaml:"user,omitempty"`

	// Connection driver for this host. Defaults to "ssh".
	Driver ConnectionDriver `yaml:"driver,omitempty"`

	Auth    AuthConfig    `yaml:"auth,omitempty"`
	HostKey HostKeyConfig `yaml:"hostKey,omitempty"`

	Local *LocalConfig `yaml:"local,omitempty"`

	// Audit, when set, records every byte sent to the host to this file.
	Audit string `yaml:"audit,omitempty"`
}

type Network struct {
	ID    int    `yaml:"id"`
	Name  string `yaml:"name"`
	Hosts []Host `yaml:"hosts"`
}

// OutputConfig tunes the path from the terminal core to the transport.
type OutputConfig struct {
	QueueSize        int           `yaml:"queueSize"`
	EnqueueTimeout   time.Duration `yaml:"enqueueTimeout"`
	ScrollbackChunks int           `yaml:"scrollbackChunks"`
	DrainTimeout     time.Duration `yaml:"drainTimeout"`
	KeepAlive        time.Duration `yaml:"keepAlive"`
	AuditFormat      string        `yaml:"auditFormat,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug / info / warn / error
	JSON  bool   `yaml:"json,omitempty"`
	File  string `yaml:"file,omitempty"`
}

type AppConfig struct {
	Version  int           `yaml:"version"`
	Output   OutputConfig  `yaml:"output"`
	Logging  LoggingConfig `yaml:"logging,omitempty"`
	Networks []Network     `yaml:"networks"`
}

// HostByID returns the host with the given ID across all networks.
func (c AppConfig) HostByID(id int) (Host, bool) {
	for _, netw := range c.Networks {
		for _, h := range netw.Hosts {
			if h.ID == id {
				return h, true
			}
		}
	}
	return Host{}, false
}

// FindHost resolves a host reference: a numeric ID or a host name.
func (c AppConfig) FindHost(ref string) (Host, bool) {
	if id, err := strconv.Atoi(ref); err == nil {
		if h, ok := c.HostByID(id); ok {
			return h, true
		}
	}
	for _, netw := range c.Networks {
		for _, h := range netw.Hosts {
			if h.Name == ref {
				return h, true
			}
		}
	}
	return Host{}, false
}
