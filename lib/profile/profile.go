/*
Copyright 2024 Otium Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package profile runs a small fixed battery of read-only probes over
// a live SSH transport and synthesizes an immutable snapshot of the
// target host. Probing is best-effort: every probe has a deadline and
// a default-safe outcome, and a partial profile never fails the
// caller.
package profile

import (
	"time"
)

// OSFamily is the coarse OS classification used for package manager
// hints.
type OSFamily string

const (
	FamilyDebian  OSFamily = "debian"
	FamilyRHEL    OSFamily = "rhel"
	FamilyArch    OSFamily = "arch"
	FamilyAlpine  OSFamily = "alpine"
	FamilySUSE    OSFamily = "suse"
	FamilyUnknown OSFamily = "unknown"
)

// ServiceManager identifies the init system driving services on the
// host.
type ServiceManager string

const (
	ServiceManagerSystemd  ServiceManager = "systemd"
	ServiceManagerSysvinit ServiceManager = "sysvinit"
	ServiceManagerOpenRC   ServiceManager = "openrc"
	ServiceManagerUpstart  ServiceManager = "upstart"
	ServiceManagerNone     ServiceManager = "none"
)

// Port is one listening socket on the host.
type Port struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// HostProfile is an immutable snapshot of a target host. Once
// captured for a session it is read-only; re-profiling produces a new
// snapshot, never mutation.
type HostProfile struct {
	OSFamily     OSFamily `json:"os_family"`
	Distribution string   `json:"distribution"`
	Version      string   `json:"version"`
	Kernel       string   `json:"kernel"`
	Arch         string   `json:"arch"`

	MemoryTotalBytes     uint64 `json:"memory_total_bytes"`
	MemoryAvailableBytes uint64 `json:"memory_available_bytes"`
	DiskFreeBytes        uint64 `json:"disk_free_bytes"`

	// Tools is the set of tool identifiers found on PATH, keyed for
	// cheap membership tests.
	Tools map[string]bool `json:"tools"`

	ServiceManager ServiceManager `json:"service_manager"`

	// ListeningPorts is ordered and de-duplicated.
	ListeningPorts []Port `json:"listening_ports"`

	CapturedAt time.Time `json:"captured_at"`
}

// HasTool reports whether the tool was found on PATH.
func (p *HostProfile) HasTool(name string) bool {
	return p.Tools[name]
}

// PackageManager returns the preferred package manager for the host,
// by OS-family hint first and tool inventory second.
func (p *HostProfile) PackageManager() string {
	switch p.OSFamily {
	case FamilyDebian:
		if p.HasTool("apt-get") {
			return "apt-get"
		}
		if p.HasTool("apt") {
			return "apt"
		}
	case FamilyRHEL:
		if p.HasTool("dnf") {
			return "dnf"
		}
		if p.HasTool("yum") {
			return "yum"
		}
	case FamilyArch:
		if p.HasTool("pacman") {
			return "pacman"
		}
	case FamilyAlpine:
		if p.HasTool("apk") {
			return "apk"
		}
	case FamilySUSE:
		if p.HasTool("zypper") {
			return "zypper"
		}
	}
	for _, pm := range []string{"apt-get", "apt", "dnf", "yum", "pacman", "apk", "zypper"} {
		if p.HasTool(pm) {
			return pm
		}
	}
	return "unknown"
}

// ToolList returns the tool inventory sorted in the probe order so
// prompts are stable across runs.
func (p *HostProfile) ToolList() []string {
	out := make([]string, 0, len(p.Tools))
	for _, tool := range ProbedTools {
		if p.Tools[tool] {
			out = append(out, tool)
		}
	}
	return out
}

// ProbedTools is the fixed inventory list tested for presence on
// PATH.
var ProbedTools = []string{
	"apt", "apt-get", "dnf", "yum", "pacman", "apk", "zypper",
	"systemctl", "service", "ufw", "iptables", "nftables",
	"docker", "podman", "nginx", "curl", "wget", "jq", "git",
	"python3", "node", "make", "gcc", "tar", "gzip",
}
