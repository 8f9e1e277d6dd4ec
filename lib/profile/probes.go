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

package profile

import (
	"context"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/otium-ai/otium"
	"github.com/otium-ai/otium/lib/defaults"
	"github.com/otium-ai/otium/lib/sshexec"
)

// Runner executes one command on the target host. *sshexec.Client
// satisfies it; tests substitute scripted fakes.
type Runner interface {
	Run(ctx context.Context, command string) (*sshexec.CommandResult, error)
}

// Config configures a profiler.
type Config struct {
	// ProbeTimeout caps each individual probe.
	ProbeTimeout time.Duration
	// Clock stamps the snapshot.
	Clock clockwork.Clock
}

// CheckAndSetDefaults fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = defaults.ProbeTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Profiler synthesizes HostProfile snapshots.
type Profiler struct {
	cfg Config
	log *logrus.Entry
}

// New returns a profiler.
func New(config Config) (*Profiler, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Profiler{
		cfg: config,
		log: logrus.WithFields(logrus.Fields{
			otium.ComponentKey: otium.ComponentProfiler,
		}),
	}, nil
}

// Profile runs the probe battery and returns a snapshot. It never
// fails: probes that error leave their fields at default-safe values.
func (p *Profiler) Profile(ctx context.Context, runner Runner) *HostProfile {
	hp := &HostProfile{
		OSFamily:       FamilyUnknown,
		Tools:          map[string]bool{},
		ServiceManager: ServiceManagerNone,
		CapturedAt:     p.cfg.Clock.Now().UTC(),
	}

	p.probeIdentity(ctx, runner, hp)
	p.probeResources(ctx, runner, hp)
	p.probeTools(ctx, runner, hp)
	p.probeServiceManager(ctx, runner, hp)
	p.probePorts(ctx, runner, hp)

	p.log.WithFields(logrus.Fields{
		"family":  hp.OSFamily,
		"distro":  hp.Distribution,
		"version": hp.Version,
		"tools":   len(hp.Tools),
	}).Debug("Host profile captured.")
	return hp
}

// run executes one probe under its own deadline and returns the
// trimmed stdout, or ok=false on any failure.
func (p *Profiler) run(ctx context.Context, runner Runner, command string) (string, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	result, err := runner.Run(probeCtx, command)
	if err != nil || !result.Success() {
		p.log.WithField("probe", command).Debug("Probe failed, using default-safe value.")
		return "", false
	}
	return strings.TrimSpace(string(result.Stdout)), true
}

func (p *Profiler) probeIdentity(ctx context.Context, runner Runner, hp *HostProfile) {
	if out, ok := p.run(ctx, runner, "cat /etc/os-release"); ok {
		release := parseOSRelease(out)
		hp.Distribution = release["ID"]
		if hp.Distribution == "" {
			hp.Distribution = strings.ToLower(release["NAME"])
		}
		hp.Version = release["VERSION_ID"]
		hp.OSFamily = classifyFamily(release["ID"], release["ID_LIKE"])
	}
	if out, ok := p.run(ctx, runner, "uname -srm"); ok {
		fields := strings.Fields(out)
		if len(fields) >= 2 {
			hp.Kernel = fields[1]
		}
		if len(fields) >= 3 {
			hp.Arch = fields[2]
		}
	}
}

func (p *Profiler) probeResources(ctx context.Context, runner Runner, hp *HostProfile) {
	if out, ok := p.run(ctx, runner, "cat /proc/meminfo"); ok {
		hp.MemoryTotalBytes = parseMeminfoField(out, "MemTotal")
		hp.MemoryAvailableBytes = parseMeminfoField(out, "MemAvailable")
	}
	if out, ok := p.run(ctx, runner, "df -kP /"); ok {
		hp.DiskFreeBytes = parseDiskFree(out)
	}
}

func (p *Profiler) probeTools(ctx context.Context, runner Runner, hp *HostProfile) {
	// one round trip for the whole inventory; command -v prints a
	// path per tool found and we key by basename
	probe := "command -v " + strings.Join(ProbedTools, " ") + " || true"
	out, ok := p.run(ctx, runner, probe)
	if !ok {
		return
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "/") {
			continue
		}
		hp.Tools[path.Base(line)] = true
	}
}

func (p *Profiler) probeServiceManager(ctx context.Context, runner Runner, hp *HostProfile) {
	switch {
	case hp.Tools["systemctl"]:
		hp.ServiceManager = ServiceManagerSystemd
		return
	case hp.Tools["service"]:
		hp.ServiceManager = ServiceManagerSysvinit
		return
	}
	// fall through to init systems outside the tool inventory
	if _, ok := p.run(ctx, runner, "command -v rc-service"); ok {
		hp.ServiceManager = ServiceManagerOpenRC
		return
	}
	if _, ok := p.run(ctx, runner, "command -v initctl"); ok {
		hp.ServiceManager = ServiceManagerUpstart
		return
	}
	hp.ServiceManager = ServiceManagerNone
}

func (p *Profiler) probePorts(ctx context.Context, runner Runner, hp *HostProfile) {
	out, ok := p.run(ctx, runner, "ss -lntu")
	if !ok {
		out, ok = p.run(ctx, runner, "netstat -lntu")
		if !ok {
			return
		}
	}
	hp.ListeningPorts = parseListeningPorts(out)
}

// parseOSRelease parses the KEY=value lines of /etc/os-release,
// stripping optional quoting.
func parseOSRelease(out string) map[string]string {
	release := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, "=")
		if !found || key == "" {
			continue
		}
		release[key] = strings.Trim(value, `"'`)
	}
	return release
}

// classifyFamily maps os-release ID/ID_LIKE onto the closed family
// set.
func classifyFamily(id, idLike string) OSFamily {
	ids := append([]string{strings.ToLower(id)}, strings.Fields(strings.ToLower(idLike))...)
	for _, candidate := range ids {
		switch candidate {
		case "debian", "ubuntu", "raspbian", "linuxmint":
			return FamilyDebian
		case "rhel", "centos", "fedora", "rocky", "almalinux", "ol":
			return FamilyRHEL
		case "arch", "archlinux", "manjaro":
			return FamilyArch
		case "alpine":
			return FamilyAlpine
		case "suse", "opensuse", "sles", "opensuse-leap", "opensuse-tumbleweed":
			return FamilySUSE
		}
	}
	return FamilyUnknown
}

// parseMeminfoField extracts a kB-denominated /proc/meminfo field as
// bytes, zero when absent or malformed.
func parseMeminfoField(out, field string) uint64 {
	for _, line := range strings.Split(out, "\n") {
		name, rest, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) != field {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// parseDiskFree extracts the available space of the root filesystem
// from POSIX `df -kP /` output, zero on malformed output.
func parseDiskFree(out string) uint64 {
	lines := strings.Split(out, "\n")
	if len(lines) < 2 {
		return 0
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return 0
	}
	kb, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return 0
	}
	return kb * 1024
}

// parseListeningPorts parses `ss -lntu` (or netstat) listener output
// into an ordered de-duplicated port list.
func parseListeningPorts(out string) []Port {
	var ports []Port
	seen := map[Port]bool{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		proto := strings.ToLower(fields[0])
		if proto != "tcp" && proto != "udp" && proto != "tcp6" && proto != "udp6" {
			continue
		}
		proto = strings.TrimSuffix(proto, "6")

		local := localAddrField(fields)
		idx := strings.LastIndex(local, ":")
		if idx < 0 {
			continue
		}
		num, err := strconv.Atoi(local[idx+1:])
		if err != nil || num < 1 || num > 65535 {
			continue
		}
		p := Port{Port: num, Protocol: proto}
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	return ports
}

// localAddrField picks the local address column, which differs
// between ss (5th column) and netstat (4th column).
func localAddrField(fields []string) string {
	for _, f := range fields[1:] {
		if strings.Contains(f, ":") {
			return f
		}
	}
	return ""
}
