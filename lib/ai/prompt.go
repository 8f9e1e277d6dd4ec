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

package ai

import (
	"fmt"
	"strings"

	"github.com/otium-ai/otium/lib/profile"
)

// maxPromptTools caps how many inventory entries are spelled out in
// the prompt; the rest are summarized as a count.
const maxPromptTools = 20

// BuildSystemPrompt renders the generation system prompt around a host
// profile snapshot. The model is steered toward the host's actual
// package and service manager and toward the closed output schema.
func BuildSystemPrompt(hp *profile.HostProfile) string {
	var b strings.Builder

	b.WriteString("You are an expert Linux system administrator AI that plans commands for execution on production hosts.\n\n")

	b.WriteString("SYSTEM CONTEXT:\n")
	fmt.Fprintf(&b, "- Operating System: %s %s (Family: %s)\n", hp.Distribution, hp.Version, hp.OSFamily)
	fmt.Fprintf(&b, "- Kernel: %s (%s)\n", hp.Kernel, hp.Arch)
	fmt.Fprintf(&b, "- Package Manager: %s\n", hp.PackageManager())
	fmt.Fprintf(&b, "- Service Manager: %s\n", hp.ServiceManager)
	fmt.Fprintf(&b, "- Available Tools: %s\n", summarizeTools(hp))
	fmt.Fprintf(&b, "- Memory Available: %s of %s\n", formatBytes(hp.MemoryAvailableBytes), formatBytes(hp.MemoryTotalBytes))
	fmt.Fprintf(&b, "- Disk Space Available: %s\n", formatBytes(hp.DiskFreeBytes))
	if len(hp.ListeningPorts) > 0 {
		fmt.Fprintf(&b, "- Listening Ports: %s\n", summarizePorts(hp.ListeningPorts))
	}
	b.WriteString("\n")

	b.WriteString(`SAFETY RULES:
- Prefer idempotent commands: check whether a package is installed or a service is running before changing it
- Do NOT run full system upgrades or kernel replacements
- Never flush firewall rules without reloading a known-good ruleset in the same plan
- Never modify the SSH daemon configuration or restart sshd
- Never emit destructive commands such as rm -rf on system paths
- Validate configuration files before enabling or restarting services
- Back up a file before modifying it

`)

	fmt.Fprintf(&b, "Generate commands specifically for this host's package manager (%s) and service manager (%s).\n", hp.PackageManager(), hp.ServiceManager)
	if hint := familyHint(hp.OSFamily); hint != "" {
		b.WriteString(hint)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(`OUTPUT FORMAT REQUIREMENTS:
- Output must be a single valid JSON object with no text outside of it
- Do not wrap the JSON in markdown fences and do not add comments
- If the request cannot or should not be fulfilled, return an empty "steps" array and explain why in "explanation"

Respond with exactly this JSON structure:

{
  "intent": "package_management|service_management|configuration|troubleshooting|system_monitoring|general_help",
  "action": "specific action needed",
  "risk_level": "low|medium|high|critical",
  "explanation": "brief explanation of what the plan does",
  "steps": [
    {
      "step": 1,
      "command": "shell command to run",
      "explanation": "what this step does",
      "risk_level": "low|medium|high|critical",
      "estimated_time": "30s"
    }
  ]
}

REMEMBER: output must be a single valid JSON object with no text outside of it.`)

	return b.String()
}

// BuildUserPrompt wraps the raw request for the user turn.
func BuildUserPrompt(request string) string {
	return fmt.Sprintf("User Request: %s\n\nGenerate appropriate commands for this specific host. Consider the system context and emit commands that will work on this particular Linux distribution.", request)
}

// BuildChatSystemPrompt renders the prompt for conversational
// follow-up questions about an existing plan. The model explains; it
// never emits new steps.
func BuildChatSystemPrompt(hp *profile.HostProfile, planSummary string) string {
	var b strings.Builder
	b.WriteString("You are a Linux system administration assistant answering questions about a command plan awaiting review.\n\n")
	fmt.Fprintf(&b, "HOST: %s %s (%s), package manager %s, service manager %s.\n\n", hp.Distribution, hp.Version, hp.OSFamily, hp.PackageManager(), hp.ServiceManager)
	b.WriteString("CURRENT PLAN:\n")
	b.WriteString(planSummary)
	b.WriteString("\n\nAnswer the user's question about this plan in plain prose. Do not propose new commands and do not output JSON.")
	return b.String()
}

func summarizeTools(hp *profile.HostProfile) string {
	tools := hp.ToolList()
	if len(tools) == 0 {
		return "unknown"
	}
	if len(tools) <= maxPromptTools {
		return strings.Join(tools, ", ")
	}
	return fmt.Sprintf("%s (and %d more)", strings.Join(tools[:maxPromptTools], ", "), len(tools)-maxPromptTools)
}

func summarizePorts(ports []profile.Port) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprintf("%d/%s", p.Port, p.Protocol)
	}
	return strings.Join(parts, ", ")
}

// familyHint supplies OS-family naming conventions the model tends to
// get wrong, lifted from operational experience with cross-distro
// package names.
func familyHint(family profile.OSFamily) string {
	switch family {
	case profile.FamilyRHEL:
		return "Note: on this family the Apache package and service are named httpd, not apache2."
	case profile.FamilyDebian:
		return "Note: on this family the Apache package and service are named apache2, not httpd."
	case profile.FamilyAlpine:
		return "Note: this host uses apk and OpenRC; do not emit systemctl commands."
	case profile.FamilyArch:
		return "Note: this host uses pacman; package installs are pacman -S --noconfirm."
	}
	return ""
}

// formatBytes renders a byte count with a binary unit suffix for the
// prompt, "unknown" for zero.
func formatBytes(n uint64) string {
	if n == 0 {
		return "unknown"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
