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
	"regexp"
	"strings"

	"github.com/otium-ai/otium/lib/plan"
)

// Pattern tables for the independent command risk assessment. A step's
// effective risk is the maximum of what the model declared and what
// these tables classify, so a model under-reporting `rm -rf /` as low
// still surfaces as critical.
var (
	criticalRiskPatterns = compilePatterns([]string{
		`rm\s+-rf\s+/`,
		`dd\s+if=/dev/`,
		`mkfs`,
		`fdisk`,
		`parted`,
		`sudo\s+rm\s+-rf`,
		`sudo\s+chmod\s+777`,
		`sudo\s+passwd`,
		`sudo\s+useradd`,
		`sudo\s+groupadd`,
	})

	highRiskPatterns = compilePatterns([]string{
		`chmod\s+777`,
		`chown\s+-r`,
		`systemctl\s+(stop|disable)`,
		`service\s+\w+\s+(stop|disable)`,
		`iptables\s+-f`,
		`ufw\s+--force\s+reset`,
		`crontab\s+-r`,
		`passwd\s+\w+`,
		`useradd\s+\w+`,
		`groupadd\s+\w+`,
	})

	mediumRiskPatterns = compilePatterns([]string{
		`systemctl\s+(start|restart|reload)`,
		`service\s+\w+\s+(start|restart|reload)`,
		`chmod\s+[0-7]{3,4}`,
		`chown\s+\w+:\w+`,
		`crontab\s+-e`,
		`iptables\s+-\w+`,
		`ufw\s+(allow|deny)`,
		`apt(-get)?\s+(install|remove|purge)`,
		`yum\s+(install|remove)`,
		`dnf\s+(install|remove)`,
		`zypper\s+(install|remove)`,
		`pacman\s+-(s|r)`,
		`apk\s+(add|del)`,
	})
)

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return compiled
}

// ClassifyCommandRisk assesses a shell command against the risk
// pattern tables. Commands matching nothing are low risk, which covers
// the read-only inspection commands plans mostly consist of.
func ClassifyCommandRisk(command string) plan.RiskLevel {
	command = strings.ToLower(command)
	for _, p := range criticalRiskPatterns {
		if p.MatchString(command) {
			return plan.RiskCritical
		}
	}
	for _, p := range highRiskPatterns {
		if p.MatchString(command) {
			return plan.RiskHigh
		}
	}
	for _, p := range mediumRiskPatterns {
		if p.MatchString(command) {
			return plan.RiskMedium
		}
	}
	return plan.RiskLow
}
