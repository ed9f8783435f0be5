// Package specparse extracts a project's team (roles, window assignment,
// per-role branch overrides) from its spec markdown document, as step 2 of
// the Lifecycle Engine's provisioning sequence (spec.md §4.6). An operator
// may embed an explicit fenced ```team YAML block; when absent, the package
// falls back to a default role set keyed on the plan tier. Grounded on
// jaakkos-stringwork's use of gopkg.in/yaml.v3 for its on-disk policy file —
// the one place in this repo that library earns its keep.
package specparse

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoTeamBlock indicates the spec document has no fenced ```team block —
// not an error condition for callers, which should fall back to DefaultTeam.
var ErrNoTeamBlock = errors.New("specparse: no team block present")

// Role is one member of a project's team.
type Role struct {
	Role        string `yaml:"role"`
	WindowIndex int    `yaml:"window_index,omitempty"`
	Branch      string `yaml:"branch,omitempty"`
}

// Team is the parsed or defaulted team for a project.
type Team struct {
	Roles []Role `yaml:"roles"`
}

// teamDocument is the shape of the fenced ```team block's YAML body.
type teamDocument struct {
	Roles []Role `yaml:"roles"`
}

// fence markers for the optional team block within a spec markdown document.
const (
	fenceOpen  = "```team"
	fenceClose = "```"
)

// ExtractTeamBlock scans spec markdown for a fenced ```team ... ``` block and
// parses its YAML body. Returns ErrNoTeamBlock if no such fence is present.
func ExtractTeamBlock(specMarkdown string) (Team, error) {
	body, err := extractFencedBody(specMarkdown)
	if err != nil {
		return Team{}, err
	}

	var doc teamDocument
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return Team{}, fmt.Errorf("specparse: parsing team block: %w", err)
	}
	if len(doc.Roles) == 0 {
		return Team{}, fmt.Errorf("specparse: team block has no roles")
	}

	assignWindowIndexes(doc.Roles)
	return Team{Roles: doc.Roles}, nil
}

// extractFencedBody returns the raw text between a ```team fence and its
// closing ```` ``` ````, scanning line by line so the rest of the markdown
// document (prose, other fenced code blocks) is ignored.
func extractFencedBody(specMarkdown string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(specMarkdown))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var inBlock bool
	var body strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if trimmed == fenceOpen {
				inBlock = true
			}
			continue
		}
		if trimmed == fenceClose {
			return body.String(), nil
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	return "", ErrNoTeamBlock
}

// assignWindowIndexes fills in WindowIndex for any role that didn't specify
// one explicitly, preserving declaration order and never reusing an index
// an operator assigned explicitly elsewhere in the same block.
func assignWindowIndexes(roles []Role) {
	used := make(map[int]bool, len(roles))
	for _, r := range roles {
		if r.WindowIndex > 0 {
			used[r.WindowIndex] = true
		}
	}
	next := 0
	for i := range roles {
		if roles[i].WindowIndex > 0 {
			continue
		}
		for used[next] {
			next++
		}
		roles[i].WindowIndex = next
		used[next] = true
		next++
	}
}

// PlanTier is the operator-selected plan, constraining how large a default
// team may be when the spec document supplies no explicit team block
// (spec.md §6's --plan flag and §4.6 step 2's tier-keyed defaults).
type PlanTier string

const (
	PlanConsole PlanTier = "console"
	PlanPro     PlanTier = "pro"
	PlanMax5    PlanTier = "max5"
	PlanMax20   PlanTier = "max20"
)

// defaultTeams gives the baseline role set per plan tier. Role order is the
// deterministic window-assignment order. The Auto-Merge Runner (C11) does
// not use it; it merges in its own fixed order (project-manager, developer,
// tester, then the rest).
var defaultTeams = map[PlanTier][]string{
	PlanConsole: {"orchestrator", "developer"},
	PlanPro:     {"orchestrator", "project-manager", "developer"},
	PlanMax5:    {"orchestrator", "project-manager", "developer", "tester"},
	PlanMax20:   {"orchestrator", "project-manager", "developer", "tester", "devops", "securityops"},
}

// DefaultTeam returns the tier-keyed default team used when the spec document
// has no explicit team block. Unknown tiers fall back to max5, matching
// spec.md §6's documented CLI default.
func DefaultTeam(tier PlanTier) Team {
	names, ok := defaultTeams[tier]
	if !ok {
		names = defaultTeams[PlanMax5]
	}
	roles := make([]Role, len(names))
	for i, name := range names {
		roles[i] = Role{Role: name, WindowIndex: i}
	}
	return Team{Roles: roles}
}

// ResolveTeam is the single entry point the Lifecycle Engine calls: it tries
// the spec document's explicit team block first, falling back to the plan
// tier's default role set when none is present or it fails to parse.
func ResolveTeam(specMarkdown string, tier PlanTier) Team {
	if team, err := ExtractTeamBlock(specMarkdown); err == nil {
		return team
	}
	return DefaultTeam(tier)
}
