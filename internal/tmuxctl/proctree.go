package tmuxctl

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// getAllDescendants recursively finds all descendant PIDs of pid, deepest
// first, so a caller killing them in order never orphans a grandchild.
func getAllDescendants(pid string) []string {
	var result []string
	out, err := exec.Command("pgrep", "-P", pid).Output()
	if err != nil {
		return result
	}
	for _, child := range strings.Fields(strings.TrimSpace(string(out))) {
		result = append(result, getAllDescendants(child)...)
		result = append(result, child)
	}
	return result
}

// getProcessGroupID returns pid's process group ID via ps, or "" on failure.
func getProcessGroupID(pid string) string {
	out, err := exec.Command("ps", "-o", "pgid=", "-p", pid).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// getParentPID returns pid's parent PID via ps, or "" on failure.
func getParentPID(pid string) string {
	out, err := exec.Command("ps", "-o", "ppid=", "-p", pid).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// getProcessGroupMembers returns every PID whose process group is pgid.
func getProcessGroupMembers(pgid string) []string {
	out, err := exec.Command("ps", "-o", "pid=,pgid=", "-e").Output()
	if err != nil {
		return nil
	}
	var members []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[1] == pgid {
			members = append(members, fields[0])
		}
	}
	return members
}

// collectReparentedGroupMembers returns process-group members reparented to
// init (PPID == 1) that aren't already in knownPIDs — processes that
// outlived their original parent but kept its PGID, a common pattern for
// agent CLIs that fork a child and exit.
func collectReparentedGroupMembers(pgid string, knownPIDs map[string]bool) []string {
	var reparented []string
	for _, member := range getProcessGroupMembers(pgid) {
		if knownPIDs[member] {
			continue
		}
		if getParentPID(member) == "1" {
			reparented = append(reparented, member)
		}
	}
	return reparented
}

// processMatchesNames reports whether pid's own command basename is in names.
func processMatchesNames(pid string, names []string) bool {
	if len(names) == 0 {
		return false
	}
	out, err := exec.Command("ps", "-p", pid, "-o", "comm=").Output()
	if err != nil {
		return false
	}
	comm := filepath.Base(strings.TrimSpace(string(out)))
	for _, name := range names {
		if comm == name {
			return true
		}
	}
	return false
}

// hasDescendantWithNames reports whether any descendant of pid (up to
// maxDepth) has a command name in names.
func hasDescendantWithNames(pid string, names []string, depth int) bool {
	const maxDepth = 10
	if len(names) == 0 || depth > maxDepth {
		return false
	}
	out, err := exec.Command("pgrep", "-P", pid, "-l").Output()
	if err != nil {
		return false
	}
	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		childPid, childName := parts[0], parts[1]
		if nameSet[childName] {
			return true
		}
		if hasDescendantWithNames(childPid, names, depth+1) {
			return true
		}
	}
	return false
}
