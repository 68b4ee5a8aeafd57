// Package hostfile parses cluster host inventories.
//
// A hostfile lists one machine per line:
//
//	worker0 slots=8 type=A100
//	worker1 slots=8
//	# comments and blank lines are skipped
//
// Host order in the file defines node rank order.
package hostfile

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// e.g., worker0 slots=8 type=A100
var linePattern = regexp.MustCompile(`^(\S+)\s+slots=(\d+)(?:\s+type=(\S+))?`)

// Host is one hostfile entry.
type Host struct {
	// Name is the host name or address as written in the file.
	Name string `json:"name"`
	// Slots is the number of processes the host can run (typically GPUs).
	Slots int `json:"slots"`
	// Type is the optional machine type label.
	Type string `json:"type,omitempty"`
}

// Hosts is an ordered host inventory. The slice index is the node rank.
type Hosts []Host

// Parse reads and parses a hostfile. A missing file is not an error;
// it returns nil, meaning "use local resources only".
func Parse(path string) (Hosts, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var hosts Hosts

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := linePattern.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("invalid entry in hostfile: %q", line)
		}
		name := m[1]
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("hostfile contains multiple entries for host %q", name)
		}
		seen[name] = struct{}{}
		slots, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("invalid slots in hostfile entry %q: %v", line, err)
		}
		hosts = append(hosts, Host{Name: name, Slots: slots, Type: m[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("hostfile %q is empty or not formatted correctly", path)
	}
	return hosts, nil
}

// TotalSlots sums slots across all hosts.
func (hs Hosts) TotalSlots() (n int) {
	for _, h := range hs {
		n += h.Slots
	}
	return n
}

// Names returns host names in rank order.
func (hs Hosts) Names() []string {
	names := make([]string, 0, len(hs))
	for _, h := range hs {
		names = append(names, h.Name)
	}
	return names
}
