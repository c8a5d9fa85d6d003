package bindfixture

import (
	"bufio"
	"context"
	"strconv"
	"strings"
)

// ServerStatus is the decoded output of "rndc status"
type ServerStatus struct {
	// Version is the "version:" line, e.g. "BIND 9.18.18 (Extended Support Version) <id:>"
	Version string
	// Zones is the zone count from "number of zones:", -1 when absent
	Zones int
	// Running reports whether the output contains RunningIndicator
	Running bool
	// Fields holds every "key: value" line as printed
	Fields map[string]string
}

// ParseStatus decodes "rndc status" output. Lines that are not
// "key: value" pairs only count towards Running.
func ParseStatus(stdout string) ServerStatus {
	st := ServerStatus{
		Zones:   -1,
		Running: StatusIndicatesRunning(stdout),
		Fields:  make(map[string]string),
	}

	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		st.Fields[key] = value

		switch key {
		case "version":
			st.Version = value
		case "number of zones":
			// "102 (99 automatic)"
			n, _, _ := strings.Cut(value, " ")
			if zones, err := strconv.Atoi(n); err == nil {
				st.Zones = zones
			}
		}
	}
	return st
}

// ServerStatus runs "rndc status" and decodes its output
func (c *ControlClient) ServerStatus(ctx context.Context) (ServerStatus, error) {
	stdout, _, err := c.Execute(ctx, "status")
	if err != nil {
		return ServerStatus{}, err
	}
	return ParseStatus(stdout), nil
}
