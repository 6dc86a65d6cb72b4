package scheduler

import (
	"fmt"
	"strconv"
	"strings"
)

// Definition is one configured recurring task:
// name, cron spec, job kind and an enabled flag.
type Definition struct {
	Name    string
	Spec    string
	Kind    string
	Enabled bool
}

// ParseSchedules parses the SCHEDULES configuration value. Entries are
// semicolon separated, fields pipe separated:
//
//	daily-inventory-sweep|0 6 * * *|sweep.inventory|true
//
// Cron validity is checked at registration, not here.
func ParseSchedules(raw string) ([]Definition, error) {
	var defs []Definition
	for _, item := range strings.Split(raw, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		fields := strings.Split(item, "|")
		if len(fields) != 4 {
			return nil, fmt.Errorf("scheduler: bad schedule entry %q, want name|spec|kind|enabled", item)
		}
		enabled, err := strconv.ParseBool(strings.TrimSpace(fields[3]))
		if err != nil {
			return nil, fmt.Errorf("scheduler: bad enabled flag in %q: %w", item, err)
		}
		defs = append(defs, Definition{
			Name:    strings.TrimSpace(fields[0]),
			Spec:    strings.TrimSpace(fields[1]),
			Kind:    strings.TrimSpace(fields[2]),
			Enabled: enabled,
		})
	}
	return defs, nil
}
