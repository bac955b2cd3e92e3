package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/fitdesk/fitsync/internal/offline/schema"
)

// priorityFile is the layout of a priorities override file:
//
//	[priorities]
//	payments = 1
//	workout_logs = 2
type priorityFile struct {
	Priorities map[string]int `toml:"priorities"`
}

// LoadPriorities reads collection priority overrides from a TOML file.
// Lower numbers sync first. Keys must be valid collection names and the
// values must not be negative.
func LoadPriorities(path string) (map[string]int, error) {
	var f priorityFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to read priorities file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in priorities file: %v", undecoded)
	}

	for name, p := range f.Priorities {
		if err := schema.ValidateCollectionName(name); err != nil {
			return nil, err
		}
		if p < 0 {
			return nil, fmt.Errorf("priority of %s must not be negative (got %d)", name, p)
		}
	}
	if f.Priorities == nil {
		f.Priorities = map[string]int{}
	}
	return f.Priorities, nil
}
