package scheduler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one recurring trigger from the schedule file.
//
//	schedules:
//	  - code: dropbox-sync
//	    cron: "*/30 * * * *"
//	    timezone: Europe/Paris
//	    cascade: true
type Entry struct {
	Code     string         `yaml:"code"`
	Cron     string         `yaml:"cron"`
	Timezone string         `yaml:"timezone"`
	Cascade  *bool          `yaml:"cascade"`
	Payload  map[string]any `yaml:"payload"`
}

// CascadeEnabled defaults to true when the entry does not say.
func (e Entry) CascadeEnabled() bool {
	return e.Cascade == nil || *e.Cascade
}

// PayloadJSON returns the entry payload encoded for the webhook body.
func (e Entry) PayloadJSON() (json.RawMessage, error) {
	if len(e.Payload) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload of %q: %w", e.Code, err)
	}
	return b, nil
}

type file struct {
	Schedules []Entry `yaml:"schedules"`
}

// LoadFile reads a schedule file. Unknown fields are rejected.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}
	return Decode(bytes.NewReader(data))
}

func Decode(r io.Reader) ([]Entry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode schedule file: %w", err)
	}
	for i := range f.Schedules {
		f.Schedules[i].Code = strings.TrimSpace(f.Schedules[i].Code)
		if f.Schedules[i].Code == "" {
			return nil, fmt.Errorf("schedule %d: code is required", i+1)
		}
		if strings.TrimSpace(f.Schedules[i].Cron) == "" {
			return nil, fmt.Errorf("schedule %d (%s): cron is required", i+1, f.Schedules[i].Code)
		}
	}
	return f.Schedules, nil
}
