package api

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/djlord-it/opsflow/internal/retry"
	"github.com/djlord-it/opsflow/internal/scheduler"
)

var (
	codePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)
	sourcePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)
)

// reservedSources are recorded by the engine itself and cannot be claimed
// by API callers.
var reservedSources = map[string]bool{
	retry.SourceRetry:        true,
	scheduler.SourceSchedule: true,
}

func validateCode(code string) error {
	if !codePattern.MatchString(code) {
		return fmt.Errorf("invalid automation code %q", code)
	}
	return nil
}

func validateRunRequest(req RunRequest) error {
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return fmt.Errorf("payload must be valid json")
	}

	if req.Source == "" {
		return nil
	}
	if strings.HasPrefix(req.Source, "cascade:") || reservedSources[req.Source] {
		return fmt.Errorf("source %q is reserved", req.Source)
	}
	if !sourcePattern.MatchString(req.Source) {
		return fmt.Errorf("invalid source %q", req.Source)
	}
	return nil
}
