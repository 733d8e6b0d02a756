// Package cron parses the five-field schedules of recurring triggers.
// Descriptors such as @daily and @hourly are accepted as well.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTimezone is used when a schedule names none.
const DefaultTimezone = "UTC"

// maxDueScan bounds DueBetween after a long outage.
const maxDueScan = 10000

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Parse compiles expression in timezone. An empty timezone means UTC.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	expression = strings.TrimSpace(expression)
	if strings.HasPrefix(expression, "@every") {
		return nil, fmt.Errorf("parse cron: %q: interval descriptors are not supported", expression)
	}
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	if strings.TrimSpace(timezone) == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

// DueBetween reports how many firings of s fall in (after, until] and the
// latest of them. A zero count means nothing is due.
func DueBetween(s Schedule, after, until time.Time) (int, time.Time) {
	var (
		count int
		last  time.Time
	)
	for t := s.Next(after); !t.IsZero() && !t.After(until) && count < maxDueScan; t = s.Next(t) {
		count++
		last = t
	}
	return count, last
}
