// Package lesson parses instructor lesson plans: the scenario metadata, the
// securities of the simulated market, and the scripted command timeline the
// session engine executes on a schedule.
package lesson

import (
	"fmt"
	"os"
	"time"

	"cosmossdk.io/math"
	"gopkg.in/yaml.v3"

	"github.com/openalpha/tradesim/privilege"
	"github.com/openalpha/tradesim/types"
)

// SecuritySpec is one instrument in the plan's market.
type SecuritySpec struct {
	Symbol     string `yaml:"symbol"`
	Type       string `yaml:"type"`
	TickSize   string `yaml:"tick_size"`
	Precision  int    `yaml:"precision"`
	StartPrice string `yaml:"start_price"`
}

// Step is one scripted command, fired offset seconds after session start.
type Step struct {
	OffsetSeconds int               `yaml:"offset"`
	Command       string            `yaml:"command"`
	Params        map[string]string `yaml:"params"`
}

// Offset returns the step's schedule point as a duration from start.
func (s Step) Offset() time.Duration {
	return time.Duration(s.OffsetSeconds) * time.Second
}

// Plan is the parsed lesson consumed by the session engine.
type Plan struct {
	LessonID         string         `yaml:"lesson_id"`
	ScenarioID       string         `yaml:"scenario_id"`
	DurationSeconds  int            `yaml:"duration"`
	OpenDelaySeconds int            `yaml:"market_open_delay"`
	StartingCash     string         `yaml:"starting_cash"`
	AllowShort       bool           `yaml:"allow_short"`
	BaseGrants       []int          `yaml:"base_grants"`
	Securities       []SecuritySpec `yaml:"securities"`
	Script           []Step         `yaml:"script"`
	EndScript        []Step         `yaml:"end_script"`
}

// Duration returns the session's scheduled run time; zero means untimed.
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationSeconds) * time.Second
}

// OpenDelay returns how long after start the market opens. A negative
// value leaves opening entirely to the scripted commands.
func (p *Plan) OpenDelay() time.Duration {
	return time.Duration(p.OpenDelaySeconds) * time.Second
}

// Cash returns the starting cash per participant.
func (p *Plan) Cash() math.LegacyDec {
	d, err := math.LegacyNewDecFromStr(p.StartingCash)
	if err != nil {
		return math.LegacyZeroDec()
	}
	return d
}

// Grants returns the baseline privilege codes every participant receives at
// session creation. Invalid codes were already rejected by Validate.
func (p *Plan) Grants() []privilege.Code {
	out := make([]privilege.Code, 0, len(p.BaseGrants))
	for _, c := range p.BaseGrants {
		out = append(out, privilege.Code(c))
	}
	return out
}

// ToSecurities converts the specs into runtime securities.
func (p *Plan) ToSecurities() ([]types.Security, error) {
	out := make([]types.Security, 0, len(p.Securities))
	for _, spec := range p.Securities {
		tick, err := math.LegacyNewDecFromStr(spec.TickSize)
		if err != nil {
			return nil, fmt.Errorf("security %s: bad tick size %q: %w", spec.Symbol, spec.TickSize, err)
		}
		start, err := math.LegacyNewDecFromStr(spec.StartPrice)
		if err != nil {
			return nil, fmt.Errorf("security %s: bad start price %q: %w", spec.Symbol, spec.StartPrice, err)
		}
		out = append(out, types.Security{
			Symbol:         spec.Symbol,
			Type:           parseSecurityType(spec.Type),
			TickSize:       tick,
			QuotePrecision: spec.Precision,
			StartPrice:     start,
		})
	}
	return out, nil
}

func parseSecurityType(s string) types.SecurityType {
	switch s {
	case "bond":
		return types.SecurityBond
	case "option":
		return types.SecurityOption
	case "future":
		return types.SecurityFuture
	default:
		return types.SecurityEquity
	}
}

// Validate checks the plan for structural problems before a session is
// created from it.
func (p *Plan) Validate() error {
	if p.LessonID == "" {
		return fmt.Errorf("lesson_id is required")
	}
	if len(p.Securities) == 0 {
		return fmt.Errorf("lesson %s: at least one security is required", p.LessonID)
	}
	if _, err := math.LegacyNewDecFromStr(p.StartingCash); err != nil {
		return fmt.Errorf("lesson %s: bad starting_cash %q: %w", p.LessonID, p.StartingCash, err)
	}
	seen := make(map[string]bool)
	for _, spec := range p.Securities {
		if spec.Symbol == "" {
			return fmt.Errorf("lesson %s: security with empty symbol", p.LessonID)
		}
		if seen[spec.Symbol] {
			return fmt.Errorf("lesson %s: duplicate security %s", p.LessonID, spec.Symbol)
		}
		seen[spec.Symbol] = true
	}
	if _, err := p.ToSecurities(); err != nil {
		return fmt.Errorf("lesson %s: %w", p.LessonID, err)
	}
	for _, c := range p.BaseGrants {
		if !privilege.IsValid(privilege.Code(c)) {
			return fmt.Errorf("lesson %s: unknown privilege code %d in base_grants", p.LessonID, c)
		}
	}
	last := -1
	for i, step := range p.Script {
		if step.Command == "" {
			return fmt.Errorf("lesson %s: script step %d has no command", p.LessonID, i)
		}
		if step.OffsetSeconds < 0 {
			return fmt.Errorf("lesson %s: script step %d has negative offset", p.LessonID, i)
		}
		if step.OffsetSeconds < last {
			return fmt.Errorf("lesson %s: script step %d out of order", p.LessonID, i)
		}
		last = step.OffsetSeconds
	}
	return nil
}

// Parse decodes and validates a YAML lesson plan.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing lesson plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads a lesson plan from a file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lesson plan: %w", err)
	}
	return Parse(data)
}
