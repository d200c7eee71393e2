package qc

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// Payload is a command payload whose keys keep their configured order on the wire.
type Payload struct {
	*orderedmap.OrderedMap[string, any]
}

// NewPayload builds a payload from alternating key/value arguments.
func NewPayload(kv ...any) *Payload {
	p := &Payload{OrderedMap: orderedmap.New[string, any]()}
	for i := 0; i+1 < len(kv); i += 2 {
		p.Set(fmt.Sprint(kv[i]), kv[i+1])
	}
	return p
}

// MarshalJSON encodes the payload as a JSON object; an empty payload is "{}".
func (p *Payload) MarshalJSON() ([]byte, error) {
	if p == nil || p.OrderedMap == nil {
		return []byte("{}"), nil
	}
	return p.OrderedMap.MarshalJSON()
}

// UnmarshalYAML decodes a mapping node keeping key order.
func (p *Payload) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: payload must be a mapping", node.Line)
	}
	p.OrderedMap = orderedmap.New[string, any]()
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key string
		if err := node.Content[i].Decode(&key); err != nil {
			return fmt.Errorf("line %d: payload key: %w", node.Content[i].Line, err)
		}
		var value any
		if err := node.Content[i+1].Decode(&value); err != nil {
			return fmt.Errorf("line %d: payload value for %q: %w", node.Content[i+1].Line, key, err)
		}
		p.Set(key, value)
	}
	return nil
}

// Criterion bounds a numeric measurement reported by firmware. Bounds are exclusive.
type Criterion struct {
	Measurement string   `yaml:"measurement" json:"measurement"`
	Above       *float64 `yaml:"above,omitempty" json:"above,omitempty"`
	Below       *float64 `yaml:"below,omitempty" json:"below,omitempty"`
}

// Check evaluates the criterion against a measurement set.
func (c Criterion) Check(measurements map[string]float64) (bool, string) {
	v, ok := measurements[c.Measurement]
	if !ok {
		return false, fmt.Sprintf("%s missing", c.Measurement)
	}
	pass := true
	var bounds []string
	if c.Above != nil {
		pass = pass && v > *c.Above
		bounds = append(bounds, fmt.Sprintf(">%g", *c.Above))
	}
	if c.Below != nil {
		pass = pass && v < *c.Below
		bounds = append(bounds, fmt.Sprintf("<%g", *c.Below))
	}
	verdict := "PASS"
	if !pass {
		verdict = "FAIL"
	}
	return pass, fmt.Sprintf("%s: %.1f [%s] %s", c.Measurement, v, strings.Join(bounds, ","), verdict)
}

// TestDefinition is one immutable entry of a test plan. Payload must not be mutated after load.
type TestDefinition struct {
	Name               string
	CommandType        string
	Payload            *Payload
	Timeout            time.Duration
	RequiresUserAction bool
	Ordinal            int

	// Aliases are other test identities firmware may report results under.
	Aliases []string
	// Criteria, when set, decide pass/fail from reported measurements.
	Criteria []Criterion
}

// Matches reports whether a reported test identity refers to this definition.
func (d TestDefinition) Matches(test string) bool {
	if strings.EqualFold(test, d.Name) || strings.EqualFold(test, d.CommandType) {
		return true
	}
	for _, a := range d.Aliases {
		if strings.EqualFold(test, a) {
			return true
		}
	}
	return false
}

// Plan is the ordered battery of tests run against a unit under test.
type Plan struct {
	tests []TestDefinition
}

// NewPlan builds a plan, assigning ordinals by position.
func NewPlan(tests ...TestDefinition) (*Plan, error) {
	p := &Plan{tests: make([]TestDefinition, len(tests))}
	for i, t := range tests {
		t.Ordinal = i
		p.tests[i] = t
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Len returns the number of tests in the plan.
func (p *Plan) Len() int { return len(p.tests) }

// Test returns the definition at index i.
func (p *Plan) Test(i int) TestDefinition { return p.tests[i] }

// Tests returns a copy of the ordered definitions.
func (p *Plan) Tests() []TestDefinition {
	out := make([]TestDefinition, len(p.tests))
	copy(out, p.tests)
	return out
}

// Validate checks that the plan is runnable.
func (p *Plan) Validate() error {
	if len(p.tests) == 0 {
		return errors.New("plan has no tests")
	}
	var errs []error
	seen := make(map[string]int, len(p.tests))
	for i, t := range p.tests {
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, fmt.Errorf("test %d: name is required", i))
		}
		if strings.TrimSpace(t.CommandType) == "" {
			errs = append(errs, fmt.Errorf("test %d (%s): command_type is required", i, t.Name))
		}
		if t.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("test %d (%s): timeout must be positive", i, t.Name))
		}
		for _, c := range t.Criteria {
			if c.Measurement == "" || (c.Above == nil && c.Below == nil) {
				errs = append(errs, fmt.Errorf("test %d (%s): criterion needs a measurement and a bound", i, t.Name))
			}
		}
		if j, dup := seen[strings.ToLower(t.Name)]; dup && t.Name != "" {
			errs = append(errs, fmt.Errorf("test %d (%s): duplicate name, first used by test %d", i, t.Name, j))
		}
		seen[strings.ToLower(t.Name)] = i
	}
	return errors.Join(errs...)
}

// DefaultTestTimeout applies to plan entries that omit timeout_ms.
const DefaultTestTimeout = 10 * time.Second

// planEntry is the on-disk shape of a test definition. TimeoutMS is a pointer so an
// explicit zero reaches Validate instead of being replaced by the default.
type planEntry struct {
	Name               string      `yaml:"name"`
	CommandType        string      `yaml:"command_type"`
	Command            string      `yaml:"command"`
	Payload            *Payload    `yaml:"payload"`
	TimeoutMS          *int64      `yaml:"timeout_ms"`
	RequiresUserAction bool        `yaml:"requires_user_action"`
	Aliases            []string    `yaml:"aliases"`
	Criteria           []Criterion `yaml:"criteria"`
}

type planFile struct {
	Tests []planEntry `yaml:"tests"`
}

// ParsePlan decodes a YAML or JSON plan. The document is either a list of tests
// or a mapping with a "tests" list.
func ParsePlan(data []byte) (*Plan, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, errors.New("plan is empty")
	}

	var entries []planEntry
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&entries); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}
	case yaml.MappingNode:
		var f planFile
		if err := doc.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}
		entries = f.Tests
	default:
		return nil, fmt.Errorf("line %d: plan must be a list or a mapping with tests", doc.Line)
	}

	tests := make([]TestDefinition, 0, len(entries))
	for _, e := range entries {
		timeout := DefaultTestTimeout
		if e.TimeoutMS != nil {
			timeout = time.Duration(*e.TimeoutMS) * time.Millisecond
		}
		commandType := e.CommandType
		if commandType == "" {
			commandType = e.Command
		}
		tests = append(tests, TestDefinition{
			Name:               e.Name,
			CommandType:        commandType,
			Payload:            e.Payload,
			Timeout:            timeout,
			RequiresUserAction: e.RequiresUserAction,
			Aliases:            e.Aliases,
			Criteria:           e.Criteria,
		})
	}
	return NewPlan(tests...)
}

// LoadPlan reads a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	p, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// MicThreshold is the minimum RMS level each microphone channel must exceed.
const MicThreshold = 4500

// DefaultPlan returns the production QC battery: the microphone left/right balance test.
func DefaultPlan() *Plan {
	threshold := float64(MicThreshold)
	p, err := NewPlan(TestDefinition{
		Name:        "Mic L/R Balance",
		CommandType: "qa_mic_lr_test",
		Payload: NewPayload(
			"wait_ms", 2000,
			"tone_ms", 2000,
			"volume_percent", 95,
			"freq_hz", 1000,
		),
		Timeout: DefaultTestTimeout,
		Aliases: []string{"mic_lr_test"},
		Criteria: []Criterion{
			{Measurement: "tone.rms_L", Above: &threshold},
			{Measurement: "tone.rms_R", Above: &threshold},
		},
	})
	if err != nil {
		panic(err)
	}
	return p
}
