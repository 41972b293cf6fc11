package ledger

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Variant selects the step template of a lot.
type Variant uint8

const (
	VariantWholeMilk Variant = iota + 1
	VariantLongLife
)

func (v Variant) String() string {
	switch v {
	case VariantWholeMilk:
		return "whole-milk"
	case VariantLongLife:
		return "long-life"
	default:
		return "unknown"
	}
}

// ParseVariant accepts "whole-milk" / "long-life" and their common spellings.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "whole-milk", "whole_milk", "wholemilk", "whole":
		return VariantWholeMilk, nil
	case "long-life", "long_life", "longlife", "uht":
		return VariantLongLife, nil
	}
	return 0, fmt.Errorf("%w: unknown variant %q", ErrInvalidInput, s)
}

func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := ParseVariant(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// StepDefinition is one immutable stage of a template.
type StepDefinition struct {
	Name            string   `yaml:"name" json:"name"`
	SensorGated     bool     `yaml:"sensor_gated" json:"sensor_gated"`
	LocationTracked bool     `yaml:"location_tracked" json:"location_tracked"`
	Sensor          string   `yaml:"sensor,omitempty" json:"sensor,omitempty"`
	Rule            string   `yaml:"rule,omitempty" json:"rule,omitempty"`
	Locations       []string `yaml:"locations,omitempty" json:"locations,omitempty"`
}

// Template is the ordered, immutable step pipeline of a variant.
type Template struct {
	variant Variant
	steps   []StepDefinition
}

func (t *Template) Variant() Variant { return t.variant }

func (t *Template) Len() int { return len(t.steps) }

// Step returns a copy of the i-th definition.
func (t *Template) Step(i int) (StepDefinition, bool) {
	if i < 0 || i >= len(t.steps) {
		return StepDefinition{}, false
	}
	def := t.steps[i]
	def.Locations = append([]string(nil), def.Locations...)
	return def, true
}

// Steps returns a copy of every definition.
func (t *Template) Steps() []StepDefinition {
	out := make([]StepDefinition, len(t.steps))
	for i := range t.steps {
		out[i], _ = t.Step(i)
	}
	return out
}

// SensorGatedIndices lists the positions completed by validator verdicts.
func (t *Template) SensorGatedIndices() []int {
	var out []int
	for i, s := range t.steps {
		if s.SensorGated {
			out = append(out, i)
		}
	}
	return out
}

// TemplateView is the serializable form served to clients.
type TemplateView struct {
	Variant Variant          `json:"variant"`
	Steps   []StepDefinition `json:"steps"`
}

func (t *Template) View() TemplateView {
	return TemplateView{Variant: t.variant, Steps: t.Steps()}
}

//go:embed templates.yaml
var templatesYAML []byte

var builtinTemplates = mustLoadTemplates(templatesYAML)

type templateFile struct {
	Templates []struct {
		Variant string           `yaml:"variant"`
		Steps   []StepDefinition `yaml:"steps"`
	} `yaml:"templates"`
}

func loadTemplates(data []byte) (map[Variant]*Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding templates: %w", err)
	}

	out := make(map[Variant]*Template, len(file.Templates))
	for _, raw := range file.Templates {
		variant, err := ParseVariant(raw.Variant)
		if err != nil {
			return nil, err
		}
		if _, dup := out[variant]; dup {
			return nil, fmt.Errorf("duplicate template for %s", variant)
		}
		if len(raw.Steps) == 0 {
			return nil, fmt.Errorf("template %s has no steps", variant)
		}
		for i, s := range raw.Steps {
			if strings.TrimSpace(s.Name) == "" {
				return nil, fmt.Errorf("template %s step %d has no name", variant, i)
			}
			if s.LocationTracked && !s.SensorGated {
				return nil, fmt.Errorf("template %s step %q is location tracked but not sensor gated", variant, s.Name)
			}
			if s.SensorGated && s.Rule == "" {
				return nil, fmt.Errorf("template %s step %q is sensor gated without a rule", variant, s.Name)
			}
		}
		out[variant] = &Template{variant: variant, steps: raw.Steps}
	}
	return out, nil
}

func mustLoadTemplates(data []byte) map[Variant]*Template {
	t, err := loadTemplates(data)
	if err != nil {
		panic(err)
	}
	return t
}

// TemplateFor returns the built-in template of v.
func TemplateFor(v Variant) (*Template, error) {
	t, ok := builtinTemplates[v]
	if !ok {
		return nil, fmt.Errorf("%w: no template for variant %d", ErrInvalidInput, v)
	}
	return t, nil
}

// Templates returns every built-in template ordered by variant.
func Templates() []*Template {
	out := make([]*Template, 0, len(builtinTemplates))
	for _, t := range builtinTemplates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].variant < out[j].variant })
	return out
}
