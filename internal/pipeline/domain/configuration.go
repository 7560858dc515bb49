// Package domain holds the pipeline model shared by the automation engine and
// the analytics engine: configurations, stages, rules, opportunities and the
// movement ledger entries. Everything here is pure and safe to call without
// locks; persistence lives in the repository package.
package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Configuration is one tenant pipeline: an ordered stage graph plus the
// per-stage targets analytics compares against.
type Configuration struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string
	Stages   []Stage
	// DwellTargets is the expected time an opportunity spends in a stage.
	DwellTargets map[uuid.UUID]time.Duration
	// ConversionTargets is the expected share (0-100) of entries into a stage
	// that move forward out of it.
	ConversionTargets map[uuid.UUID]float64
	CustomFields      []FieldDefinition
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Stage is a node of the pipeline. Movements reference stages by ID, so
// renaming or reordering never rewrites history.
type Stage struct {
	ID                uuid.UUID
	Name              string
	Position          int
	TargetProbability int
	Rules             []Rule
	RequiredFields    []string
	IsDefault         bool
}

// FieldKind is the declared type of an opportunity field.
type FieldKind string

const (
	FieldKindString FieldKind = "string"
	FieldKindNumber FieldKind = "number"
	FieldKindEnum   FieldKind = "enum"
	FieldKindDate   FieldKind = "date"
)

// FieldDefinition declares a custom field so that writes can be type checked.
type FieldDefinition struct {
	Key     string    `json:"key"`
	Kind    FieldKind `json:"kind"`
	Options []string  `json:"options,omitempty"`
}

// NewConfiguration creates an inactive configuration with empty target maps.
func NewConfiguration(tenantID uuid.UUID, name string, now time.Time) Configuration {
	return Configuration{
		ID:                uuid.New(),
		TenantID:          tenantID,
		Name:              strings.TrimSpace(name),
		DwellTargets:      map[uuid.UUID]time.Duration{},
		ConversionTargets: map[uuid.UUID]float64{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// StageByID returns the stage with the given ID.
func (c *Configuration) StageByID(id uuid.UUID) (Stage, bool) {
	for _, s := range c.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// StageByName matches names case-insensitively.
func (c *Configuration) StageByName(name string) (Stage, bool) {
	want := strings.TrimSpace(name)
	for _, s := range c.Stages {
		if strings.EqualFold(s.Name, want) {
			return s, true
		}
	}
	return Stage{}, false
}

// InitialStage is the stage with position 0.
func (c *Configuration) InitialStage() (Stage, bool) {
	ordered := c.OrderedStages()
	if len(ordered) == 0 {
		return Stage{}, false
	}
	return ordered[0], true
}

// FinalStage is the stage with the highest position.
func (c *Configuration) FinalStage() (Stage, bool) {
	ordered := c.OrderedStages()
	if len(ordered) == 0 {
		return Stage{}, false
	}
	return ordered[len(ordered)-1], true
}

// OrderedStages returns a copy of the stages sorted by position.
func (c *Configuration) OrderedStages() []Stage {
	out := make([]Stage, len(c.Stages))
	copy(out, c.Stages)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// PositionOf returns the stage position, or false for stages not in the graph.
func (c *Configuration) PositionOf(id uuid.UUID) (int, bool) {
	s, ok := c.StageByID(id)
	if !ok {
		return 0, false
	}
	return s.Position, true
}

// DwellTarget returns the configured dwell target for a stage.
func (c *Configuration) DwellTarget(stageID uuid.UUID) (time.Duration, bool) {
	d, ok := c.DwellTargets[stageID]
	return d, ok && d > 0
}

// ConversionTarget returns the configured forward conversion target for a stage.
func (c *Configuration) ConversionTarget(stageID uuid.UUID) (float64, bool) {
	v, ok := c.ConversionTargets[stageID]
	return v, ok
}

// FieldDefinition looks up a declared custom field.
func (c *Configuration) FieldDefinition(key string) (FieldDefinition, bool) {
	for _, def := range c.CustomFields {
		if def.Key == key {
			return def, true
		}
	}
	return FieldDefinition{}, false
}

// FindRule returns a rule and the stage it is attached to.
func (c *Configuration) FindRule(ruleID uuid.UUID) (Rule, Stage, bool) {
	for _, s := range c.Stages {
		for _, r := range s.Rules {
			if r.ID == ruleID {
				return r, s, true
			}
		}
	}
	return Rule{}, Stage{}, false
}

// AllRules lists every rule in stage order.
func (c *Configuration) AllRules() []Rule {
	var rules []Rule
	for _, s := range c.OrderedStages() {
		rules = append(rules, s.Rules...)
	}
	return rules
}

// ResolveStage finds a move target by ID or, failing that, by name.
func (c *Configuration) ResolveStage(id uuid.UUID, name string) (Stage, bool) {
	if id != uuid.Nil {
		return c.StageByID(id)
	}
	if strings.TrimSpace(name) != "" {
		return c.StageByName(name)
	}
	return Stage{}, false
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (c Configuration) Clone() Configuration {
	out := c
	out.Stages = make([]Stage, len(c.Stages))
	for i, s := range c.Stages {
		out.Stages[i] = s.clone()
	}
	out.DwellTargets = make(map[uuid.UUID]time.Duration, len(c.DwellTargets))
	for k, v := range c.DwellTargets {
		out.DwellTargets[k] = v
	}
	out.ConversionTargets = make(map[uuid.UUID]float64, len(c.ConversionTargets))
	for k, v := range c.ConversionTargets {
		out.ConversionTargets[k] = v
	}
	out.CustomFields = make([]FieldDefinition, len(c.CustomFields))
	for i, def := range c.CustomFields {
		def.Options = append([]string(nil), def.Options...)
		out.CustomFields[i] = def
	}
	return out
}

func (s Stage) clone() Stage {
	out := s
	out.RequiredFields = append([]string(nil), s.RequiredFields...)
	out.Rules = make([]Rule, len(s.Rules))
	for i, r := range s.Rules {
		out.Rules[i] = r.Clone()
	}
	return out
}
