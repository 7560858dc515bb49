package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
)

// StagePatch carries optional stage updates. Nil fields are left unchanged.
type StagePatch struct {
	Name              *string
	TargetProbability *int
	RequiredFields    *[]string
	IsDefault         *bool
	DwellTarget       *time.Duration
	ConversionTarget  *float64
}

// AddStage inserts a stage at index at (appending when at is out of range) and
// renumbers positions to 0..n-1.
func (c *Configuration) AddStage(stage Stage, at int) (Stage, error) {
	if stage.ID == uuid.Nil {
		stage.ID = uuid.New()
	}
	if _, exists := c.StageByID(stage.ID); exists {
		return Stage{}, apperr.Validation("stage already exists").WithOp("AddStage")
	}
	stage.Name = strings.TrimSpace(stage.Name)
	for i := range stage.Rules {
		stage.Rules[i].StageID = stage.ID
	}

	ordered := c.OrderedStages()
	if at < 0 || at > len(ordered) {
		at = len(ordered)
	}
	ordered = append(ordered, Stage{})
	copy(ordered[at+1:], ordered[at:])
	ordered[at] = stage

	c.Stages = ordered
	c.reindex()
	added, _ := c.StageByID(stage.ID)
	return added, nil
}

// RemoveStage deletes a stage and its targets. The default stage cannot be
// removed. Ledger entries that reference the stage are untouched.
func (c *Configuration) RemoveStage(id uuid.UUID) (Stage, error) {
	stage, ok := c.StageByID(id)
	if !ok {
		return Stage{}, apperr.NotFound("stage not found").WithOp("RemoveStage")
	}
	if stage.IsDefault {
		return Stage{}, apperr.InvalidOperation("the default stage cannot be removed").WithOp("RemoveStage")
	}

	remaining := make([]Stage, 0, len(c.Stages)-1)
	for _, s := range c.OrderedStages() {
		if s.ID != id {
			remaining = append(remaining, s)
		}
	}
	c.Stages = remaining
	delete(c.DwellTargets, id)
	delete(c.ConversionTargets, id)
	c.reindex()
	return stage, nil
}

// ReorderStages assigns positions following newOrder, which must name every
// current stage exactly once.
func (c *Configuration) ReorderStages(newOrder []uuid.UUID) error {
	if len(newOrder) != len(c.Stages) {
		return apperr.Validation("new order must list every stage exactly once").WithOp("ReorderStages")
	}
	seen := make(map[uuid.UUID]bool, len(newOrder))
	for _, id := range newOrder {
		if seen[id] {
			return apperr.Validation("new order lists a stage twice").WithOp("ReorderStages")
		}
		if _, ok := c.StageByID(id); !ok {
			return apperr.Validation("new order references an unknown stage").WithOp("ReorderStages")
		}
		seen[id] = true
	}

	index := make(map[uuid.UUID]int, len(newOrder))
	for pos, id := range newOrder {
		index[id] = pos
	}
	for i := range c.Stages {
		c.Stages[i].Position = index[c.Stages[i].ID]
	}
	sort.SliceStable(c.Stages, func(i, j int) bool { return c.Stages[i].Position < c.Stages[j].Position })
	return nil
}

// UpdateStage applies a patch to one stage. The last default stage cannot
// lose its default flag.
func (c *Configuration) UpdateStage(id uuid.UUID, patch StagePatch) (Stage, error) {
	idx := c.stageIndex(id)
	if idx < 0 {
		return Stage{}, apperr.NotFound("stage not found").WithOp("UpdateStage")
	}
	s := &c.Stages[idx]
	if patch.IsDefault != nil && !*patch.IsDefault && s.IsDefault && c.defaultCount() == 1 {
		return Stage{}, apperr.InvalidOperation("the pipeline needs a default stage").WithOp("UpdateStage")
	}
	if patch.Name != nil {
		s.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.TargetProbability != nil {
		s.TargetProbability = *patch.TargetProbability
	}
	if patch.RequiredFields != nil {
		s.RequiredFields = append([]string(nil), (*patch.RequiredFields)...)
	}
	if patch.IsDefault != nil {
		s.IsDefault = *patch.IsDefault
	}
	if patch.DwellTarget != nil {
		c.setTarget(id, patch.DwellTarget, nil)
	}
	if patch.ConversionTarget != nil {
		c.setTarget(id, nil, patch.ConversionTarget)
	}
	return *s, nil
}

func (c *Configuration) setTarget(id uuid.UUID, dwell *time.Duration, conversion *float64) {
	if c.DwellTargets == nil {
		c.DwellTargets = map[uuid.UUID]time.Duration{}
	}
	if c.ConversionTargets == nil {
		c.ConversionTargets = map[uuid.UUID]float64{}
	}
	if dwell != nil {
		if *dwell <= 0 {
			delete(c.DwellTargets, id)
		} else {
			c.DwellTargets[id] = *dwell
		}
	}
	if conversion != nil {
		c.ConversionTargets[id] = *conversion
	}
}

// ValidateGraph checks every structural invariant of the configuration and
// reports all violations at once in the error details.
func (c *Configuration) ValidateGraph() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Name) == "" {
		add("pipeline name is required")
	}
	if len(c.Stages) == 0 {
		add("pipeline must have at least one stage")
	} else if c.defaultCount() == 0 {
		add("pipeline must have a default stage")
	}

	ids := make(map[uuid.UUID]bool, len(c.Stages))
	positions := make(map[int]bool, len(c.Stages))
	names := make(map[string]bool, len(c.Stages))
	for _, s := range c.Stages {
		if ids[s.ID] {
			add("duplicate stage id %s", s.ID)
		}
		ids[s.ID] = true

		if positions[s.Position] {
			add("duplicate stage position %d", s.Position)
		}
		positions[s.Position] = true
		if s.Position < 0 || s.Position >= len(c.Stages) {
			add("stage %q has position %d outside 0..%d", s.Name, s.Position, len(c.Stages)-1)
		}

		name := strings.ToLower(strings.TrimSpace(s.Name))
		if name == "" {
			add("stage %s has no name", s.ID)
		} else if names[name] {
			add("duplicate stage name %q", s.Name)
		}
		names[name] = true

		if s.TargetProbability < 0 || s.TargetProbability > 100 {
			add("stage %q probability %d outside 0..100", s.Name, s.TargetProbability)
		}
		for _, field := range s.RequiredFields {
			if !c.isKnownField(field) {
				add("stage %q requires unknown field %q", s.Name, field)
			}
		}
		for _, r := range s.Rules {
			if r.StageID != s.ID {
				add("rule %q is attached to stage %q but references another stage", r.Name, s.Name)
			}
			for _, p := range r.Validate(c) {
				add("rule %q: %s", r.Name, p)
			}
		}
	}

	for id, d := range c.DwellTargets {
		if !ids[id] {
			add("dwell target references unknown stage %s", id)
		}
		if d < 0 {
			add("dwell target for stage %s is negative", id)
		}
	}
	for id, v := range c.ConversionTargets {
		if !ids[id] {
			add("conversion target references unknown stage %s", id)
		}
		if v < 0 || v > 100 {
			add("conversion target for stage %s outside 0..100", id)
		}
	}

	keys := make(map[string]bool, len(c.CustomFields))
	for _, def := range c.CustomFields {
		switch {
		case strings.TrimSpace(def.Key) == "":
			add("custom field without key")
		case IsKnownField(def.Key):
			add("custom field %q shadows a built-in field", def.Key)
		case keys[def.Key]:
			add("duplicate custom field %q", def.Key)
		}
		keys[def.Key] = true
		switch def.Kind {
		case FieldKindString, FieldKindNumber, FieldKindDate:
		case FieldKindEnum:
			if len(def.Options) == 0 {
				add("enum field %q has no options", def.Key)
			}
		default:
			add("custom field %q has unknown kind %q", def.Key, def.Kind)
		}
	}

	if len(problems) > 0 {
		return apperr.Validation("invalid pipeline configuration").WithOp("ValidateGraph").WithDetails(problems)
	}
	return nil
}

func (c *Configuration) isKnownField(name string) bool {
	if IsKnownField(name) {
		return true
	}
	_, ok := c.FieldDefinition(name)
	return ok
}

func (c *Configuration) defaultCount() int {
	n := 0
	for _, s := range c.Stages {
		if s.IsDefault {
			n++
		}
	}
	return n
}

func (c *Configuration) stageIndex(id uuid.UUID) int {
	for i, s := range c.Stages {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// reindex assigns positions 0..n-1 following slice order.
func (c *Configuration) reindex() {
	for i := range c.Stages {
		c.Stages[i].Position = i
	}
}
