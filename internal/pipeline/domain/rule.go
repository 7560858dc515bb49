package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
)

// TriggerType is the kind of event a rule listens for. Inbound events use the
// same vocabulary.
type TriggerType string

const (
	TriggerDealCreated  TriggerType = "deal_created"
	TriggerStageChanged TriggerType = "stage_changed"
	TriggerFieldChanged TriggerType = "field_changed"
	TriggerValueChanged TriggerType = "value_changed"
	TriggerDateReached  TriggerType = "date_reached"
	TriggerManual       TriggerType = "manual"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerDealCreated, TriggerStageChanged, TriggerFieldChanged,
		TriggerValueChanged, TriggerDateReached, TriggerManual:
		return true
	}
	return false
}

// ActionType is the kind of effect a rule produces.
type ActionType string

const (
	ActionMoveStage         ActionType = "move_stage"
	ActionUpdateField       ActionType = "update_field"
	ActionUpdateProbability ActionType = "update_probability"
	ActionCreateTask        ActionType = "create_task"
	ActionSendEmail         ActionType = "send_email"
	ActionNotifyUser        ActionType = "notify_user"
	ActionWebhook           ActionType = "webhook"
)

// IsSideEffect reports whether the action leaves the engine as a dispatch record.
func (a ActionType) IsSideEffect() bool {
	switch a {
	case ActionCreateTask, ActionSendEmail, ActionNotifyUser, ActionWebhook:
		return true
	}
	return false
}

// RuleState is the lifecycle state reported for a rule.
type RuleState string

const (
	RuleStateInactive    RuleState = "inactive"
	RuleStateArmed       RuleState = "armed"
	RuleStateExecuting   RuleState = "executing"
	RuleStateCoolingDown RuleState = "cooling-down"
)

// Trigger selects the events a rule reacts to.
type Trigger struct {
	Type   TriggerType    `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Action is one step of a rule. A positive DelayMinutes defers this action and
// every action after it.
type Action struct {
	Type         ActionType     `json:"type"`
	Config       map[string]any `json:"config,omitempty"`
	DelayMinutes int            `json:"delayMinutes,omitempty"`
}

// Rule is a flat trigger/condition/action automation attached to a stage.
type Rule struct {
	ID             uuid.UUID
	StageID        uuid.UUID
	Name           string
	Trigger        Trigger
	Conditions     []Condition
	Actions        []Action
	IsActive       bool
	ExecutionCount int64
	LastExecutedAt *time.Time
}

// Clone copies the rule including its slices and config maps.
func (r Rule) Clone() Rule {
	out := r
	out.Trigger.Config = cloneMap(r.Trigger.Config)
	out.Conditions = append([]Condition(nil), r.Conditions...)
	out.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		a.Config = cloneMap(a.Config)
		out.Actions[i] = a
	}
	if r.LastExecutedAt != nil {
		t := *r.LastExecutedAt
		out.LastExecutedAt = &t
	}
	return out
}

// State derives the reported state from the rule and runtime facts.
func (r Rule) State(executing, pendingDeferred bool) RuleState {
	switch {
	case !r.IsActive:
		return RuleStateInactive
	case executing:
		return RuleStateExecuting
	case pendingDeferred:
		return RuleStateCoolingDown
	default:
		return RuleStateArmed
	}
}

// Validate lists every problem with the rule against cfg.
func (r Rule) Validate(cfg *Configuration) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(r.Name) == "" {
		add("name is required")
	}
	if !r.Trigger.Type.Valid() {
		add("unknown trigger type %q", r.Trigger.Type)
	}
	if r.Trigger.Type == TriggerDateReached {
		field := r.Trigger.String("field")
		if field == "" {
			field = string(FieldExpectedCloseDate)
		}
		if kind, ok := cfg.fieldKind(field); !ok || kind != FieldKindDate {
			add("date_reached trigger needs a date field, got %q", field)
		}
	}
	if r.Trigger.Type == TriggerFieldChanged {
		if field := r.Trigger.String("field"); field != "" && !cfg.isKnownField(field) {
			add("field_changed trigger watches unknown field %q", field)
		}
	}

	for i, cond := range r.Conditions {
		if !cond.Operator.Valid() {
			add("condition %d has unknown operator %q", i+1, cond.Operator)
		}
		if cond.Logic != "" && cond.Logic != LogicAnd && cond.Logic != LogicOr {
			add("condition %d has unknown logic %q", i+1, cond.Logic)
		}
		if strings.TrimSpace(cond.Field) == "" {
			add("condition %d has no field", i+1)
		}
	}

	if len(r.Actions) == 0 {
		add("at least one action is required")
	}
	for i, a := range r.Actions {
		if a.DelayMinutes < 0 {
			add("action %d has a negative delay", i+1)
		}
		for _, p := range a.validate(cfg) {
			add("action %d (%s): %s", i+1, a.Type, p)
		}
	}
	return problems
}

func (a Action) validate(cfg *Configuration) []string {
	var problems []string
	switch a.Type {
	case ActionMoveStage:
		if _, ok := cfg.ResolveStage(a.UUID("stageId"), a.String("stageName")); !ok {
			problems = append(problems, "target stage does not exist")
		}
	case ActionUpdateField:
		field := a.String("field")
		if field == "" {
			problems = append(problems, "field is required")
		} else if !cfg.isKnownField(field) {
			problems = append(problems, fmt.Sprintf("unknown field %q", field))
		} else if field == string(FieldStage) {
			problems = append(problems, "stage can only change through move_stage")
		}
		if _, ok := a.Config["value"]; !ok {
			problems = append(problems, "value is required")
		}
	case ActionUpdateProbability:
		if p, ok := a.Float("probability"); !ok || p < 0 || p > 100 {
			problems = append(problems, "probability must be a number in 0..100")
		}
	case ActionCreateTask:
		if a.String("title") == "" {
			problems = append(problems, "title is required")
		}
	case ActionSendEmail:
		if a.String("to") == "" || a.String("subject") == "" {
			problems = append(problems, "to and subject are required")
		}
	case ActionNotifyUser:
		if a.String("userId") == "" || a.String("message") == "" {
			problems = append(problems, "userId and message are required")
		}
	case ActionWebhook:
		u, err := url.Parse(a.String("url"))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, "url must be an absolute http(s) URL")
		}
	default:
		problems = append(problems, "unknown action type")
	}
	return problems
}

// Delay is the deferral of this action.
func (a Action) Delay() time.Duration {
	return time.Duration(a.DelayMinutes) * time.Minute
}

// String reads a string config value.
func (a Action) String(key string) string { return configString(a.Config, key) }

// Float reads a numeric config value.
func (a Action) Float(key string) (float64, bool) { return configFloat(a.Config, key) }

// UUID reads an ID config value, returning uuid.Nil when absent or malformed.
func (a Action) UUID(key string) uuid.UUID {
	id, err := uuid.Parse(a.String(key))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// String reads a string config value.
func (t Trigger) String(key string) string { return configString(t.Config, key) }

// Float reads a numeric config value.
func (t Trigger) Float(key string) (float64, bool) { return configFloat(t.Config, key) }

func configString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	switch typed := v.(type) {
	case string:
		return strings.TrimSpace(typed)
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

func configFloat(cfg map[string]any, key string) (float64, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// toFloat converts JSON-decoded and native numeric values. Strings are not
// numbers here; callers that want lenient parsing use parseNumber.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AddRule attaches a new rule to a stage.
func (c *Configuration) AddRule(stageID uuid.UUID, rule Rule) (Rule, error) {
	idx := c.stageIndex(stageID)
	if idx < 0 {
		return Rule{}, apperr.NotFound("stage not found").WithOp("AddRule")
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	rule.StageID = stageID
	c.Stages[idx].Rules = append(c.Stages[idx].Rules, rule)
	return rule, nil
}

// ReplaceRule overwrites the definition of an existing rule, keeping its
// execution bookkeeping.
func (c *Configuration) ReplaceRule(rule Rule) (Rule, error) {
	for si := range c.Stages {
		for ri, existing := range c.Stages[si].Rules {
			if existing.ID != rule.ID {
				continue
			}
			rule.StageID = existing.StageID
			rule.ExecutionCount = existing.ExecutionCount
			rule.LastExecutedAt = existing.LastExecutedAt
			c.Stages[si].Rules[ri] = rule
			return rule, nil
		}
	}
	return Rule{}, apperr.NotFound("rule not found").WithOp("ReplaceRule")
}

// RemoveRule detaches a rule.
func (c *Configuration) RemoveRule(ruleID uuid.UUID) (Rule, error) {
	for si := range c.Stages {
		rules := c.Stages[si].Rules
		for ri, existing := range rules {
			if existing.ID == ruleID {
				c.Stages[si].Rules = append(rules[:ri:ri], rules[ri+1:]...)
				return existing, nil
			}
		}
	}
	return Rule{}, apperr.NotFound("rule not found").WithOp("RemoveRule")
}

// SetRuleActive toggles a rule.
func (c *Configuration) SetRuleActive(ruleID uuid.UUID, active bool) (Rule, error) {
	for si := range c.Stages {
		for ri := range c.Stages[si].Rules {
			if c.Stages[si].Rules[ri].ID == ruleID {
				c.Stages[si].Rules[ri].IsActive = active
				return c.Stages[si].Rules[ri], nil
			}
		}
	}
	return Rule{}, apperr.NotFound("rule not found").WithOp("SetRuleActive")
}
