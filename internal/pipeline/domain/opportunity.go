package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
)

// Opportunity is the engine's view of a deal. The opportunity store owns it;
// the engine only changes it through rule actions and manual moves.
type Opportunity struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	PipelineID        uuid.UUID
	StageID           uuid.UUID
	Name              string
	Value             float64
	Probability       int
	OwnerID           string
	Source            string
	Priority          string
	ExpectedCloseDate *time.Time
	CustomFields      map[string]any
	StageEnteredAt    time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Field names a built-in opportunity field.
type Field string

const (
	FieldName              Field = "name"
	FieldValue             Field = "value"
	FieldProbability       Field = "probability"
	FieldStage             Field = "stage"
	FieldOwner             Field = "owner_id"
	FieldSource            Field = "source"
	FieldPriority          Field = "priority"
	FieldExpectedCloseDate Field = "expected_close_date"
	// Derived, read-only fields available to conditions.
	FieldStageName   Field = "stage_name"
	FieldDaysInStage Field = "days_in_stage"
)

// Priorities accepted by the priority field.
var Priorities = []string{"low", "medium", "high", "urgent"}

var builtinKinds = map[Field]FieldKind{
	FieldName:              FieldKindString,
	FieldValue:             FieldKindNumber,
	FieldProbability:       FieldKindNumber,
	FieldStage:             FieldKindString,
	FieldOwner:             FieldKindString,
	FieldSource:            FieldKindString,
	FieldPriority:          FieldKindEnum,
	FieldExpectedCloseDate: FieldKindDate,
	FieldStageName:         FieldKindString,
	FieldDaysInStage:       FieldKindNumber,
}

// IsKnownField reports whether name is a built-in field.
func IsKnownField(name string) bool {
	_, ok := builtinKinds[Field(name)]
	return ok
}

func (c *Configuration) fieldKind(name string) (FieldKind, bool) {
	if kind, ok := builtinKinds[Field(name)]; ok {
		return kind, true
	}
	if def, ok := c.FieldDefinition(name); ok {
		return def.Kind, true
	}
	return "", false
}

// TypedValue is a field value read through the typed accessor.
type TypedValue struct {
	Kind    FieldKind
	Present bool
	Text    string
	Number  float64
	Time    time.Time
	List    []string
}

// IsEmpty reports a missing field or blank content.
func (v TypedValue) IsEmpty() bool {
	if !v.Present {
		return true
	}
	if len(v.List) > 0 {
		return false
	}
	return strings.TrimSpace(v.Text) == ""
}

// Raw returns the value in the form used for event payloads.
func (v TypedValue) Raw() any {
	if !v.Present {
		return nil
	}
	switch v.Kind {
	case FieldKindNumber:
		return v.Number
	case FieldKindDate:
		return v.Time.UTC().Format(time.RFC3339)
	}
	if len(v.List) > 0 {
		return append([]string(nil), v.List...)
	}
	return v.Text
}

// Equal compares two readings of the same field.
func (v TypedValue) Equal(o TypedValue) bool {
	if v.Present != o.Present {
		return false
	}
	switch {
	case v.Kind == FieldKindNumber && o.Kind == FieldKindNumber:
		return v.Number == o.Number
	case v.Kind == FieldKindDate && o.Kind == FieldKindDate:
		return v.Time.Equal(o.Time)
	}
	return fmt.Sprint(v.Raw()) == fmt.Sprint(o.Raw())
}

func textValue(s string) TypedValue {
	return TypedValue{Kind: FieldKindString, Present: s != "", Text: s}
}

func numberValue(n float64) TypedValue {
	return TypedValue{Kind: FieldKindNumber, Present: true, Number: n, Text: strconv.FormatFloat(n, 'f', -1, 64)}
}

func dateValue(t *time.Time) TypedValue {
	if t == nil {
		return TypedValue{Kind: FieldKindDate}
	}
	return TypedValue{Kind: FieldKindDate, Present: true, Time: t.UTC(), Text: t.UTC().Format(time.RFC3339)}
}

// Lookup reads a built-in field or, failing that, a custom field.
func (o Opportunity) Lookup(field string) TypedValue {
	switch Field(field) {
	case FieldName:
		return textValue(o.Name)
	case FieldValue:
		return numberValue(o.Value)
	case FieldProbability:
		return numberValue(float64(o.Probability))
	case FieldStage:
		return textValue(o.StageID.String())
	case FieldOwner:
		return textValue(o.OwnerID)
	case FieldSource:
		return textValue(o.Source)
	case FieldPriority:
		v := textValue(o.Priority)
		v.Kind = FieldKindEnum
		return v
	case FieldExpectedCloseDate:
		return dateValue(o.ExpectedCloseDate)
	}
	return customValue(o.CustomFields[field])
}

func customValue(raw any) TypedValue {
	switch v := raw.(type) {
	case nil:
		return TypedValue{}
	case string:
		return textValue(v)
	case bool:
		return textValue(strconv.FormatBool(v))
	case []string:
		return TypedValue{Kind: FieldKindString, Present: len(v) > 0, List: append([]string(nil), v...), Text: strings.Join(v, ",")}
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
		return TypedValue{Kind: FieldKindString, Present: len(items) > 0, List: items, Text: strings.Join(items, ",")}
	default:
		if n, ok := toFloat(v); ok {
			return numberValue(n)
		}
		return textValue(fmt.Sprint(v))
	}
}

// FieldView exposes an opportunity together with fields derived from its
// configuration and the evaluation time.
type FieldView struct {
	Opportunity Opportunity
	Config      *Configuration
	Now         time.Time
}

// Lookup implements FieldLookup.
func (v FieldView) Lookup(field string) TypedValue {
	switch Field(field) {
	case FieldStageName:
		if v.Config != nil {
			if s, ok := v.Config.StageByID(v.Opportunity.StageID); ok {
				return textValue(s.Name)
			}
		}
		return TypedValue{Kind: FieldKindString}
	case FieldDaysInStage:
		if v.Opportunity.StageEnteredAt.IsZero() {
			return TypedValue{Kind: FieldKindNumber}
		}
		return numberValue(math.Floor(v.Now.Sub(v.Opportunity.StageEnteredAt).Hours() / 24))
	}
	if def, ok := v.customDefinition(field); ok && def.Kind == FieldKindDate {
		if t, ok := ParseDate(fmt.Sprint(v.Opportunity.CustomFields[field])); ok {
			return dateValue(&t)
		}
	}
	return v.Opportunity.Lookup(field)
}

func (v FieldView) customDefinition(field string) (FieldDefinition, bool) {
	if v.Config == nil || IsKnownField(field) {
		return FieldDefinition{}, false
	}
	return v.Config.FieldDefinition(field)
}

// ParseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates (UTC).
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// FieldChange describes one applied write.
type FieldChange struct {
	Field    string
	OldValue TypedValue
	NewValue TypedValue
}

// ApplyFieldWrite type checks raw against the field's declared type and
// applies it. Any mismatch is a validation error and leaves opp untouched.
func ApplyFieldWrite(opp *Opportunity, cfg *Configuration, field string, raw any) (FieldChange, error) {
	old := FieldView{Opportunity: *opp, Config: cfg}.Lookup(field)
	mismatch := func(want string) error {
		return apperr.Validation(fmt.Sprintf("field %q expects %s", field, want)).WithOp("ApplyFieldWrite")
	}

	switch Field(field) {
	case FieldName:
		s, ok := raw.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return FieldChange{}, mismatch("a non-empty string")
		}
		opp.Name = strings.TrimSpace(s)
	case FieldValue:
		n, ok := toFloat(raw)
		if !ok || n < 0 {
			return FieldChange{}, mismatch("a non-negative number")
		}
		opp.Value = n
	case FieldProbability:
		n, ok := toFloat(raw)
		if !ok || n < 0 || n > 100 || n != math.Trunc(n) {
			return FieldChange{}, mismatch("a whole number in 0..100")
		}
		opp.Probability = int(n)
	case FieldOwner, FieldSource:
		s, ok := raw.(string)
		if !ok {
			return FieldChange{}, mismatch("a string")
		}
		if Field(field) == FieldOwner {
			opp.OwnerID = strings.TrimSpace(s)
		} else {
			opp.Source = strings.TrimSpace(s)
		}
	case FieldPriority:
		s, ok := raw.(string)
		if !ok || !containsFold(Priorities, s) {
			return FieldChange{}, mismatch("one of " + strings.Join(Priorities, ", "))
		}
		opp.Priority = strings.ToLower(strings.TrimSpace(s))
	case FieldExpectedCloseDate:
		t, ok := dateFromRaw(raw)
		if !ok {
			return FieldChange{}, mismatch("a date")
		}
		opp.ExpectedCloseDate = &t
	case FieldStage, FieldStageName, FieldDaysInStage:
		return FieldChange{}, apperr.Validation(fmt.Sprintf("field %q is not writable", field)).WithOp("ApplyFieldWrite")
	default:
		if err := applyCustomWrite(opp, cfg, field, raw); err != nil {
			return FieldChange{}, err
		}
	}

	return FieldChange{
		Field:    field,
		OldValue: old,
		NewValue: FieldView{Opportunity: *opp, Config: cfg}.Lookup(field),
	}, nil
}

func applyCustomWrite(opp *Opportunity, cfg *Configuration, field string, raw any) error {
	if cfg == nil {
		return apperr.Validation(fmt.Sprintf("unknown field %q", field)).WithOp("ApplyFieldWrite")
	}
	def, ok := cfg.FieldDefinition(field)
	if !ok {
		return apperr.Validation(fmt.Sprintf("unknown field %q", field)).WithOp("ApplyFieldWrite")
	}
	mismatch := apperr.Validation(fmt.Sprintf("field %q expects a %s value", field, def.Kind)).WithOp("ApplyFieldWrite")

	var stored any
	switch def.Kind {
	case FieldKindString:
		s, ok := raw.(string)
		if !ok {
			return mismatch
		}
		stored = s
	case FieldKindNumber:
		n, ok := toFloat(raw)
		if !ok {
			return mismatch
		}
		stored = n
	case FieldKindEnum:
		s, ok := raw.(string)
		if !ok || !containsFold(def.Options, s) {
			return mismatch.WithDetails(def.Options)
		}
		stored = s
	case FieldKindDate:
		t, ok := dateFromRaw(raw)
		if !ok {
			return mismatch
		}
		stored = t.Format(time.RFC3339)
	default:
		return mismatch
	}

	if opp.CustomFields == nil {
		opp.CustomFields = map[string]any{}
	}
	opp.CustomFields[field] = stored
	return nil
}

func dateFromRaw(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return v.UTC(), true
	case string:
		return ParseDate(v)
	}
	return time.Time{}, false
}

func containsFold(values []string, s string) bool {
	s = strings.TrimSpace(s)
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// MissingRequiredFields lists the stage's required fields that are empty on opp.
func MissingRequiredFields(stage Stage, view FieldView) []string {
	var missing []string
	for _, field := range stage.RequiredFields {
		if view.Lookup(field).IsEmpty() {
			missing = append(missing, field)
		}
	}
	return missing
}
