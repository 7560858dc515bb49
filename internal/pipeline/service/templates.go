package service

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"maps"
	"path"
	"sort"
	"strings"
	"time"

	"pipeline_engine_backend/internal/pipeline/domain"
	"pipeline_engine_backend/internal/pipeline/transport"
	"pipeline_engine_backend/platform/apperr"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// Template is a ready-made pipeline that tenants can instantiate.
type Template struct {
	Key          string          `yaml:"key"`
	Name         string          `yaml:"name"`
	Description  string          `yaml:"description"`
	CustomFields []templateField `yaml:"customFields"`
	Stages       []templateStage `yaml:"stages"`
}

type templateField struct {
	Key     string   `yaml:"key"`
	Kind    string   `yaml:"kind"`
	Options []string `yaml:"options"`
}

type templateStage struct {
	Name             string         `yaml:"name"`
	Probability      int            `yaml:"probability"`
	Default          bool           `yaml:"default"`
	RequiredFields   []string       `yaml:"requiredFields"`
	DwellTargetHours float64        `yaml:"dwellTargetHours"`
	ConversionTarget *float64       `yaml:"conversionTarget"`
	Rules            []templateRule `yaml:"rules"`
}

type templateRule struct {
	Name    string `yaml:"name"`
	Trigger struct {
		Type   string         `yaml:"type"`
		Config map[string]any `yaml:"config"`
	} `yaml:"trigger"`
	Conditions []struct {
		Field    string `yaml:"field"`
		Operator string `yaml:"operator"`
		Value    string `yaml:"value"`
		Logic    string `yaml:"logic"`
	} `yaml:"conditions"`
	Actions []struct {
		Type         string         `yaml:"type"`
		DelayMinutes int            `yaml:"delayMinutes"`
		Config       map[string]any `yaml:"config"`
	} `yaml:"actions"`
}

func loadTemplates() (map[string]Template, error) {
	files, err := fs.Glob(templateFS, "templates/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list pipeline templates: %w", err)
	}
	out := make(map[string]Template, len(files))
	for _, file := range files {
		raw, err := templateFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read pipeline template %s: %w", file, err)
		}
		var tpl Template
		if err := yaml.Unmarshal(raw, &tpl); err != nil {
			return nil, fmt.Errorf("parse pipeline template %s: %w", file, err)
		}
		if tpl.Key == "" {
			tpl.Key = strings.TrimSuffix(path.Base(file), ".yaml")
		}
		if _, dup := out[tpl.Key]; dup {
			return nil, fmt.Errorf("duplicate pipeline template key %q", tpl.Key)
		}
		// Building once here surfaces broken templates at startup.
		cfg := tpl.build(uuid.Nil, "", time.Time{})
		if err := cfg.ValidateGraph(); err != nil {
			return nil, fmt.Errorf("pipeline template %s: %w", tpl.Key, err)
		}
		out[tpl.Key] = tpl
	}
	return out, nil
}

// build turns the template into a configuration. Rules are attached after
// all stages exist so move_stage targets resolve by name.
func (t Template) build(tenantID uuid.UUID, name string, now time.Time) domain.Configuration {
	if strings.TrimSpace(name) == "" {
		name = t.Name
	}
	cfg := domain.NewConfiguration(tenantID, name, now)
	for _, f := range t.CustomFields {
		cfg.CustomFields = append(cfg.CustomFields, domain.FieldDefinition{
			Key:     f.Key,
			Kind:    domain.FieldKind(f.Kind),
			Options: append([]string(nil), f.Options...),
		})
	}

	stageIDs := make([]uuid.UUID, len(t.Stages))
	for i, ts := range t.Stages {
		stage, err := cfg.AddStage(domain.Stage{
			Name:              ts.Name,
			TargetProbability: ts.Probability,
			RequiredFields:    append([]string(nil), ts.RequiredFields...),
			IsDefault:         ts.Default,
		}, -1)
		if err != nil {
			continue
		}
		stageIDs[i] = stage.ID
		if ts.DwellTargetHours > 0 {
			cfg.DwellTargets[stage.ID] = hoursToDuration(ts.DwellTargetHours)
		}
		if ts.ConversionTarget != nil {
			cfg.ConversionTargets[stage.ID] = *ts.ConversionTarget
		}
	}

	for i, ts := range t.Stages {
		if stageIDs[i] == uuid.Nil {
			continue
		}
		for _, tr := range ts.Rules {
			rule := domain.Rule{
				Name:     tr.Name,
				Trigger:  domain.Trigger{Type: domain.TriggerType(tr.Trigger.Type), Config: maps.Clone(tr.Trigger.Config)},
				IsActive: true,
			}
			for _, c := range tr.Conditions {
				rule.Conditions = append(rule.Conditions, domain.Condition{
					Field:    c.Field,
					Operator: domain.Operator(c.Operator),
					Value:    c.Value,
					Logic:    domain.Logic(c.Logic),
				})
			}
			for _, a := range tr.Actions {
				rule.Actions = append(rule.Actions, domain.Action{
					Type:         domain.ActionType(a.Type),
					Config:       maps.Clone(a.Config),
					DelayMinutes: a.DelayMinutes,
				})
			}
			_, _ = cfg.AddRule(stageIDs[i], rule)
		}
	}
	return cfg
}

// ListTemplates returns the catalogue sorted by key.
func (s *Service) ListTemplates() []transport.TemplateResponse {
	out := make([]transport.TemplateResponse, 0, len(s.templates))
	for _, tpl := range s.templates {
		stages := make([]string, 0, len(tpl.Stages))
		for _, st := range tpl.Stages {
			stages = append(stages, st.Name)
		}
		out = append(out, transport.TemplateResponse{
			Key:         tpl.Key,
			Name:        tpl.Name,
			Description: tpl.Description,
			Stages:      stages,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// CreateFromTemplate instantiates a catalogue template for the tenant.
func (s *Service) CreateFromTemplate(ctx context.Context, tenantID uuid.UUID, req transport.CreateFromTemplateRequest) (transport.PipelineResponse, error) {
	tpl, ok := s.templates[req.Template]
	if !ok {
		return transport.PipelineResponse{}, apperr.NotFound("pipeline template not found").WithOp("CreateFromTemplate")
	}
	cfg := tpl.build(tenantID, req.Name, s.now())
	return s.createConfiguration(ctx, cfg, req.Activate)
}
