package plugin

import (
	"fmt"

	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
)

// Base implements the schema and verification parts of Plugin from static
// tables. Adapters embed it and add BuildClientInstructions plus any optional
// capabilities.
type Base struct {
	Spec          manifest.PlatformManifest
	AgencySchemas map[manifest.ItemType]*Schema
	TargetSchemas map[manifest.ItemType]*Schema
	Modes         map[manifest.ItemType]VerificationMode
	DefaultMode   VerificationMode
}

func (b *Base) Manifest() manifest.PlatformManifest { return b.Spec }

func (b *Base) AgencyConfigSchema(t manifest.ItemType) *Schema { return b.AgencySchemas[t] }

func (b *Base) ClientTargetSchema(t manifest.ItemType) *Schema { return b.TargetSchemas[t] }

func (b *Base) ValidateAgencyConfig(t manifest.ItemType, cfg map[string]any) ValidationResult {
	return b.validate(t, b.AgencySchemas[t], cfg)
}

func (b *Base) ValidateClientTarget(t manifest.ItemType, target map[string]any) ValidationResult {
	return b.validate(t, b.TargetSchemas[t], target)
}

func (b *Base) VerificationMode(t manifest.ItemType) VerificationMode {
	if m, ok := b.Modes[t]; ok {
		return m
	}
	if b.DefaultMode != "" {
		return b.DefaultMode
	}
	return ModeAttestationOnly
}

func (b *Base) validate(t manifest.ItemType, s *Schema, values map[string]any) ValidationResult {
	if !b.Spec.Supports(t) {
		return ValidationResult{Errors: []string{fmt.Sprintf("%s does not support %s", b.Spec.PlatformKey, t)}}
	}
	if s == nil {
		// Nothing to collect for this item type.
		if len(values) == 0 {
			return ValidationResult{Valid: true, Errors: []string{}}
		}
		return (&Schema{}).Validate(values)
	}
	return s.Validate(values)
}

// Steps accumulates numbered instruction steps.
type Steps struct {
	list []model.InstructionStep
}

// Add appends a plain step.
func (s *Steps) Add(format string, args ...any) *Steps {
	s.list = append(s.list, model.InstructionStep{Number: len(s.list) + 1, Text: fmt.Sprintf(format, args...)})
	return s
}

// Link appends a step carrying a link.
func (s *Steps) Link(label, url, format string, args ...any) *Steps {
	s.list = append(s.list, model.InstructionStep{
		Number: len(s.list) + 1,
		Text:   fmt.Sprintf(format, args...),
		Link:   &model.InstructionLink{Label: label, URL: url},
	})
	return s
}

// List returns the steps built so far.
func (s *Steps) List() []model.InstructionStep {
	if s.list == nil {
		return []model.InstructionStep{}
	}
	return s.list
}

// StringValue reads a string from a config map.
func StringValue(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
