package plugin

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// FieldType is the JSON shape a schema field accepts.
type FieldType string

const (
	FieldString     FieldType = "string"
	FieldEmail      FieldType = "email"
	FieldURL        FieldType = "url"
	FieldNumber     FieldType = "number"
	FieldBool       FieldType = "boolean"
	FieldStringList FieldType = "string_list"
)

// Field describes one key of an agency config or client target.
type Field struct {
	Name        string    `json:"name"`
	Label       string    `json:"label"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	MaxLength   int       `json:"maxLength,omitempty"`

	re *regexp.Regexp
}

// Schema is a flat structural validator for a config map.
type Schema struct {
	Fields []Field `json:"fields"`
	// AllowUnknown admits keys not listed in Fields.
	AllowUnknown bool `json:"allowUnknown"`
}

// NewSchema compiles field patterns and panics on an invalid one; schemas are
// declared statically by adapters.
func NewSchema(fields ...Field) *Schema {
	for i := range fields {
		if fields[i].Pattern != "" {
			fields[i].re = regexp.MustCompile(fields[i].Pattern)
		}
	}
	return &Schema{Fields: fields}
}

// Validate checks values against the schema and reports every problem.
func (s *Schema) Validate(values map[string]any) ValidationResult {
	var errs []string
	known := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = struct{}{}
		raw, present := values[f.Name]
		if !present || isBlank(raw) {
			if f.Required {
				errs = append(errs, fmt.Sprintf("%s is required", f.Name))
			}
			continue
		}
		errs = append(errs, f.check(raw)...)
	}
	if !s.AllowUnknown {
		var unknown []string
		for k := range values {
			if _, ok := known[k]; !ok {
				unknown = append(unknown, k)
			}
		}
		sort.Strings(unknown)
		for _, k := range unknown {
			errs = append(errs, fmt.Sprintf("%s is not a recognized field", k))
		}
	}
	if errs == nil {
		errs = []string{}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (f Field) check(raw any) []string {
	switch f.Type {
	case FieldNumber:
		if _, ok := raw.(float64); !ok {
			if _, ok := raw.(int); !ok {
				return []string{fmt.Sprintf("%s must be a number", f.Name)}
			}
		}
		return nil
	case FieldBool:
		if _, ok := raw.(bool); !ok {
			return []string{fmt.Sprintf("%s must be a boolean", f.Name)}
		}
		return nil
	case FieldStringList:
		list, ok := toStrings(raw)
		if !ok {
			return []string{fmt.Sprintf("%s must be a list of strings", f.Name)}
		}
		var errs []string
		for i, v := range list {
			errs = append(errs, f.checkString(fmt.Sprintf("%s[%d]", f.Name, i), v)...)
		}
		return errs
	}
	s, ok := raw.(string)
	if !ok {
		return []string{fmt.Sprintf("%s must be a string", f.Name)}
	}
	return f.checkString(f.Name, s)
}

func (f Field) checkString(name, v string) []string {
	v = strings.TrimSpace(v)
	var errs []string
	switch f.Type {
	case FieldEmail:
		if addr, err := mail.ParseAddress(v); err != nil || addr.Address != v {
			errs = append(errs, fmt.Sprintf("%s must be an email address", name))
		}
	case FieldURL:
		if u, err := url.Parse(v); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("%s must be an absolute URL", name))
		}
	}
	if f.MaxLength > 0 && len(v) > f.MaxLength {
		errs = append(errs, fmt.Sprintf("%s must be at most %d characters", name, f.MaxLength))
	}
	if len(f.Enum) > 0 && !contains(f.Enum, v) {
		errs = append(errs, fmt.Sprintf("%s must be one of %s", name, strings.Join(f.Enum, ", ")))
	}
	re := f.re
	if re == nil && f.Pattern != "" {
		re = regexp.MustCompile(f.Pattern)
	}
	if re != nil && !re.MatchString(v) {
		errs = append(errs, fmt.Sprintf("%s has an invalid format", name))
	}
	return errs
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	}
	return false
}

func toStrings(v any) ([]string, bool) {
	switch val := v.(type) {
	case []string:
		return val, true
	case []any:
		out := make([]string, 0, len(val))
		for _, el := range val {
			s, ok := el.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
