package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaValidate(t *testing.T) {
	s := NewSchema(
		Field{Name: "email", Type: FieldEmail, Required: true},
		Field{Name: "accountId", Type: FieldString, Required: true, Pattern: `^\d{3}-\d{3}-\d{4}$`},
		Field{Name: "site", Type: FieldURL},
		Field{Name: "seats", Type: FieldNumber},
		Field{Name: "notify", Type: FieldBool},
		Field{Name: "tier", Type: FieldString, Enum: []string{"basic", "pro"}},
		Field{Name: "groups", Type: FieldStringList, MaxLength: 5},
	)

	res := s.Validate(map[string]any{
		"email":     "ops@agency.com",
		"accountId": "123-456-7890",
		"site":      "https://shop.example.com",
		"seats":     float64(3),
		"notify":    true,
		"tier":      "PRO",
		"groups":    []any{"a", "b"},
	})
	assert.True(t, res.Valid, res.Errors)
	assert.NotNil(t, res.Errors)

	res = s.Validate(map[string]any{
		"email":     "not an email",
		"accountId": "1234567890",
		"site":      "/relative",
		"seats":     "3",
		"notify":    "yes",
		"tier":      "enterprise",
		"groups":    []any{"toolong", 7},
		"extra":     1,
	})
	assert.False(t, res.Valid)
	assert.Equal(t, []string{
		"email must be an email address",
		"accountId has an invalid format",
		"site must be an absolute URL",
		"seats must be a number",
		"notify must be a boolean",
		"tier must be one of basic, pro",
		"groups must be a list of strings",
		"extra is not a recognized field",
	}, res.Errors)

	res = s.Validate(nil)
	assert.Equal(t, []string{"email is required", "accountId is required"}, res.Errors)

	res = s.Validate(map[string]any{"email": "a@b.co", "accountId": "123-456-7890", "groups": []string{"abcdefg"}})
	assert.Equal(t, []string{"groups[0] must be at most 5 characters"}, res.Errors)
}
