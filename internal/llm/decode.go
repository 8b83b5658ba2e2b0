package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExtractJSONObject pulls the first top-level JSON object out of model
// text, tolerating prose and code fences around it.
func ExtractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

const themeShiftSchemaJSON = `{
	"type": "object",
	"required": ["new_theme", "description"],
	"properties": {
		"new_theme": {"type": "string", "minLength": 1},
		"description": {"type": "string"}
	}
}`

var themeShiftSchema = jsonschema.MustCompileString("theme_shift.json", themeShiftSchemaJSON)

// ThemeShift is the structured payload a theme-extraction call must return.
type ThemeShift struct {
	NewTheme    string `json:"new_theme"`
	Description string `json:"description"`
}

// ParseThemeShift decodes and validates a theme-extraction response. Any
// failure means the caller drops the shift rather than guessing, so
// validation is strict.
func ParseThemeShift(response string) (ThemeShift, error) {
	raw, ok := ExtractJSONObject(response)
	if !ok {
		return ThemeShift{}, fmt.Errorf("no JSON object found in response")
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return ThemeShift{}, fmt.Errorf("parse theme shift: %w", err)
	}
	if err := themeShiftSchema.Validate(v); err != nil {
		return ThemeShift{}, fmt.Errorf("theme shift schema: %w", err)
	}
	var shift ThemeShift
	if err := json.Unmarshal([]byte(raw), &shift); err != nil {
		return ThemeShift{}, fmt.Errorf("parse theme shift: %w", err)
	}
	shift.NewTheme = CollapseSpace(shift.NewTheme)
	shift.Description = CollapseSpace(shift.Description)
	if shift.NewTheme == "" {
		return ThemeShift{}, fmt.Errorf("blank new_theme")
	}
	return shift, nil
}
