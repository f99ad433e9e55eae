package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// variable pattern for template substitution: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Renderer produces the message body for one recipient. The engine treats
// rendering as a black box behind this interface.
type Renderer interface {
	Render(template string, vars map[string]string) (string, error)
}

// VarRenderer substitutes {{variable}} placeholders. Unknown variables are
// an error: a campaign must not go out with raw placeholders in the body.
type VarRenderer struct{}

// Render substitutes placeholders from vars.
func (VarRenderer) Render(tmpl string, vars map[string]string) (string, error) {
	if tmpl == "" {
		return "", fmt.Errorf("empty template")
	}

	var missing []string
	out := varPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// MergeVariables merges variable sets with priority: recipient > campaign.
// Both arguments are JSON objects of string values; invalid JSON is
// treated as empty.
func MergeVariables(campaignJSON, recipientJSON string) map[string]string {
	result := make(map[string]string)

	for _, raw := range []string{campaignJSON, recipientJSON} {
		if raw == "" {
			continue
		}
		var vars map[string]string
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			continue
		}
		for k, v := range vars {
			result[k] = v
		}
	}
	return result
}
