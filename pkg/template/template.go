// Package template renders task parameters with the variables exported by
// earlier tasks.
package template

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Render executes templateStr against data. Unknown variables are errors
// rather than empty strings: a command with a hole in it must never reach a
// shell. Strings without template actions pass through untouched.
func Render(templateStr string, data map[string]any) (string, error) {
	if !strings.Contains(templateStr, "{{") {
		return templateStr, nil
	}

	tmpl, err := template.
		New("task").
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().Format("2006-01-02 15:04:05")
			},
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// RenderVars builds the variable set for one task: the workflow context
// (namespaced by task name) overlaid with the task's own params, which win
// on collision.
func RenderVars(workflowCtx map[string]map[string]any, params map[string]any) map[string]any {
	vars := make(map[string]any, len(workflowCtx)+len(params))

	for name, exported := range workflowCtx {
		vars[name] = exported
	}

	for key, value := range params {
		vars[key] = value
	}

	return vars
}
