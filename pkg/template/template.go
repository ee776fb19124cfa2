// Package template renders text/template strings against execution state and
// coerces the result back into JSON values, numbers or booleans.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/pipelit/pkg/models"
)

// RenderState renders input with the execution state as data. Templates see
// the state's JSON field names (.messages, .node_outputs, .trigger_payload, ...),
// the iteration of the enclosing loop under .loop and the environment under .env.
func RenderState(input string, state *models.ExecutionState, loopID string) (any, error) {
	data, err := state.AsMap()
	if err != nil {
		return nil, fmt.Errorf("failed to expose state to template: %w", err)
	}

	data["env"] = getEnvVars()

	if loop, ok := state.Loops[loopID]; ok && loop != nil {
		data["loop"] = map[string]any{
			"item":  loop.Current(),
			"index": loop.Index,
		}
	}

	if last, ok := state.LastMessage(); ok {
		data["last_message"] = last
	}

	return Render(input, data)
}

func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("render").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"json": func(v any) (string, error) {
				out, err := json.Marshal(v)

				return string(out), err
			},
			"default": func(fallback, v any) any {
				if v == nil || v == "" {
					return fallback
				}

				return v
			},
			"lower": strings.ToLower,
			"upper": strings.ToUpper,
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderString renders and formats the result as text.
func RenderString(templateStr string, state *models.ExecutionState, loopID string) (string, error) {
	rendered, err := RenderState(templateStr, state, loopID)
	if err != nil {
		return "", err
	}

	if s, ok := rendered.(string); ok {
		return s, nil
	}

	out, err := json.Marshal(rendered)
	if err != nil {
		return fmt.Sprintf("%v", rendered), nil
	}

	return string(out), nil
}

func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
