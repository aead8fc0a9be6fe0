package substitute

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Limits are DoS guards applied to the raw template before any
// substitution work begins. They are configuration, not contract.
type Limits struct {
	MaxContentLength int
	MaxPlaceholders  int
}

// DefaultLimits returns the default guard thresholds
func DefaultLimits() Limits {
	return Limits{
		MaxContentLength: 100_000,
		MaxPlaceholders:  100,
	}
}

// ValidationError is returned when a template violates a guard
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

var (
	// Both syntaxes name the same variable: ${name} and {{name}}.
	placeholderRe = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}|\{\{([A-Za-z0-9_]+)\}\}`)

	// Mapping targets of the form prompt_<id>.output refer to a previous
	// prompt's recorded output; an optional trailing dot-path selects a
	// field out of a JSON output.
	promptOutputRe = regexp.MustCompile(`^prompt_(\d+)\.output(?:\.(.+))?$`)
)

// Engine resolves placeholders against user inputs, an explicit
// input-to-source mapping, and prior prompts' outputs.
type Engine struct {
	limits Limits
}

// New creates an Engine with the given guard thresholds
func New(limits Limits) *Engine {
	if limits.MaxContentLength <= 0 {
		limits.MaxContentLength = DefaultLimits().MaxContentLength
	}
	if limits.MaxPlaceholders <= 0 {
		limits.MaxPlaceholders = DefaultLimits().MaxPlaceholders
	}
	return &Engine{limits: limits}
}

// Substitute resolves placeholders in content using the default limits.
// It is pure and synchronous.
func Substitute(content string, inputs map[string]any, previousOutputs map[int64]string, mapping map[string]string) (string, error) {
	return New(DefaultLimits()).Substitute(content, inputs, previousOutputs, mapping)
}

// Substitute resolves every placeholder in content. Resolution order per
// placeholder: mapped previous-prompt output, mapped dot-path over
// {inputs, previousOutputs}, direct input key, else the placeholder text
// is left unchanged. Unresolved variables are not failures.
func (e *Engine) Substitute(content string, inputs map[string]any, previousOutputs map[int64]string, mapping map[string]string) (string, error) {
	// Fail fast on the raw template, before any substitution work.
	if len(content) > e.limits.MaxContentLength {
		return "", &ValidationError{Reason: fmt.Sprintf("template exceeds maximum length of %d bytes", e.limits.MaxContentLength)}
	}
	matches := placeholderRe.FindAllString(content, -1)
	if len(matches) > e.limits.MaxPlaceholders {
		return "", &ValidationError{Reason: fmt.Sprintf("template has %d placeholders, maximum is %d", len(matches), e.limits.MaxPlaceholders)}
	}

	result := placeholderRe.ReplaceAllStringFunc(content, func(placeholder string) string {
		name := placeholderName(placeholder)

		if target, ok := mapping[name]; ok {
			if m := promptOutputRe.FindStringSubmatch(target); m != nil {
				if value, ok := resolvePromptOutput(m, previousOutputs); ok {
					return value
				}
				return placeholder
			}

			if value, ok := resolveDotPath(target, inputs, previousOutputs); ok {
				return value
			}
			return placeholder
		}

		if value, ok := inputs[name]; ok {
			if s := stringify(value); s != "" {
				return s
			}
		}

		return placeholder
	})

	return result, nil
}

func placeholderName(placeholder string) string {
	if strings.HasPrefix(placeholder, "${") {
		return placeholder[2 : len(placeholder)-1]
	}
	return placeholder[2 : len(placeholder)-2]
}

// resolvePromptOutput substitutes a previous prompt's recorded output.
// Empty-string outputs are treated as "no value", leaving the
// placeholder literal.
func resolvePromptOutput(m []string, previousOutputs map[int64]string) (string, bool) {
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return "", false
	}
	output, ok := previousOutputs[id]
	if !ok || output == "" {
		return "", false
	}

	if m[2] == "" {
		return output, true
	}

	// A trailing dot-path selects a field from a JSON output. Model
	// output is often slightly malformed JSON, so repair it first.
	repaired, err := jsonrepair.JSONRepair(output)
	if err != nil {
		return "", false
	}
	var doc any
	if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
		return "", false
	}
	value, ok := walkPath(doc, strings.Split(m[2], "."))
	if !ok {
		return "", false
	}
	if s := stringify(value); s != "" {
		return s, true
	}
	return "", false
}

// resolveDotPath resolves a mapping target against the combined scope
// {inputs, previousOutputs}.
func resolveDotPath(target string, inputs map[string]any, previousOutputs map[int64]string) (string, bool) {
	outputs := make(map[string]any, len(previousOutputs))
	for id, text := range previousOutputs {
		outputs[strconv.FormatInt(id, 10)] = text
	}
	scope := map[string]any{
		"inputs":          inputs,
		"previousOutputs": outputs,
	}

	value, ok := walkPath(scope, strings.Split(target, "."))
	if !ok || value == nil {
		return "", false
	}
	if s := stringify(value); s != "" {
		return s, true
	}
	return "", false
}

func walkPath(doc any, path []string) (any, bool) {
	current := doc
	for _, segment := range path {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
