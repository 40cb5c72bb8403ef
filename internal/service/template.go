package service

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

// DefaultLocale is used when a step has no content for the client's locale.
const DefaultLocale = "en"

// RenderMessage picks a message step's content for the given locale and
// substitutes {{.var}} placeholders from vars. Falls back to DefaultLocale,
// then to any available locale, before giving up.
func RenderMessage(step internal.Step, locale string, vars map[string]string) (string, error) {
	content, ok := pickContent(step.MessageContent, locale)
	if !ok {
		return "", fmt.Errorf("step %d has no message content", step.StepOrder)
	}

	data := make(map[string]string, len(vars))
	for key, value := range vars {
		data[key] = strings.TrimSpace(value)
	}

	parsed, err := template.New("message").
		Option("missingkey=zero").
		Parse(content)
	if err != nil {
		return "", fmt.Errorf("parse message template: %w", err)
	}

	var out strings.Builder
	if err := parsed.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render message template: %w", err)
	}
	return out.String(), nil
}

func pickContent(content map[string]string, locale string) (string, bool) {
	if len(content) == 0 {
		return "", false
	}
	if c, ok := content[locale]; ok && c != "" {
		return c, true
	}
	if c, ok := content[DefaultLocale]; ok && c != "" {
		return c, true
	}
	for _, c := range content {
		if c != "" {
			return c, true
		}
	}
	return "", false
}
