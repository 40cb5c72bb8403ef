package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

func TestRenderMessageSubstitutesVariables(t *testing.T) {
	step := internal.Step{
		Kind:           internal.StepKindMessage,
		MessageContent: map[string]string{"en": "Hi {{.client_name}}, you missed {{.meal}} on {{.date}}."},
	}
	out, err := RenderMessage(step, "en", map[string]string{
		"client_name": "Sam",
		"meal":        "lunch",
		"date":        "2026-09-07",
	})
	assert.NoError(t, err)
	assert.Equal(t, "Hi Sam, you missed lunch on 2026-09-07.", out)
}

func TestRenderMessageLocaleFallback(t *testing.T) {
	step := internal.Step{
		Kind:           internal.StepKindMessage,
		MessageContent: map[string]string{"en": "hello", "sv": "hej"},
	}

	out, err := RenderMessage(step, "sv", nil)
	assert.NoError(t, err)
	assert.Equal(t, "hej", out)

	// Unknown locale falls back to the default.
	out, err = RenderMessage(step, "de", nil)
	assert.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRenderMessageAnyLocaleFallback(t *testing.T) {
	step := internal.Step{
		Kind:           internal.StepKindMessage,
		MessageContent: map[string]string{"sv": "hej"},
	}
	out, err := RenderMessage(step, "de", nil)
	assert.NoError(t, err)
	assert.Equal(t, "hej", out)
}

func TestRenderMessageNoContent(t *testing.T) {
	step := internal.Step{Kind: internal.StepKindMessage}
	_, err := RenderMessage(step, "en", nil)
	assert.Error(t, err)
}

func TestRenderMessageMissingVariableRendersEmpty(t *testing.T) {
	step := internal.Step{
		Kind:           internal.StepKindMessage,
		MessageContent: map[string]string{"en": "Hi {{.client_name}}!"},
	}
	out, err := RenderMessage(step, "en", map[string]string{})
	assert.NoError(t, err)
	assert.Equal(t, "Hi !", out)
}
