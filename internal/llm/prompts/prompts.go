// Package prompts holds the grading prompt variants. Variants differ only in
// grading strictness; the response contract is appended by the llm package.
package prompts

import (
	"fmt"
	"strings"
	"sync"

	"embed"
)

//go:embed templates/*.txt
var templateFS embed.FS

// PromptVariant selects the grading strictness.
type PromptVariant string

const (
	// PromptStrict grades with no partial credit for unjustified steps.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient rewards method even with arithmetic slips.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

var (
	loadOnce      sync.Once
	loadErr       error
	systemPrompts map[PromptVariant]string
)

func load() error {
	loadOnce.Do(func() {
		systemPrompts = make(map[PromptVariant]string)
		for v := range validVariants {
			data, err := templateFS.ReadFile("templates/grade_" + string(v) + ".txt")
			if err != nil {
				loadErr = fmt.Errorf("read prompt file for %s: %w", v, err)
				return
			}
			systemPrompts[v] = strings.TrimSpace(string(data))
		}
	})
	return loadErr
}

// System returns the system prompt for the given variant.
func System(v PromptVariant) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	p, ok := systemPrompts[v]
	if !ok {
		return "", fmt.Errorf("invalid prompt variant: %s", v)
	}
	return p, nil
}
