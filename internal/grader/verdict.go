package grader

import (
	"strings"
)

// Keywords whose presence anywhere in the output forces an incorrect verdict.
var errorKeywords = []string{"error", "traceback"}

// Classify turns the engine's raw output into a correct/incorrect verdict.
// Error keywords override the OK marker: a runner that prints OK and then
// crashes must not pass.
func Classify(output string) bool {
	lowered := strings.ToLower(output)
	for _, keyword := range errorKeywords {
		if strings.Contains(lowered, keyword) {
			return false
		}
	}

	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "OK" {
			return true
		}
	}
	return false
}
