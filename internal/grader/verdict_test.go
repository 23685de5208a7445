package grader

import (
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		output  string
		correct bool
	}{
		{
			name:    "plain ok line",
			output:  ".\n----------------------------------------------------------------------\nRan 1 test in 0.001s\n\nOK\n",
			correct: true,
		},
		{
			name:    "ok line with surrounding whitespace",
			output:  "Ran 2 tests in 0.002s\n\n   OK   \n",
			correct: true,
		},
		{
			name:    "error keyword overrides ok line",
			output:  "OK\nSegmentation fault: error in test runner\n",
			correct: false,
		},
		{
			name:    "traceback overrides ok line",
			output:  "OK\nTraceback (most recent call last):\n  File \"submission.py\", line 1\n",
			correct: false,
		},
		{
			name:    "uppercase error keyword",
			output:  "ERROR: test_hello failed\n",
			correct: false,
		},
		{
			name:    "ok embedded in a longer line does not count",
			output:  "everything looks OK to me\n",
			correct: false,
		},
		{
			name:    "failed run without keywords",
			output:  "F\nFAILED (failures=1)\n",
			correct: false,
		},
		{
			name:    "empty output",
			output:  "",
			correct: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.output); got != tc.correct {
				t.Fatalf("Classify(%q) = %v, want %v", tc.output, got, tc.correct)
			}
		})
	}
}
