package specvalidator

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
)

const (
	maxSelectors   = 500
	maxWorkerCount = 64
)

var (
	frameworkIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	envKeyPattern      = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
)

// ValidateExecutionRequest performs structural validation of a request.
// Whether selectors resolve to files is checked by the framework adapter.
func ValidateExecutionRequest(req domain.ExecutionRequest) error {
	issues := &domain.ValidationError{}

	if !frameworkIDPattern.MatchString(strings.TrimSpace(req.FrameworkID)) {
		issues.Addf("frameworkId %q is invalid", req.FrameworkID)
	}
	if len(req.TestSelectors) == 0 {
		issues.Add("testSelectors must not be empty")
	}
	if len(req.TestSelectors) > maxSelectors {
		issues.Addf("at most %d testSelectors are allowed", maxSelectors)
	}

	seen := make(map[string]struct{}, len(req.TestSelectors))
	for i, selector := range req.TestSelectors {
		selector = strings.TrimSpace(selector)
		if selector == "" {
			issues.Addf("testSelectors[%d] is empty", i)
			continue
		}
		if filepath.IsAbs(selector) {
			issues.Addf("testSelectors[%d] must be relative", i)
		}
		if escapesRoot(selector) {
			issues.Addf("testSelectors[%d] escapes the selector root", i)
		}
		if _, ok := seen[selector]; ok {
			issues.Addf("testSelectors[%d] duplicates %q", i, selector)
		}
		seen[selector] = struct{}{}
	}

	if req.Options.WorkerCount < 0 || req.Options.WorkerCount > maxWorkerCount {
		issues.Addf("options.workerCount must be between 0 and %d", maxWorkerCount)
	}
	for key := range req.Options.Env {
		if !envKeyPattern.MatchString(key) {
			issues.Addf("options.env key %q is invalid", key)
		}
	}

	return issues.OrNil()
}

func escapesRoot(selector string) bool {
	// Selectors may carry a test name suffix such as "a_test.py::test_x".
	path, _, _ := strings.Cut(selector, "::")
	clean := filepath.Clean(filepath.FromSlash(path))
	return clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator))
}
