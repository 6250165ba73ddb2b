package pipeline

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/zombor/dotscan/internal/scanning"
)

// Normalize is the identity used for deduplication: uppercase with all whitespace removed.
func Normalize(code string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, code))
}

// Reconcile merges the items of every successful outcome into one
// deduplicated result. The first item seen for a normalized code wins and
// later duplicates are dropped whole, including any date or price they carry.
// Items whose code normalizes to "" are skipped.
//
// If no outcome succeeded, the returned error is a *Error chosen from the
// last failure, or a no-usable-results error when nothing failed either.
func Reconcile(outcomes []Outcome, imageCount int) (*scanning.AnalysisResult, error) {
	seen := make(map[string]struct{})
	items := make([]scanning.ScannedItem, 0)
	successCount := 0
	var lastErr error

	for _, outcome := range outcomes {
		if !outcome.Succeeded() {
			lastErr = outcome.failure()
			continue
		}
		successCount++

		for _, item := range outcome.Result.Items {
			code := Normalize(item.DotCode)
			if code == "" {
				continue
			}
			if _, ok := seen[code]; ok {
				continue
			}
			seen[code] = struct{}{}
			items = append(items, item)
		}
	}

	if successCount > 0 {
		return &scanning.AnalysisResult{
			Items:   items,
			Summary: fmt.Sprintf("Processed %d of %d images. Found %d unique codes.", successCount, imageCount, len(items)),
		}, nil
	}

	if lastErr != nil {
		return nil, surfaceFailure(lastErr)
	}
	return nil, noUsableResults()
}
