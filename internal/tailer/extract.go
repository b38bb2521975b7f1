package tailer

import (
	"path/filepath"
	"regexp"
	"strings"
)

// =============================================================================
// EXTERNAL ID EXTRACTION
// =============================================================================

// Filename patterns in priority order. First match wins; the final
// basename fallback guarantees every well-formed path yields an id.
var externalIDPatterns = []*regexp.Regexp{
	// rollout-2026-08-30T12-00-00-<uuid>.jsonl
	regexp.MustCompile(`^rollout-\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}-([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\.jsonl$`),
	// <uuid>.jsonl
	regexp.MustCompile(`^([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\.jsonl$`),
}

// ExtractExternalID derives the agent-assigned session id from a log
// file path. Unrecognized names fall back to the basename without its
// extension so the id is stable even for unfamiliar layouts.
func ExtractExternalID(path string) string {
	base := filepath.Base(path)
	for _, re := range externalIDPatterns {
		if m := re.FindStringSubmatch(base); m != nil {
			return m[1]
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
