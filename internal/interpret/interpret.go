// Package interpret extracts citations and validation verdicts from the
// markdown-ish text the agent service returns.
package interpret

import (
	"regexp"
	"strings"
)

// Source types.
const (
	SourceDocument = "document"
	SourceURL      = "url"
)

// Validation statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

// UnknownAgent is reported when the text names no validating agent.
const UnknownAgent = "unknown"

// Source is one cited link, in order of appearance.
type Source struct {
	Type string `json:"type"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Validation is the verdict block embedded in an agent answer.
type Validation struct {
	Status        string   `json:"status"`
	Summary       string   `json:"summary"`
	Discrepancies []string `json:"discrepancies"`
	Agent         string   `json:"agent"`
}

// Result bundles everything extracted from one response text.
type Result struct {
	Sources    []Source
	Validation *Validation
}

var (
	linkPattern          = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	statusPattern        = regexp.MustCompile(`(?i)Validation Status[:\s]+(PASS|FAIL)`)
	summaryPattern       = regexp.MustCompile(`(?i)Summary of Findings[:\s]+([^\n]+)`)
	discrepanciesPattern = regexp.MustCompile(`(?i)Discrepancies Found[:\s]+([^\n]+)`)
	agentPattern         = regexp.MustCompile(`(?i)Agent ID Validated[:\s]+([^\n]+)`)
)

// Interpret runs every extractor over text.
func Interpret(text string) Result {
	return Result{
		Sources:    Sources(text),
		Validation: ParseValidation(text),
	}
}

// Sources returns every markdown link in text. Duplicates are kept.
// The result is never nil.
func Sources(text string) []Source {
	matches := linkPattern.FindAllStringSubmatch(text, -1)
	sources := make([]Source, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, Source{
			Type: classify(m[2]),
			Name: m[1],
			URL:  m[2],
		})
	}
	return sources
}

// classify decides whether a link target is a stored document or a web page.
// Cloud storage links count as documents even though they start with http.
func classify(url string) string {
	switch {
	case strings.Contains(url, "googleapis.com"), strings.HasPrefix(url, "gs://"):
		return SourceDocument
	case strings.HasPrefix(url, "http"):
		return SourceURL
	default:
		return SourceDocument
	}
}

// ParseValidation returns nil unless text carries a PASS/FAIL status line.
// Only the first line after "Discrepancies Found" is captured.
func ParseValidation(text string) *Validation {
	m := statusPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}

	v := &Validation{
		Status:        strings.ToUpper(m[1]),
		Discrepancies: []string{},
		Agent:         UnknownAgent,
	}

	if sm := summaryPattern.FindStringSubmatch(text); sm != nil {
		v.Summary = sm[1]
	}

	if v.Status == StatusFail {
		if dm := discrepanciesPattern.FindStringSubmatch(text); dm != nil {
			v.Discrepancies = []string{dm[1]}
		}
	}

	if am := agentPattern.FindStringSubmatch(text); am != nil {
		v.Agent = strings.TrimSpace(am[1])
	}

	return v
}
