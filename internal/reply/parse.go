// Package reply splits a model reply into the sections the app displays.
//
// The model is asked for four sections separated by "###", with the last two
// written as "*" bullets. Any reply that does not have exactly four parts is
// returned whole as the script.
package reply

import (
	"regexp"
	"strings"
)

const (
	SectionDelimiter = "###"
	BulletMarker     = "*"
)

type Parsed struct {
	Script          string   `json:"script"`
	Summary         *string  `json:"summary"`
	WhyItWorks      []string `json:"whyItWorks"`
	Troubleshooting []string `json:"troubleshooting"`
}

// Structured reports whether the reply followed the four-section format.
func (p Parsed) Structured() bool {
	return p.Summary != nil
}

var (
	sectionLabel   = regexp.MustCompile(`(?i)^["'\s]*(section\s*\d+\s*:\s*(script|summary|why\s+it\s+works|what\s+if\??|troubleshooting)?)\s*`)
	leadingQuotes  = regexp.MustCompile(`^["'\s]+`)
	trailingQuotes = regexp.MustCompile(`["'\s]+$`)
	separatorLine  = regexp.MustCompile(`^#{3,}\s*$`)
	labelLine      = regexp.MustCompile(`(?i)^section\s*\d+\s*:`)
	blankRuns      = regexp.MustCompile(`\n{3,}`)
)

func Parse(text string) Parsed {
	parts := strings.Split(text, SectionDelimiter)
	if len(parts) != 4 {
		return Parsed{
			Script:          StripSectionLabel(text),
			WhyItWorks:      []string{},
			Troubleshooting: []string{},
		}
	}

	summary := StripSectionLabel(parts[1])
	return Parsed{
		Script:          StripSectionLabel(parts[0]),
		Summary:         &summary,
		WhyItWorks:      bullets(parts[2]),
		Troubleshooting: bullets(parts[3]),
	}
}

func bullets(section string) []string {
	out := []string{}
	for _, frag := range strings.Split(section, BulletMarker) {
		if strings.TrimSpace(frag) == "" {
			continue
		}
		if cleaned := StripSectionLabel(frag); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}

// StripSectionLabel removes a leading "Section N: label" marker and surrounding
// quotes. It repeats until nothing changes, so applying it twice is a no-op.
func StripSectionLabel(text string) string {
	for {
		next := stripOnce(text)
		if next == text {
			return next
		}
		text = next
	}
}

func stripOnce(text string) string {
	text = sectionLabel.ReplaceAllString(text, "")
	text = leadingQuotes.ReplaceAllString(text, "")
	text = trailingQuotes.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// CleanCoparent tidies a co-parent rewrite: separator lines and section labels
// are dropped and runs of blank lines collapse to one.
func CleanCoparent(text string) string {
	text = StripSectionLabel(text)
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && (separatorLine.MatchString(trimmed) || labelLine.MatchString(trimmed)) {
			continue
		}
		kept = append(kept, line)
	}
	out := blankRuns.ReplaceAllString(strings.Join(kept, "\n"), "\n\n")
	return strings.TrimSpace(out)
}
