// Package privacy strips user-marked private regions out of text before it
// is persisted or forwarded to a provider.
package privacy

import (
	"regexp"
	"strings"
)

// privateBlock matches a <private>...</private> region, case-insensitive,
// spanning multiple lines. Content inside these markers never reaches
// storage or the generator.
var privateBlock = regexp.MustCompile(`(?is)<private>.*?</private>`)

// Strip removes all private-marked regions from input and reports whether
// input had at least one private region and the remaining, trimmed text is
// empty (i.e. the whole prompt was private). Input without markers is never
// reported as private, even when it is blank.
func Strip(input string) (cleaned string, allPrivate bool) {
	cleaned = privateBlock.ReplaceAllString(input, "")
	cleaned = collapseBlankLines(cleaned)
	return cleaned, strings.TrimSpace(cleaned) == "" && privateBlock.MatchString(input)
}

// HasPrivateMarkers reports whether input contains any private region at all,
// without allocating the stripped copy. Useful for cheap pre-checks.
func HasPrivateMarkers(input string) bool {
	return privateBlock.MatchString(input)
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
