package provider

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// isbnPrefixRegex matches common ISBN prefixes like "ISBN-13:", "ISBN-10:", "ISBN:".
// It is case-insensitive and handles optional spacing around the colon.
var isbnPrefixRegex = regexp.MustCompile(`(?i)^(isbn-13|isbn-10|isbn)\s*:\s*`)

// isbnCleanRegex matches any character that is not a digit or the letter 'X' (case-insensitive).
var isbnCleanRegex = regexp.MustCompile(`[^0-9xX]`)

// CleanISBN sanitizes a raw string to extract a pure ISBN number.
// It performs a two-step process:
// 1. Removes common prefixes (e.g., "ISBN-13:").
// 2. Removes all remaining non-essential characters (like hyphens and spaces).
func CleanISBN(raw string) string {
	// Step 1: Remove the known prefixes.
	s := isbnPrefixRegex.ReplaceAllString(raw, "")

	// Step 2: Remove all non-digit/non-X characters from the result.
	s = isbnCleanRegex.ReplaceAllString(s, "")

	return strings.TrimSpace(s)
}

var searchFolder = cases.Fold()

// FoldTerm normalizes a search term for matching. Proper Unicode case
// folding, not ASCII ToLower: catalog titles carry accented and non-Latin
// characters.
func FoldTerm(s string) string {
	return searchFolder.String(strings.TrimSpace(s))
}

// matchBook reports whether a folded search term matches the book's title,
// author or ISBN.
func matchBook(folded string, b Book) bool {
	if folded == "" {
		return false
	}
	if strings.Contains(searchFolder.String(b.Title), folded) {
		return true
	}
	if strings.Contains(searchFolder.String(b.Author), folded) {
		return true
	}
	// CleanISBN keeps the check-digit X in whatever case it arrived; compare
	// upper-cased so a folded term still matches a stored "...X".
	clean := strings.ToUpper(CleanISBN(folded))
	return clean != "" && strings.Contains(strings.ToUpper(CleanISBN(b.ISBN)), clean)
}

// clampPage normalizes skip/limit for OFFSET/LIMIT clauses: negative skip
// becomes 0, a zero or negative limit falls back to 100. Postgres rejects
// negative values outright.
func clampPage(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = 100
	}
	return skip, limit
}

// pageBounds clamps skip/limit against n items for the in-memory slices.
func pageBounds(n, skip, limit int) (int, int) {
	skip, limit = clampPage(skip, limit)
	start := skip
	if start > n {
		start = n
	}
	end := start + limit
	if end > n {
		end = n
	}
	return start, end
}
