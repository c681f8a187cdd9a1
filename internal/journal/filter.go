package journal

import "strings"

// DefaultExcludePatterns lists path fragments that never belong in an
// incremental capture: OS paging files, recycle bin, temp directories,
// mail caches and VSS bookkeeping.
func DefaultExcludePatterns() []string {
	return []string{
		`pagefile.sys`,
		`hiberfil.sys`,
		`swapfile.sys`,
		`$recycle.bin`,
		`windows\temp`,
		`appdata\local\temp`,
		`system volume information`,
		`.ost`,
	}
}

// Excluded reports whether path matches any exclusion pattern. Matching is
// case-insensitive substring on the normalized path.
func Excluded(path string, patterns []string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(path, "/", `\`))
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(normalized, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
