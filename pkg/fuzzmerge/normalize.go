package fuzzmerge

import "strings"

// topK is the number of symbolic frames retained for crash_token purposes.
const topK = 5

// asanBanners are sanitizer report lines that can contain " in " without
// being frames: the ==pid== header, the SUMMARY trailer, and bare
// AddressSanitizer/WARNING noise.
var asanBanners = []string{
	"==", "SUMMARY:", "AddressSanitizer", "WARNING:",
}

// isASANBanner reports whether line is sanitizer boilerplate rather than a
// symbolic frame.
func isASANBanner(line string) bool {
	for _, p := range asanBanners {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func looksLikeFrame(line string) bool {
	return strings.Contains(line, " in ")
}

// NormalizeStacktrace reduces a raw stacktrace to its top-K symbolic frame
// names, stripping addresses, line numbers, and sanitizer banner noise via
// byte-oriented scans; the grammar is fixed enough that regexp would be
// overhead without clarity.
func NormalizeStacktrace(raw string) []string {
	lines := strings.Split(raw, "\n")
	frames := make([]string, 0, topK)
	for _, line := range lines {
		if len(frames) == topK {
			break
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isASANBanner(trimmed) {
			continue
		}
		if !looksLikeFrame(trimmed) {
			continue
		}
		fn := extractFunctionName(trimmed)
		if fn == "" {
			continue
		}
		frames = append(frames, fn)
	}
	return frames
}

// extractFunctionName pulls the symbol name out of a frame line shaped
// like "#3 0x55f... in pkg.Func(...) file.c:123:45", dropping the address
// and the trailing file:line:col location.
func extractFunctionName(line string) string {
	idx := strings.Index(line, " in ")
	if idx < 0 {
		return ""
	}
	rest := line[idx+len(" in "):]

	if paren := strings.IndexByte(rest, '('); paren >= 0 {
		rest = rest[:paren]
	} else if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		rest = rest[:sp]
	}
	return strings.TrimSpace(rest)
}
