package billxlsx

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxSheetNameLen = 31

func safeSheetName(name string) string {
	s := strings.TrimSpace(name)
	if s == "" {
		s = "Sheet"
	}
	// Excel forbids : \ / ? * [ ]
	for _, ch := range []string{":", "\\", "/", "?", "*", "[", "]"} {
		s = strings.ReplaceAll(s, ch, "_")
	}
	return trimRunes(s, maxSheetNameLen)
}

func uniqueSheetName(name string, used map[string]struct{}) string {
	base := safeSheetName(name)
	cand := base
	for i := 2; ; i++ {
		if _, ok := used[cand]; !ok {
			used[cand] = struct{}{}
			return cand
		}
		suffix := "_" + strconv.Itoa(i)
		cand = trimRunes(base, maxSheetNameLen-utf8.RuneCountInString(suffix)) + suffix
	}
}

func trimRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	out := make([]rune, 0, n)
	for _, r := range s {
		out = append(out, r)
		if len(out) >= n {
			break
		}
	}
	return string(out)
}
