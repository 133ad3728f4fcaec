package bytegpt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// structuralMarker matches chapter/entry header lines that carry no prose.
// Lines matching it are dropped before concatenation.
var structuralMarker = regexp.MustCompile(`(?i)^\s*(chapter|book|volume|entry|part)\b[\s\dIVXLC.:-]*$`)

// LoadCorpus concatenates every .txt file under dir (sorted by name for a
// stable result), dropping structural header lines. I/O failures propagate;
// an empty directory is an error rather than an empty corpus.
func LoadCorpus(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".txt") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no .txt files in corpus directory %s", dir)
	}
	sort.Strings(names)
	var b strings.Builder
	prevEndsNewline := true
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		lines := strings.Split(string(raw), "\n")
		kept := lines[:0]
		for _, line := range lines {
			if structuralMarker.MatchString(line) {
				continue
			}
			kept = append(kept, line)
		}
		// Joining with \n keeps the surviving bytes identical to the
		// source file; dropping a marker line drops its newline with it.
		text := strings.Join(kept, "\n")
		if text == "" {
			continue
		}
		if !prevEndsNewline {
			b.WriteByte('\n')
		}
		b.WriteString(text)
		prevEndsNewline = strings.HasSuffix(text, "\n")
	}
	return b.String(), nil
}
