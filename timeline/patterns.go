package timeline

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ErrBadPattern indicates a regex source that did not compile.
var ErrBadPattern = errors.New("bad regex pattern")

// ErrNoPatterns indicates that neither a pattern file nor inline
// patterns were supplied.
var ErrNoPatterns = errors.New("no regex patterns supplied")

// LoadPatterns merges patterns from an optional newline-delimited file
// and an inline list, in that order, and compiles them. At least one
// source must be given; a source that yields zero patterns is allowed
// and simply produces no anchors downstream.
func LoadPatterns(file string, inline []string) ([]*regexp.Regexp, error) {
	if file == "" && len(inline) == 0 {
		return nil, ErrNoPatterns
	}

	var sources []string
	if file != "" {
		fileSources, err := readPatternFile(file)
		if err != nil {
			return nil, err
		}
		sources = append(sources, fileSources...)
	}
	sources = append(sources, inline...)

	return CompilePatterns(sources)
}

// CompilePatterns compiles each source to a matcher, preserving order.
func CompilePatterns(sources []string) ([]*regexp.Regexp, error) {
	matchers := make([]*regexp.Regexp, 0, len(sources))
	for _, source := range sources {
		re, err := regexp.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadPattern, source, err)
		}
		matchers = append(matchers, re)
	}
	return matchers, nil
}

func readPatternFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open regex file: %w", err)
	}
	defer f.Close()

	var sources []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sources = append(sources, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read regex file: %w", err)
	}
	return sources, nil
}
