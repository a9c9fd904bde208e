package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList decides whether completions for a routed model are kept out
// of the response cache. A rule matches either the bare upstream model
// ("gpt-4o") or the qualified route ("openai/gpt-4o").
//
// A nil *ExclusionList matches nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles exact names and regex patterns. An invalid
// pattern is a startup error.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			el.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Excludes reports whether the route provider/model must bypass the cache.
func (el *ExclusionList) Excludes(provider, model string) bool {
	if el == nil {
		return false
	}
	qualified := provider + "/" + model
	for _, name := range [2]string{model, qualified} {
		if _, ok := el.exact[name]; ok {
			return true
		}
	}
	for _, re := range el.patterns {
		if re.MatchString(model) || re.MatchString(qualified) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
