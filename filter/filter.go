package filter

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

// Options captures the filtering configuration.
type Options struct {
	AllowedSenders []string
	ExcludeSubject []string
}

// Filter decides whether a message comes from a trusted sender and is not
// explicitly excluded by subject.
type Filter struct {
	addresses      map[string]struct{}
	domains        []string
	excludeSubject []*regexp.Regexp
}

// New creates a new Filter from the provided options. Entries of the sender
// list are either full addresses or domains written as "@example.com".
func New(opts Options) (*Filter, error) {
	excludeSubject, err := compilePatterns(opts.ExcludeSubject)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-subject pattern: %w", err)
	}

	f := &Filter{
		addresses:      make(map[string]struct{}),
		excludeSubject: excludeSubject,
	}
	for _, raw := range opts.AllowedSenders {
		for _, item := range strings.Split(raw, ",") {
			item = strings.ToLower(strings.TrimSpace(item))
			switch {
			case item == "":
			case strings.HasPrefix(item, "@"):
				f.domains = append(f.domains, item)
			default:
				if addr := NormalizeSender(item); addr != "" {
					f.addresses[addr] = struct{}{}
				}
			}
		}
	}
	if len(f.addresses) == 0 && len(f.domains) == 0 {
		return nil, fmt.Errorf("allowed sender list is empty")
	}
	return f, nil
}

// AllowsSender reports whether from, a bare address or a full From header
// value, is on the allow-list.
func (f *Filter) AllowsSender(from string) bool {
	addr := NormalizeSender(from)
	if addr == "" {
		return false
	}
	if _, ok := f.addresses[addr]; ok {
		return true
	}
	for _, domain := range f.domains {
		if strings.HasSuffix(addr, domain) {
			return true
		}
	}
	return false
}

// AllowsSubject returns false if any exclude pattern matches subject.
func (f *Filter) AllowsSubject(subject string) bool {
	for _, re := range f.excludeSubject {
		if re.MatchString(subject) {
			return false
		}
	}
	return true
}

// NormalizeSender extracts the lowercased address from a From header value.
// It returns an empty string if no address can be parsed.
func NormalizeSender(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return ""
	}
	return strings.ToLower(addr.Address)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
