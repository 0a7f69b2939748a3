package sos

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/swiftorigin/sos/pkg/origin"
)

// ErrNoIncomingRules is returned if the URL rules file defines no incoming
// patterns; without them no edge request can be parsed.
var ErrNoIncomingRules = errors.New("at least one incoming_url_regex rule is required")

// loadURLRules reads the URL rules file. It returns the ordered incoming
// patterns and every outgoing_url_format* section keyed by section name.
//
// The file looks like:
//
//	incoming_url_regex:
//	  - name: hash_first
//	    pattern: '^https?://[^/]+/h/(?P<hash>[0-9a-f-]+)/(?P<object_name>.*)$'
//	outgoing_url_format:
//	  X-CDN-URI: http://{hash}.cdn.example.com
//	outgoing_url_format_head:
//	  X-CDN-URI: http://{hash}.cdn.example.com
func loadURLRules(path string) ([]origin.IncomingRule, map[string]map[string]string, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading the URL rules file: %w", err)
	}

	var doc struct {
		IncomingURLRegex []struct {
			Name    string `yaml:"name"`
			Pattern string `yaml:"pattern"`
		} `yaml:"incoming_url_regex"`
	}

	if err := yaml.Unmarshal(bs, &doc); err != nil {
		return nil, nil, fmt.Errorf("error parsing the URL rules file %q: %w", path, err)
	}

	if len(doc.IncomingURLRegex) == 0 {
		return nil, nil, fmt.Errorf("%w: %q", ErrNoIncomingRules, path)
	}

	rules := make([]origin.IncomingRule, 0, len(doc.IncomingURLRegex))

	for _, rule := range doc.IncomingURLRegex {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("error compiling the incoming rule %q: %w", rule.Name, err)
		}

		rules = append(rules, origin.IncomingRule{Name: rule.Name, Regexp: re})
	}

	var raw map[string]any
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return nil, nil, fmt.Errorf("error parsing the URL rules file %q: %w", path, err)
	}

	sections := make(map[string]map[string]string)

	for key, val := range raw {
		if !strings.HasPrefix(key, "outgoing_url_format") {
			continue
		}

		body, ok := val.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("%w: section %q is not a mapping", origin.ErrInvalidConfiguration, key)
		}

		section := make(map[string]string, len(body))

		for hdr, tmpl := range body {
			tmplStr, ok := tmpl.(string)
			if !ok {
				return nil, nil, fmt.Errorf(
					"%w: template %q in section %q is not a string",
					origin.ErrInvalidConfiguration, hdr, key,
				)
			}

			section[hdr] = tmplStr
		}

		sections[key] = section
	}

	return rules, sections, nil
}
