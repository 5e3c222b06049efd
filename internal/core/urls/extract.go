// Package urls extracts role-labeled preview URLs from deploy output.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// Extraction applies an explicit, ordered rule list. Role-labeled markers
// ("ADMIN: https://...") always take priority over provider channel lines,
// which take priority over bare hosting-URL shapes. Earlier rules claim a
// role first; later rules never overwrite it.
package urls

import (
	"fmt"
	"regexp"
	"strings"
)

// GenericRole is the bucket name for URLs no rule could attribute to a role.
const GenericRole = "preview"

// =============================================================================
// Rules
// =============================================================================

// RuleKind orders rules by how much they trust their match.
type RuleKind int

const (
	// KindLabeled matches "ROLE: url" markers printed by the deploy step.
	KindLabeled RuleKind = iota
	// KindChannel matches provider channel lines that name the site.
	KindChannel
	// KindShape matches bare hosting URLs by their shape.
	KindShape
)

// Rule is one extraction pattern. Labeled rules must capture the role in
// group "role" and the URL in group "url". Channel rules capture "site" and
// "url". Shape rules capture "url" only.
type Rule struct {
	Name    string
	Kind    RuleKind
	Pattern *regexp.Regexp
}

var (
	labeledPattern = regexp.MustCompile(`\b(?P<role>[A-Za-z][A-Za-z0-9_-]*)(?:\s+URL)?\s*:\s*(?P<url>https?://[^\s"'<>\]\)]+)`)
	channelPattern = regexp.MustCompile(`Channel URL \((?P<site>[^)]+)\):\s*(?P<url>https?://[^\s"'<>\]\)]+)`)
	shapePattern   = regexp.MustCompile(`(?P<url>https://[a-z0-9-]+(?:--[a-z0-9-]+)?\.(?:web\.app|firebaseapp\.com))`)
)

// DefaultRules is the standard ordered rule list.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "labeled", Kind: KindLabeled, Pattern: labeledPattern},
		{Name: "channel", Kind: KindChannel, Pattern: channelPattern},
		{Name: "shape", Kind: KindShape, Pattern: shapePattern},
	}
}

// =============================================================================
// Extractor
// =============================================================================

// Extractor maps deploy output to role URLs.
type Extractor struct {
	// Rules are applied in order.
	Rules []Rule
	// Roles are the expected role names, lowercase. Labeled markers for
	// other words are ignored so log prefixes like "Error:" never match.
	Roles []string
	// SiteRoles maps hosting site IDs to roles for channel rules.
	SiteRoles map[string]string
}

// NewExtractor creates an extractor with the default rules.
func NewExtractor(roles []string, siteRoles map[string]string) Extractor {
	normalized := make([]string, 0, len(roles))
	for _, r := range roles {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(r)))
	}
	return Extractor{
		Rules:     DefaultRules(),
		Roles:     normalized,
		SiteRoles: siteRoles,
	}
}

// Extract returns role -> url. URLs matched by shape rules are attributed to
// a role when the hostname carries the site of a known role; anything left
// goes to the generic bucket, but only while some expected role is still
// unresolved.
func (e Extractor) Extract(text string) map[string]string {
	found := make(map[string]string)
	used := make(map[string]bool)
	var unmatched []string

	for _, rule := range e.Rules {
		switch rule.Kind {
		case KindLabeled:
			for _, m := range findAll(rule.Pattern, text) {
				role := strings.ToLower(m["role"])
				u := cleanURL(m["url"])
				if !e.isRole(role) || found[role] != "" {
					continue
				}
				found[role] = u
				used[u] = true
			}
		case KindChannel:
			for _, m := range findAll(rule.Pattern, text) {
				u := cleanURL(m["url"])
				role := e.SiteRoles[m["site"]]
				if role == "" || found[role] != "" || used[u] {
					continue
				}
				found[role] = u
				used[u] = true
			}
		case KindShape:
			for _, m := range findAll(rule.Pattern, text) {
				u := cleanURL(m["url"])
				if used[u] {
					continue
				}
				if role := e.roleForHost(u); role != "" && found[role] == "" {
					found[role] = u
					used[u] = true
					continue
				}
				unmatched = appendUnique(unmatched, u)
			}
		}
	}

	if e.allResolved(found) {
		return found
	}
	n := 0
	for _, u := range unmatched {
		if used[u] {
			continue
		}
		n++
		key := GenericRole
		if n > 1 {
			key = fmt.Sprintf("%s-%d", GenericRole, n)
		}
		found[key] = u
		used[u] = true
	}
	return found
}

// FindAllURLs returns every hosting-shaped URL in text, in order, without
// duplicates. Used when scanning old logs.
func FindAllURLs(text string) []string {
	var out []string
	for _, m := range shapePattern.FindAllString(text, -1) {
		out = appendUnique(out, cleanURL(m))
	}
	return out
}

func (e Extractor) isRole(role string) bool {
	if len(e.Roles) == 0 {
		return role != "error" && role != "warning" && role != "http" && role != "https"
	}
	for _, r := range e.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (e Extractor) allResolved(found map[string]string) bool {
	if len(e.Roles) == 0 {
		return len(found) > 0
	}
	for _, r := range e.Roles {
		if found[r] == "" {
			return false
		}
	}
	return true
}

// roleForHost attributes https://{site}--{channel}.web.app to the site's role.
func (e Extractor) roleForHost(u string) string {
	host := strings.TrimPrefix(u, "https://")
	if i := strings.IndexByte(host, '.'); i >= 0 {
		host = host[:i]
	}
	site, _, ok := strings.Cut(host, "--")
	if !ok {
		return ""
	}
	return e.SiteRoles[site]
}

func findAll(re *regexp.Regexp, text string) []map[string]string {
	names := re.SubexpNames()
	var out []map[string]string
	for _, match := range re.FindAllStringSubmatch(text, -1) {
		m := make(map[string]string, len(names))
		for i, name := range names {
			if name != "" {
				m[name] = match[i]
			}
		}
		out = append(out, m)
	}
	return out
}

func cleanURL(u string) string {
	return strings.TrimRight(u, ".,;:")
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
