package aliasing

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/sehatku-io/ingestor/internal/canonicalization"
)

type (
	// compiledPattern holds a pre-compiled regex pattern and its canonical template.
	compiledPattern struct {
		regex     *regexp.Regexp
		canonical string
		variables []string
	}

	// Resolver maps facility codes to canonical codes. Immutable after construction and safe
	// for concurrent use.
	//
	// Exact aliases are checked first, then patterns in order; first match wins.
	//
	// Pattern syntax:
	//   - {variable} captures any characters except "/"
	//   - {variable*} captures any characters including "/"
	//   - Literal characters match case-insensitively
	Resolver struct {
		aliases  map[string]string
		patterns []compiledPattern
	}
)

// variableRegex matches {name} or {name*} patterns in the pattern string.
var variableRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\*?\}`)

// compilePattern converts a pattern string to a compiled regex.
//
// Pattern: "PKM-{num}" → Regex: (?i)^PKM\-(?P<num>[^/]+)$. Literals match case-insensitively.
func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	variables := make([]string, 0, 4) //nolint:mnd // preallocate for typical pattern

	// QuoteMeta escapes { and }, so placeholders are replaced in their escaped form.
	result := regexp.QuoteMeta(pattern)

	for _, match := range variableRegex.FindAllStringSubmatch(pattern, -1) {
		fullMatch := match[0]
		varName := match[1]

		variables = append(variables, varName)

		captureGroup := "(?P<" + varName + ">[^/]+)"
		if strings.HasSuffix(fullMatch, "*}") {
			captureGroup = "(?P<" + varName + ">.+)"
		}

		result = strings.Replace(result, regexp.QuoteMeta(fullMatch), captureGroup, 1)
	}

	regex, err := regexp.Compile("(?i)^" + result + "$")
	if err != nil {
		return nil, nil, err
	}

	return regex, variables, nil
}

// substituteVariables replaces {var} placeholders in canonical with captured values.
func substituteVariables(canonical string, captures map[string]string) string {
	result := canonical

	for varName, value := range captures {
		result = strings.ReplaceAll(result, "{"+varName+"}", value)
		result = strings.ReplaceAll(result, "{"+varName+"*}", value)
	}

	return result
}

// NewResolver creates a resolver from cfg. Entries with an empty side or an invalid pattern
// are skipped with a warning. A nil cfg yields a passthrough resolver.
func NewResolver(cfg *Config) *Resolver {
	r := &Resolver{
		aliases:  make(map[string]string),
		patterns: []compiledPattern{},
	}

	if cfg == nil {
		return r
	}

	for alias, canonical := range cfg.FacilityCodeAliases {
		alias = canonicalization.NormalizeFacilityCode(alias)
		canonical = canonicalization.NormalizeFacilityCode(canonical)

		if alias == "" || canonical == "" {
			slog.Warn("Skipping facility code alias with empty side",
				slog.String("alias", alias),
				slog.String("canonical", canonical))

			continue
		}

		r.aliases[alias] = canonical
	}

	for _, p := range cfg.FacilityCodePatterns {
		pattern := strings.TrimSpace(p.Pattern)
		canonical := strings.TrimSpace(p.Canonical)

		if pattern == "" || canonical == "" {
			slog.Warn("Skipping facility code pattern with empty side",
				slog.String("pattern", pattern))

			continue
		}

		regex, variables, err := compilePattern(pattern)
		if err != nil {
			slog.Warn("Skipping pattern with invalid regex",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))

			continue
		}

		r.patterns = append(r.patterns, compiledPattern{
			regex:     regex,
			canonical: canonical,
			variables: variables,
		})

		slog.Debug("Compiled facility code pattern",
			slog.String("pattern", pattern),
			slog.String("canonical", canonical),
			slog.Int("variables", len(variables)))
	}

	return r
}

// AliasCount returns the number of exact aliases.
func (r *Resolver) AliasCount() int {
	if r == nil {
		return 0
	}

	return len(r.aliases)
}

// PatternCount returns the number of compiled patterns.
func (r *Resolver) PatternCount() int {
	if r == nil {
		return 0
	}

	return len(r.patterns)
}

// Resolve returns the canonical form of a facility code. Codes without an alias come back
// normalized but otherwise unchanged.
func (r *Resolver) Resolve(code string) string {
	code = canonicalization.NormalizeFacilityCode(code)

	if canonical, ok := r.Match(code); ok {
		return canonical
	}

	return code
}

// Match reports the canonical code for code if an alias or pattern applies.
func (r *Resolver) Match(code string) (string, bool) {
	code = canonicalization.NormalizeFacilityCode(code)

	if r == nil || code == "" {
		return "", false
	}

	if canonical, ok := r.aliases[code]; ok {
		return canonical, true
	}

	for _, cp := range r.patterns {
		match := cp.regex.FindStringSubmatch(code)
		if match == nil {
			continue
		}

		captures := make(map[string]string, len(cp.variables))

		for i, name := range cp.regex.SubexpNames() {
			if i > 0 && name != "" && i < len(match) {
				captures[name] = match[i]
			}
		}

		return canonicalization.NormalizeFacilityCode(substituteVariables(cp.canonical, captures)), true
	}

	return "", false
}
