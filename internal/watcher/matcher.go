package watcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/gobwas/glob"
	"github.com/samber/lo"
)

const (
	referencesPrefixConstant              = "refs/"
	branchesPrefixConstant                = "refs/heads/"
	referenceSeparatorConstant            = '/'
	invalidPatternMessageConstant         = "invalid topic pattern"
	invalidReferenceMessageConstant       = "invalid reference name"
	invalidPatternErrorTemplateConstant   = "%w %q: %v"
	invalidReferenceErrorTemplateConstant = "%w %q"
	noTopicsConfiguredMessageConstant     = "at least one topic pattern or topic reference must be configured"
)

// ErrInvalidPattern indicates a topic pattern that does not compile.
var ErrInvalidPattern = errors.New(invalidPatternMessageConstant)

// ErrInvalidReference indicates a configured reference that git would reject.
var ErrInvalidReference = errors.New(invalidReferenceMessageConstant)

// ErrNoTopicsConfigured indicates neither patterns nor exact references were supplied.
var ErrNoTopicsConfigured = errors.New(noTopicsConfiguredMessageConstant)

// Matcher classifies reference names as target, topic or ignored.
type Matcher struct {
	patterns         []glob.Glob
	exactTopics      map[plumbing.ReferenceName]struct{}
	excludedPrefixes []string
}

// NewMatcher compiles topic patterns and exact topic references. Short names
// such as "feature/*" are taken relative to refs/heads/. References under any
// excluded prefix are never topics.
func NewMatcher(topicPatterns []string, topicReferences []string, excludedPrefixes []string) (*Matcher, error) {
	normalizedPatterns := lo.Uniq(lo.Compact(lo.Map(topicPatterns, func(pattern string, _ int) string {
		return NormalizeReference(pattern)
	})))
	normalizedReferences := lo.Uniq(lo.Compact(lo.Map(topicReferences, func(reference string, _ int) string {
		return NormalizeReference(reference)
	})))
	if len(normalizedPatterns) == 0 && len(normalizedReferences) == 0 {
		return nil, ErrNoTopicsConfigured
	}

	matcher := &Matcher{exactTopics: map[plumbing.ReferenceName]struct{}{}}
	for _, pattern := range normalizedPatterns {
		compiled, compileError := glob.Compile(pattern, referenceSeparatorConstant)
		if compileError != nil {
			return nil, fmt.Errorf(invalidPatternErrorTemplateConstant, ErrInvalidPattern, pattern, compileError)
		}
		matcher.patterns = append(matcher.patterns, compiled)
	}
	for _, reference := range normalizedReferences {
		if validationError := ValidateReference(reference); validationError != nil {
			return nil, validationError
		}
		matcher.exactTopics[plumbing.ReferenceName(reference)] = struct{}{}
	}
	for _, prefix := range excludedPrefixes {
		trimmedPrefix := strings.TrimSpace(prefix)
		if len(trimmedPrefix) > 0 {
			matcher.excludedPrefixes = append(matcher.excludedPrefixes, trimmedPrefix)
		}
	}
	return matcher, nil
}

// IsTopic reports whether reference is a watched topic branch.
func (matcher *Matcher) IsTopic(reference plumbing.ReferenceName) bool {
	name := reference.String()
	for _, prefix := range matcher.excludedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	if _, exact := matcher.exactTopics[reference]; exact {
		return true
	}
	return lo.SomeBy(matcher.patterns, func(pattern glob.Glob) bool {
		return pattern.Match(name)
	})
}

// NormalizeReference trims whitespace and expands short branch names to refs/heads/.
func NormalizeReference(reference string) string {
	trimmed := strings.TrimSpace(reference)
	if len(trimmed) == 0 || strings.HasPrefix(trimmed, referencesPrefixConstant) {
		return trimmed
	}
	return branchesPrefixConstant + trimmed
}

// ValidateReference applies git's reference naming rules.
func ValidateReference(reference string) error {
	if !strings.HasPrefix(reference, referencesPrefixConstant) {
		return fmt.Errorf(invalidReferenceErrorTemplateConstant, ErrInvalidReference, reference)
	}
	if validationError := plumbing.ReferenceName(reference).Validate(); validationError != nil {
		return fmt.Errorf(invalidReferenceErrorTemplateConstant, ErrInvalidReference, reference)
	}
	return nil
}
