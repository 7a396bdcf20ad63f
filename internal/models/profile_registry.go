package models

import (
	"regexp"
	"sync"
)

// ProfileRegistry holds ordered ModelProfile entries and resolves them
// against a provider/model pair. Resolve runs on every turn's config
// resolution, so ModelPattern regexps are compiled once and cached rather
// than recompiled on each call.
type ProfileRegistry struct {
	profiles []ModelProfile

	mu           sync.Mutex
	patternCache map[string]*regexp.Regexp
}

// NewDefaultRegistry returns a registry populated with built-in profiles
// from the provider files (default, anthropic, openai).
func NewDefaultRegistry() *ProfileRegistry {
	return &ProfileRegistry{
		profiles:     builtinProfiles(),
		patternCache: make(map[string]*regexp.Regexp),
	}
}

// Resolve walks the registry profiles, matches by provider then by model
// regexp, merges layers, and returns a fully resolved profile.
//
// Resolution order: default (no provider) → provider-wide → model-specific.
func (r *ProfileRegistry) Resolve(provider, model string) ResolvedProfile {
	merged := ModelProfile{}

	for _, p := range r.profiles {
		if !r.profileMatches(p, provider, model) {
			continue
		}
		merged = mergeProfiles(merged, p)
	}

	return toResolved(merged)
}

// profileMatches returns true if the profile applies to the given provider/model.
func (r *ProfileRegistry) profileMatches(p ModelProfile, provider, model string) bool {
	// Default profile (no provider): always matches
	if p.Provider == "" && p.ModelPattern == "" {
		return true
	}

	// Provider must match (case-sensitive)
	if p.Provider != "" && p.Provider != provider {
		return false
	}

	// Provider-wide profile (no model pattern): matches all models for this provider
	if p.ModelPattern == "" {
		return true
	}

	re, err := r.compiledPattern(p.ModelPattern)
	if err != nil {
		return false
	}
	return re.MatchString(model)
}

// compiledPattern returns a cached *regexp.Regexp for pattern, compiling and
// storing it on first use. The registry holds a handful of static patterns
// (one per profile), so the cache never grows unbounded.
func (r *ProfileRegistry) compiledPattern(pattern string) (*regexp.Regexp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if re, ok := r.patternCache[pattern]; ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if r.patternCache == nil {
		r.patternCache = make(map[string]*regexp.Regexp)
	}
	r.patternCache[pattern] = re
	return re, nil
}

// toResolved converts a merged ModelProfile into a ResolvedProfile.
// A nil BasePrompt becomes the empty string; the other pointer fields are
// copied as they are, nil included.
func toResolved(p ModelProfile) ResolvedProfile {
	r := ResolvedProfile{
		PromptSuffix:    p.PromptSuffix,
		AgentsFileNames: p.AgentsFileNames,
		Tools:           p.Tools,
		Temperature:     p.Temperature,
		MaxTokens:       p.MaxTokens,
		ContextWindow:   p.ContextWindow,
	}

	if p.BasePrompt != nil {
		r.BasePrompt = *p.BasePrompt
	}

	return r
}
