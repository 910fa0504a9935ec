package browser

import (
	"strings"

	"github.com/xkilldash9x/hypeauto/internal/config"
)

// Verdict is the decision the traffic filter makes for one request.
type Verdict int

const (
	Continue Verdict = iota
	Block
)

func (v Verdict) String() string {
	if v == Block {
		return "block"
	}
	return "continue"
}

// TrafficFilter decides which requests a session lets through. Allow patterns take
// precedence over block patterns, which take precedence over the resource type check.
// Patterns are plain substrings of the request URL.
type TrafficFilter struct {
	allow        []string
	block        []string
	blockedTypes map[string]struct{}
}

// NewTrafficFilter builds a filter from configuration.
func NewTrafficFilter(cfg config.TrafficConfig) *TrafficFilter {
	f := &TrafficFilter{
		allow:        append([]string(nil), cfg.AllowPatterns...),
		block:        append([]string(nil), cfg.BlockPatterns...),
		blockedTypes: make(map[string]struct{}, len(cfg.BlockResourceTypes)),
	}
	for _, t := range cfg.BlockResourceTypes {
		f.blockedTypes[strings.ToLower(t)] = struct{}{}
	}
	return f
}

// Decide returns the verdict for a request to url of the given CDP resource type
// ("Document", "Image", "Font", ...).
func (f *TrafficFilter) Decide(url, resourceType string) Verdict {
	for _, p := range f.allow {
		if strings.Contains(url, p) {
			return Continue
		}
	}
	for _, p := range f.block {
		if strings.Contains(url, p) {
			return Block
		}
	}
	if _, ok := f.blockedTypes[strings.ToLower(resourceType)]; ok {
		return Block
	}
	return Continue
}
