// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import (
	"net"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// compiledHost holds a host pattern and its compiled glob.
type compiledHost struct {
	pattern string
	glob    glob.Glob
}

// EgressPolicy decides which hosts fetch may reach.
//
// Patterns use gobwas/glob with '.' as the segment separator:
//   - '*' matches a single label: "*.example.com" matches "api.example.com"
//     but NOT "a.b.example.com"
//   - '**' matches any number of labels: "**.example.com" matches both
//   - "**" alone matches every host
//
// A nil or empty policy allows every host. EgressPolicy is immutable and
// safe for concurrent use.
type EgressPolicy struct {
	hosts        []compiledHost
	blockPrivate bool
}

// EgressOption configures an EgressPolicy.
type EgressOption func(*EgressPolicy)

// WithBlockPrivate rejects literal loopback, private and link-local
// addresses regardless of the allowlist.
func WithBlockPrivate() EgressOption {
	return func(p *EgressPolicy) { p.blockPrivate = true }
}

// NewEgressPolicy compiles patterns. Invalid patterns fail the whole policy.
func NewEgressPolicy(patterns []string, opts ...EgressOption) (*EgressPolicy, error) {
	p := &EgressPolicy{hosts: make([]compiledHost, 0, len(patterns))}
	for i, pattern := range patterns {
		if pattern == "" {
			return nil, oops.In("endowment").With("index", i).Errorf("empty host pattern")
		}
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return nil, oops.In("endowment").With("index", i).With("pattern", pattern).Wrap(err)
		}
		p.hosts = append(p.hosts, compiledHost{pattern: pattern, glob: g})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Patterns returns a copy of the configured host patterns.
func (p *EgressPolicy) Patterns() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.hosts))
	for i, h := range p.hosts {
		out[i] = h.pattern
	}
	return out
}

// Allow reports whether host (without port) may be contacted.
func (p *EgressPolicy) Allow(host string) bool {
	if host == "" {
		return false
	}
	if p == nil {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if p.blockPrivate {
		if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
				return false
			}
		}
		if host == "localhost" || strings.HasSuffix(host, ".localhost") {
			return false
		}
	}
	if len(p.hosts) == 0 {
		return true
	}
	for _, h := range p.hosts {
		if h.glob.Match(host) {
			return true
		}
	}
	return false
}
