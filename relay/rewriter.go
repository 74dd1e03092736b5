package relay

import (
	"net/netip"

	"github.com/fosrl/relay/logger"
)

// RewriteRule redirects flows whose tunnel-observed destination falls inside
// Prefix to Target instead. The port is preserved.
type RewriteRule struct {
	Prefix netip.Prefix
	Target netip.Addr
}

// Rewriter maps tunnel-observed destinations onto the addresses the relay
// actually dials. Rules are evaluated in order, first match wins; with no
// match the destination passes through unchanged.
type Rewriter struct {
	rules []RewriteRule
}

func NewRewriter(rules []RewriteRule) *Rewriter {
	return &Rewriter{rules: rules}
}

// Rewrite resolves the real destination for a tunnel-observed one. Replies
// are always framed with the observed destination, so the tunnel peer never
// sees the rewritten address.
func (r *Rewriter) Rewrite(destination netip.AddrPort) netip.AddrPort {
	for _, rule := range r.rules {
		if rule.Prefix.Contains(destination.Addr()) {
			rewritten := netip.AddrPortFrom(rule.Target, destination.Port())
			logger.Debug("Rewriter: %s -> %s", destination, rewritten)
			return rewritten
		}
	}
	return destination
}
