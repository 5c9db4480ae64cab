package policy

import "fmt"

// ApplyTokenPolicy layers token allow/deny rules over a base evaluation.
// The deny list always runs, even when an allow list is configured, so a
// token on both lists is denied. A non-empty allow list is exclusive: if no
// candidate appears in it the action is blocked. Empty candidates (actions
// that touch no token) pass through unchanged.
func ApplyTokenPolicy(base Evaluation, p *Policy, candidates ...string) Evaluation {
	tokens := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c = normalized(c); c != "" {
			tokens = append(tokens, c)
		}
	}
	if len(tokens) == 0 {
		return base
	}

	for _, tok := range tokens {
		if contains(p.DeniedTokens, tok) {
			base.block(fmt.Sprintf("token %s is denied by policy", tok))
			return base
		}
	}

	if len(p.AllowedTokens) > 0 {
		for _, tok := range tokens {
			if contains(p.AllowedTokens, tok) {
				return base
			}
		}
		base.block("token is not in the allow-list")
	}

	return base
}
