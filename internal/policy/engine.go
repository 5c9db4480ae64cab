package policy

import "fmt"

// RiskLevel classifies the severity of an evaluation outcome.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskBlocked RiskLevel = "blocked"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskBlocked:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// maxRisk returns the more severe of two risk levels.
func maxRisk(a, b RiskLevel) RiskLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ActionType identifies the kind of on-chain action being evaluated.
type ActionType string

const (
	ActionTransfer     ActionType = "transfer"
	ActionSwap         ActionType = "swap"
	ActionContractCall ActionType = "contract_call"
	ActionDeploy       ActionType = "contract_deploy"
)

// Action is the intent under evaluation. The engine is pure: the caller
// resolves everything it needs up front, including whether the target
// contract is verified and how much the signer has already spent today.
type Action struct {
	Type            ActionType `json:"type"`
	TokenAddress    string     `json:"tokenAddress,omitempty"`
	TokenInAddress  string     `json:"tokenInAddress,omitempty"`
	TokenOutAddress string     `json:"tokenOutAddress,omitempty"`
	TargetAddress   string     `json:"targetAddress,omitempty"`
	Amount          string     `json:"amount,omitempty"`
	SlippageBps     int        `json:"slippageBps,omitempty"`
	ValueUSD        float64    `json:"valueUsd,omitempty"`
	TargetVerified  bool       `json:"targetVerified,omitempty"`
}

// Warning is a non-blocking evaluation note.
type Warning struct {
	Message  string    `json:"message"`
	Severity RiskLevel `json:"severity"`
}

// Evaluation is the outcome of a policy check. Allowed is false exactly when
// at least one blocking reason fired; RiskLevel reflects the worst finding.
type Evaluation struct {
	Allowed   bool      `json:"allowed"`
	RiskLevel RiskLevel `json:"riskLevel"`
	Reasons   []string  `json:"reasons"`
	Warnings  []Warning `json:"warnings"`
}

func (e *Evaluation) block(reason string) {
	e.Allowed = false
	e.RiskLevel = RiskBlocked
	e.Reasons = append(e.Reasons, reason)
}

func (e *Evaluation) warn(message string, severity RiskLevel) {
	e.Warnings = append(e.Warnings, Warning{Message: message, Severity: severity})
	if e.RiskLevel != RiskBlocked {
		e.RiskLevel = maxRisk(e.RiskLevel, severity)
	}
}

// Evaluate checks an action against a policy. spentTodayUSD is the signer's
// running total for the current UTC day, supplied by the caller. Evaluate has
// no side effects; identical inputs always produce identical output.
func Evaluate(p *Policy, a Action, spentTodayUSD float64) Evaluation {
	eval := Evaluation{Allowed: true, RiskLevel: RiskLow}

	target := normalized(a.TargetAddress)

	// Denied contract list wins over everything else.
	if target != "" && contains(p.DeniedContracts, target) {
		eval.block(fmt.Sprintf("target contract %s is denied by policy", target))
	}

	// A non-empty contract allow-list is exclusive.
	if target != "" && len(p.AllowedContracts) > 0 && !contains(p.AllowedContracts, target) {
		eval.block(fmt.Sprintf("target contract %s is not in the allow-list", target))
	}

	if p.RequireVerifiedContracts && target != "" && !a.TargetVerified {
		eval.block("policy requires verified contracts and the target is not verified")
	}

	if a.SlippageBps > p.MaxSlippageBps {
		eval.block(fmt.Sprintf("slippage %d bps exceeds the %d bps cap", a.SlippageBps, p.MaxSlippageBps))
	}

	if p.MaxPerTxUSD != nil && a.ValueUSD > *p.MaxPerTxUSD {
		eval.block(fmt.Sprintf("value $%.2f exceeds the per-transaction limit of $%.2f", a.ValueUSD, *p.MaxPerTxUSD))
	}

	if p.MaxDailyUSD != nil && spentTodayUSD+a.ValueUSD > *p.MaxDailyUSD {
		eval.block(fmt.Sprintf("value $%.2f would exceed the daily limit of $%.2f ($%.2f already spent)",
			a.ValueUSD, *p.MaxDailyUSD, spentTodayUSD))
	}

	// Large transactions are flagged but not blocked.
	if p.MaxDailyUSD != nil && p.LargeTxThresholdPct > 0 {
		threshold := *p.MaxDailyUSD * float64(p.LargeTxThresholdPct) / 100
		if a.ValueUSD > threshold {
			eval.warn(fmt.Sprintf("value $%.2f is above %d%% of the daily limit", a.ValueUSD, p.LargeTxThresholdPct), RiskMedium)
		}
	}

	return eval
}
