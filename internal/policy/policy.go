// Package policy provides per-session risk policies for on-chain actions.
//
// A policy bounds what the settlement pipeline will prepare on a user's
// behalf: USD spend limits, token and contract allow/deny lists, a slippage
// cap, and a verified-contract requirement. Policies are created lazily with
// safe defaults and mutated via partial updates.
package policy

import (
	"errors"
	"strings"
	"time"

	"github.com/q402/copilot/internal/validation"
)

// Errors
var (
	ErrPolicyNotFound  = errors.New("policy: not found")
	ErrSessionNotFound = errors.New("policy: session not found")
)

// SecurityLevel scales the default policy thresholds.
type SecurityLevel string

const (
	LevelStrict  SecurityLevel = "strict"
	LevelNormal  SecurityLevel = "normal"
	LevelRelaxed SecurityLevel = "relaxed"
	LevelCustom  SecurityLevel = "custom"
)

// ValidLevel reports whether s is a known security level.
func ValidLevel(s SecurityLevel) bool {
	switch s {
	case LevelStrict, LevelNormal, LevelRelaxed, LevelCustom:
		return true
	}
	return false
}

// Policy is a session's risk configuration. Nil USD limits mean unlimited.
// All list addresses are stored lower-cased; deny lists override allow lists
// for the same address.
type Policy struct {
	ID                       string        `json:"id"`
	SessionID                string        `json:"sessionId"`
	SecurityLevel            SecurityLevel `json:"securityLevel"`
	MaxPerTxUSD              *float64      `json:"maxPerTxUsd"`
	MaxDailyUSD              *float64      `json:"maxDailyUsd"`
	RequireVerifiedContracts bool          `json:"requireVerifiedContracts"`
	LargeTxThresholdPct      int           `json:"largeTransactionThresholdPct"`
	MaxSlippageBps           int           `json:"maxSlippageBps"`
	AllowedTokens            []string      `json:"allowedTokens"`
	DeniedTokens             []string      `json:"deniedTokens"`
	AllowedContracts         []string      `json:"allowedContracts"`
	DeniedContracts          []string      `json:"deniedContracts"`
	CreatedAt                time.Time     `json:"createdAt"`
	UpdatedAt                time.Time     `json:"updatedAt"`
}

// Preset threshold values per security level.
var presets = map[SecurityLevel]struct {
	maxPerTx    float64
	maxDaily    float64
	requireVer  bool
	largeTxPct  int
	slippageBps int
}{
	LevelStrict:  {200, 1000, true, 20, 100},
	LevelNormal:  {1000, 5000, false, 30, 300},
	LevelRelaxed: {5000, 25000, false, 50, 500},
}

// ApplyPreset overwrites the policy's thresholds with the preset for the
// given level. Custom keeps whatever thresholds are already set.
func (p *Policy) ApplyPreset(level SecurityLevel) {
	p.SecurityLevel = level
	preset, ok := presets[level]
	if !ok {
		return
	}
	maxPerTx, maxDaily := preset.maxPerTx, preset.maxDaily
	p.MaxPerTxUSD = &maxPerTx
	p.MaxDailyUSD = &maxDaily
	p.RequireVerifiedContracts = preset.requireVer
	p.LargeTxThresholdPct = preset.largeTxPct
	p.MaxSlippageBps = preset.slippageBps
}

// Default returns the NORMAL policy a session starts with.
func Default(sessionID string) *Policy {
	now := time.Now()
	p := &Policy{
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.ApplyPreset(LevelNormal)
	return p
}

// Normalize lower-cases and de-duplicates all list addresses in place.
func (p *Policy) Normalize() {
	p.AllowedTokens = normalizeList(p.AllowedTokens)
	p.DeniedTokens = normalizeList(p.DeniedTokens)
	p.AllowedContracts = normalizeList(p.AllowedContracts)
	p.DeniedContracts = normalizeList(p.DeniedContracts)
}

func normalizeList(addrs []string) []string {
	if addrs == nil {
		return nil
	}
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = validation.SanitizeAddress(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// contains reports whether addr (already lower-cased) is in the list.
func contains(list []string, addr string) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

// normalized returns addr lower-cased for comparison against policy lists.
func normalized(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// UpdateRequest is a partial policy update. Nil fields are left unchanged.
// A negative USD limit clears the limit to unlimited. Non-nil lists replace
// the stored list atomically; an empty list clears it.
type UpdateRequest struct {
	SecurityLevel            *SecurityLevel `json:"securityLevel"`
	MaxPerTxUSD              *float64       `json:"maxPerTxUsd"`
	MaxDailyUSD              *float64       `json:"maxDailyUsd"`
	RequireVerifiedContracts *bool          `json:"requireVerifiedContracts"`
	LargeTxThresholdPct      *int           `json:"largeTransactionThresholdPct"`
	MaxSlippageBps           *int           `json:"maxSlippageBps"`
	AllowedTokens            []string       `json:"allowedTokens"`
	DeniedTokens             []string       `json:"deniedTokens"`
	AllowedContracts         []string       `json:"allowedContracts"`
	DeniedContracts          []string       `json:"deniedContracts"`
}

// Apply merges the update into p. Setting a non-custom security level applies
// its preset first, then explicit threshold fields in the same request win.
func (u *UpdateRequest) Apply(p *Policy) {
	if u.SecurityLevel != nil {
		p.ApplyPreset(*u.SecurityLevel)
	}
	if u.MaxPerTxUSD != nil {
		p.MaxPerTxUSD = limitOrNil(*u.MaxPerTxUSD)
	}
	if u.MaxDailyUSD != nil {
		p.MaxDailyUSD = limitOrNil(*u.MaxDailyUSD)
	}
	if u.RequireVerifiedContracts != nil {
		p.RequireVerifiedContracts = *u.RequireVerifiedContracts
	}
	if u.LargeTxThresholdPct != nil {
		p.LargeTxThresholdPct = *u.LargeTxThresholdPct
	}
	if u.MaxSlippageBps != nil {
		p.MaxSlippageBps = *u.MaxSlippageBps
	}
	if u.AllowedTokens != nil {
		p.AllowedTokens = u.AllowedTokens
	}
	if u.DeniedTokens != nil {
		p.DeniedTokens = u.DeniedTokens
	}
	if u.AllowedContracts != nil {
		p.AllowedContracts = u.AllowedContracts
	}
	if u.DeniedContracts != nil {
		p.DeniedContracts = u.DeniedContracts
	}
	p.Normalize()
	p.UpdatedAt = time.Now()
}

// limitOrNil maps negative limits to nil (unlimited).
func limitOrNil(v float64) *float64 {
	if v < 0 {
		return nil
	}
	return &v
}

// Validate checks an update for out-of-range values.
func (u *UpdateRequest) Validate() error {
	if u.SecurityLevel != nil && !ValidLevel(*u.SecurityLevel) {
		return errors.New("securityLevel must be strict, normal, relaxed, or custom")
	}
	if u.LargeTxThresholdPct != nil && (*u.LargeTxThresholdPct < 0 || *u.LargeTxThresholdPct > 100) {
		return errors.New("largeTransactionThresholdPct must be 0-100")
	}
	if u.MaxSlippageBps != nil && (*u.MaxSlippageBps < 0 || *u.MaxSlippageBps > 10000) {
		return errors.New("maxSlippageBps must be 0-10000")
	}
	for _, list := range [][]string{u.AllowedTokens, u.DeniedTokens, u.AllowedContracts, u.DeniedContracts} {
		for _, a := range list {
			if !validation.IsValidEthAddress(validation.SanitizeAddress(a)) {
				return errors.New("list entries must be valid addresses: " + a)
			}
		}
	}
	return nil
}
