// Package facilitator prepares, verifies and settles gas-sponsored EIP-712
// payment witnesses. Prepare runs the policy engine and issues typed data;
// verify is an advisory dry-run of the contract's own checks; execute
// submits the witness on chain with the facilitator paying gas.
package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/q402/copilot/internal/activity"
	"github.com/q402/copilot/internal/chain"
	"github.com/q402/copilot/internal/config"
	"github.com/q402/copilot/internal/idgen"
	"github.com/q402/copilot/internal/logging"
	"github.com/q402/copilot/internal/metrics"
	"github.com/q402/copilot/internal/policy"
	"github.com/q402/copilot/internal/spend"
	"github.com/q402/copilot/internal/syncutil"
	"github.com/q402/copilot/internal/validation"
	"github.com/q402/copilot/internal/witness"
)

// Settlement lifecycle events published to subscribers.
const (
	EventPrepared = "settlement.prepared"
	EventExecuted = "settlement.executed"
	EventFailed   = "settlement.failed"
	EventExpired  = "settlement.expired"
)

// Notifier publishes settlement lifecycle events. A nil notifier disables
// publishing.
type Notifier interface {
	Publish(eventType, sessionID string, payload any)
}

// Options configures the service.
type Options struct {
	TTL                time.Duration
	SponsorDailyGasWei *big.Int
	LowBalanceWei      *big.Int
	Version            string
	Networks           []config.NetworkConfig
}

// Service implements the facilitator pipeline. All stores are injected;
// the chain registry is constructed once at startup and shared.
type Service struct {
	policies policy.Store
	spend    spend.Store
	nonces   NonceStore
	requests RequestStore
	chains   *chain.Registry
	log      activity.Store
	notifier Notifier
	opts     Options

	networks map[string]config.NetworkConfig
	routerWL map[string]map[string]bool
	targetWL map[string]map[string]bool

	locks     syncutil.ShardedMutex
	startedAt time.Time

	prepared atomic.Int64
	verified atomic.Int64
	rejected atomic.Int64
	executed atomic.Int64
	failed   atomic.Int64
	expired  atomic.Int64
}

// NewService wires the facilitator together.
func NewService(
	policies policy.Store,
	spendStore spend.Store,
	nonces NonceStore,
	requests RequestStore,
	chains *chain.Registry,
	log activity.Store,
	notifier Notifier,
	opts Options,
) *Service {
	if opts.TTL <= 0 {
		opts.TTL = config.DefaultPrepareTTL
	}

	s := &Service{
		policies:  policies,
		spend:     spendStore,
		nonces:    nonces,
		requests:  requests,
		chains:    chains,
		log:       log,
		notifier:  notifier,
		opts:      opts,
		networks:  make(map[string]config.NetworkConfig, len(opts.Networks)),
		routerWL:  make(map[string]map[string]bool, len(opts.Networks)),
		targetWL:  make(map[string]map[string]bool, len(opts.Networks)),
		startedAt: time.Now(),
	}
	for _, n := range opts.Networks {
		s.networks[n.Name] = n
		s.routerWL[n.Name] = toSet(n.RouterWhitelist)
		s.targetWL[n.Name] = toSet(n.TargetWhitelist)
	}
	return s
}

func toSet(addrs []string) map[string]bool {
	set := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		set[strings.ToLower(a)] = true
	}
	return set
}

// Intent is the parsed action a client wants settled. Non-batch intents
// carry the policy action fields directly; a non-empty Operations list makes
// the intent a batch.
type Intent struct {
	policy.Action
	To         string              `json:"to,omitempty"`
	Data       string              `json:"data,omitempty"`
	Operations []witness.Operation `json:"operations,omitempty"`
}

// IsBatch reports whether the intent settles through the batch executor.
func (i Intent) IsBatch() bool {
	return len(i.Operations) > 0 || i.Type == policy.ActionSwap || i.Type == policy.ActionContractCall
}

// Validate rejects malformed intents before any policy work happens.
func (i Intent) Validate() error {
	if len(i.Operations) > 0 {
		for idx, op := range i.Operations {
			if op.Kind > witness.OpCall {
				return fmt.Errorf("%w: operations[%d]: unknown kind %d", ErrValidation, idx, op.Kind)
			}
		}
		if i.ValueUSD < 0 {
			return fmt.Errorf("%w: valueUsd must not be negative", ErrValidation)
		}
		return nil
	}

	switch i.Type {
	case policy.ActionTransfer:
		if !validation.IsValidEthAddress(i.TokenAddress) {
			return fmt.Errorf("%w: tokenAddress must be a valid address", ErrValidation)
		}
		if !validation.IsValidEthAddress(i.To) {
			return fmt.Errorf("%w: to must be a valid address", ErrValidation)
		}
	case policy.ActionSwap:
		if !validation.IsValidEthAddress(i.TokenInAddress) || !validation.IsValidEthAddress(i.TokenOutAddress) {
			return fmt.Errorf("%w: swap requires tokenInAddress and tokenOutAddress", ErrValidation)
		}
		if !validation.IsValidEthAddress(i.TargetAddress) {
			return fmt.Errorf("%w: swap requires a router targetAddress", ErrValidation)
		}
	case policy.ActionContractCall:
		if !validation.IsValidEthAddress(i.TargetAddress) {
			return fmt.Errorf("%w: contract call requires targetAddress", ErrValidation)
		}
		if i.Data != "" && !validation.IsValidHex(i.Data) {
			return fmt.Errorf("%w: data must be hex", ErrValidation)
		}
	case policy.ActionDeploy:
		return fmt.Errorf("%w: contract deployment cannot be settled through the facilitator", ErrValidation)
	default:
		return fmt.Errorf("%w: unknown intent type %q", ErrValidation, i.Type)
	}

	if i.Amount == "" {
		return fmt.Errorf("%w: amount is required", ErrValidation)
	}
	if i.ValueUSD < 0 {
		return fmt.Errorf("%w: valueUsd must not be negative", ErrValidation)
	}
	return nil
}

// tokenCandidates lists every token address the intent touches, for the
// token allow/deny enforcement.
func (i Intent) tokenCandidates() []string {
	var out []string
	for _, a := range []string{i.TokenAddress, i.TokenInAddress, i.TokenOutAddress} {
		if a != "" {
			out = append(out, a)
		}
	}
	for _, op := range i.Operations {
		if op.Token != "" {
			out = append(out, op.Token)
		}
	}
	return out
}

// PrepareRequest is the input to Prepare.
type PrepareRequest struct {
	SessionID string `json:"sessionId"`
	Network   string `json:"networkId,omitempty"`
	Signer    string `json:"signerAddress"`
	Intent    Intent `json:"intent"`
}

// PrepareResult is the successful output of Prepare.
type PrepareResult struct {
	RequestID string             `json:"requestId"`
	TypedData apitypes.TypedData `json:"typedData"`
	ExpiresAt time.Time          `json:"expiresAt"`
	RiskLevel policy.RiskLevel   `json:"riskLevel"`
	Warnings  []policy.Warning   `json:"warnings,omitempty"`
}

// verifyingContract picks the EIP-712 verifying contract for a witness
// kind. Batches bind to the batch executor when one is deployed: the
// executor recovers the signature against its own domainSeparator, so the
// typed data and nonce accounting must use its address.
func (s *Service) verifyingContract(net config.NetworkConfig, kind string) string {
	if kind == KindBatch && net.BatchExecutorContract != "" {
		return net.BatchExecutorContract
	}
	return net.ImplementationContract
}

// resolveNetwork returns the network config, defaulting to the single
// configured network when the request leaves it blank.
func (s *Service) resolveNetwork(name string) (config.NetworkConfig, error) {
	if name == "" && len(s.opts.Networks) == 1 {
		return s.opts.Networks[0], nil
	}
	n, ok := s.networks[name]
	if !ok {
		return config.NetworkConfig{}, fmt.Errorf("%w: unknown network %q", ErrValidation, name)
	}
	return n, nil
}

// Prepare evaluates the intent against the session policy and, when
// allowed, issues a signed-data request with a fresh nonce and payment ID.
func (s *Service) Prepare(ctx context.Context, req PrepareRequest) (*PrepareResult, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrValidation)
	}
	signer := validation.SanitizeAddress(req.Signer)
	if !validation.IsValidEthAddress(signer) {
		return nil, fmt.Errorf("%w: signerAddress must be a valid address", ErrValidation)
	}
	if err := req.Intent.Validate(); err != nil {
		return nil, err
	}

	net, err := s.resolveNetwork(req.Network)
	if err != nil {
		return nil, err
	}
	if net.ImplementationContract == "" {
		return nil, fmt.Errorf("%w: network %s has no implementation contract configured", ErrValidation, net.Name)
	}

	pol, err := s.policies.GetOrCreate(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("facilitator: load policy: %w", err)
	}
	spent, err := s.spend.SpentTodayUSD(ctx, signer)
	if err != nil {
		return nil, fmt.Errorf("facilitator: load daily spend: %w", err)
	}

	eval := policy.Evaluate(pol, req.Intent.Action, spent)
	eval = policy.ApplyTokenPolicy(eval, pol, req.Intent.tokenCandidates()...)

	if !eval.Allowed {
		metrics.PolicyDecisionsTotal.WithLabelValues("blocked").Inc()
		s.rejected.Add(1)
		s.appendActivity(ctx, activity.Entry{
			SessionID: req.SessionID,
			Type:      activity.TypePrepare,
			Status:    activity.StatusBlocked,
			Network:   net.Name,
			ValueUSD:  req.Intent.ValueUSD,
			Detail:    strings.Join(eval.Reasons, "; "),
		})
		return nil, &PolicyRejection{Decision: eval}
	}
	metrics.PolicyDecisionsTotal.WithLabelValues("allowed").Inc()

	kind := KindPayment
	if req.Intent.IsBatch() {
		kind = KindBatch
	}
	vc := s.verifyingContract(net, kind)

	// Nonce issuance for one owner+contract pair must never race.
	unlock := s.locks.Lock(signer + "|" + vc)
	nonce, err := s.nonces.NextNonce(ctx, signer, vc)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("facilitator: allocate nonce: %w", err)
	}

	deadline := time.Now().Add(s.opts.TTL)
	paymentID := idgen.Bytes32()

	pr := &PreparedRequest{
		ID:        idgen.WithPrefix("req_"),
		SessionID: req.SessionID,
		Network:   net.Name,
		Owner:     signer,
		ValueUSD:  req.Intent.ValueUSD,
		Status:    StatusPending,
		ExpiresAt: deadline,
		CreatedAt: time.Now().UTC(),
	}

	if kind == KindBatch {
		b := s.buildBatch(req.Intent, signer, deadline.Unix(), paymentID, nonce)
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		pr.Kind = KindBatch
		pr.Batch = &b
	} else {
		p := witness.Payment{
			Owner:     signer,
			Token:     strings.ToLower(req.Intent.TokenAddress),
			Amount:    req.Intent.Amount,
			To:        strings.ToLower(req.Intent.To),
			Deadline:  deadline.Unix(),
			PaymentID: paymentID,
			Nonce:     nonce,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		pr.Kind = KindPayment
		pr.Payment = &p
	}

	if err := s.requests.Save(ctx, pr); err != nil {
		return nil, fmt.Errorf("facilitator: persist request: %w", err)
	}

	td, err := pr.TypedData(net.ChainID, vc)
	if err != nil {
		return nil, err
	}

	s.prepared.Add(1)
	metrics.RequestsPreparedTotal.Inc()

	s.appendActivity(ctx, activity.Entry{
		SessionID: req.SessionID,
		RequestID: pr.ID,
		Type:      activity.TypePrepare,
		Status:    activity.StatusPending,
		Network:   net.Name,
		ValueUSD:  req.Intent.ValueUSD,
	})
	s.publish(EventPrepared, req.SessionID, map[string]any{
		"requestId": pr.ID,
		"network":   net.Name,
		"valueUsd":  req.Intent.ValueUSD,
		"expiresAt": pr.ExpiresAt,
	})

	return &PrepareResult{
		RequestID: pr.ID,
		TypedData: td,
		ExpiresAt: pr.ExpiresAt,
		RiskLevel: eval.RiskLevel,
		Warnings:  eval.Warnings,
	}, nil
}

// buildBatch converts a non-transfer intent (or explicit operation list)
// into a batch witness.
func (s *Service) buildBatch(in Intent, signer string, deadline int64, paymentID string, nonce uint64) witness.Batch {
	ops := in.Operations
	if len(ops) == 0 {
		switch in.Type {
		case policy.ActionSwap:
			ops = []witness.Operation{{
				Kind:   witness.OpSwap,
				Token:  strings.ToLower(in.TokenInAddress),
				Target: strings.ToLower(in.TargetAddress),
				Amount: in.Amount,
			}}
		case policy.ActionContractCall:
			token := in.TokenAddress
			if token == "" {
				token = "0x0000000000000000000000000000000000000000"
			}
			ops = []witness.Operation{{
				Kind:   witness.OpCall,
				Token:  strings.ToLower(token),
				Target: strings.ToLower(in.TargetAddress),
				Amount: in.Amount,
				Data:   in.Data,
			}}
		}
	} else {
		normalized := make([]witness.Operation, len(ops))
		for i, op := range ops {
			op.Token = strings.ToLower(op.Token)
			op.Target = strings.ToLower(op.Target)
			normalized[i] = op
		}
		ops = normalized
	}

	return witness.Batch{
		Owner:      signer,
		Operations: ops,
		Deadline:   deadline,
		PaymentID:  paymentID,
		Nonce:      nonce,
	}
}

func (s *Service) appendActivity(ctx context.Context, e activity.Entry) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(ctx, e); err != nil {
		logging.L(ctx).Warn("activity append failed", "session", e.SessionID, "error", err)
	}
}

func (s *Service) publish(eventType, sessionID string, payload any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(eventType, sessionID, payload)
}
