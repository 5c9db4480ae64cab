package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/q402/copilot/internal/activity"
	"github.com/q402/copilot/internal/chain"
	"github.com/q402/copilot/internal/logging"
	"github.com/q402/copilot/internal/metrics"
	"github.com/q402/copilot/internal/witness"
)

// ConfirmTimeout bounds how long execute waits for a receipt.
const ConfirmTimeout = 90 * time.Second

// ExecuteRequest is the input to Execute.
type ExecuteRequest struct {
	RequestID string `json:"requestId"`
	Signature string `json:"signature"`
}

// ExecuteResult is the on-chain outcome of a settlement.
type ExecuteResult struct {
	RequestID   string `json:"requestId"`
	Status      string `json:"status"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
	ExplorerURL string `json:"explorerUrl,omitempty"`
}

// Execute settles a prepared request on chain. The witness is re-verified,
// batch operations are pre-checked against the router/target whitelists
// all-or-nothing, and the sponsored gas budget is enforced before the
// facilitator pays for anything. The contract repeats the signature,
// deadline and nonce checks atomically; this path is the optimistic mirror.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.RequestID == "" {
		return nil, fmt.Errorf("%w: requestId is required", ErrValidation)
	}
	if req.Signature == "" {
		return nil, fmt.Errorf("%w: signature is required", ErrValidation)
	}

	pr, err := s.requests.Get(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if pr.Status != StatusPending && pr.Status != StatusSigned {
		return nil, fmt.Errorf("%w: status is %s", ErrRequestNotPending, pr.Status)
	}

	net, err := s.resolveNetwork(pr.Network)
	if err != nil {
		return nil, err
	}

	verdict, err := s.verifyWitness(ctx, net.ChainID, s.verifyingContract(net, pr.Kind), pr, req.Signature, pr.Owner)
	if err != nil {
		return nil, err
	}
	if !verdict.Valid {
		s.reject(ctx, pr, verdict.Reason)
		return nil, &VerificationFailure{Reason: verdict.Reason}
	}

	// Whitelist pre-check is all-or-nothing: one bad operation rejects the
	// whole batch before anything is submitted.
	if pr.Kind == KindBatch {
		if reason, ok := s.checkBatchWhitelists(net.Name, pr.Batch); !ok {
			s.reject(ctx, pr, reason)
			return nil, &VerificationFailure{Reason: reason}
		}
	}

	client, err := s.chains.Get(net.Name)
	if err != nil {
		return nil, err
	}
	if !client.CanSettle() {
		return nil, ErrExecutionDisabled
	}

	if err := s.checkSponsorBudget(ctx, pr.Owner); err != nil {
		return nil, err
	}

	if err := s.requests.SetStatus(ctx, pr.ID, StatusSigned, ""); err != nil {
		return nil, fmt.Errorf("facilitator: mark signed: %w", err)
	}

	var submitted *chain.SettleResult
	if pr.Kind == KindBatch {
		submitted, err = client.SubmitBatch(ctx, *pr.Batch, req.Signature)
	} else {
		submitted, err = client.SubmitSettlement(ctx, *pr.Payment, req.Signature)
	}
	if err != nil {
		s.fail(ctx, pr, "", err)
		return nil, err
	}

	confirmed, err := client.WaitForConfirmation(ctx, submitted.TxHash, ConfirmTimeout)
	if err != nil {
		s.fail(ctx, pr, submitted.TxHash, err)
		return nil, err
	}
	if confirmed.GasPriceWei == nil {
		confirmed.GasPriceWei = submitted.GasPriceWei
	}

	return s.finalize(ctx, pr, net.ExplorerURL, confirmed)
}

// finalize records a confirmed settlement: consumption, spend counters,
// metrics, activity and the executed event.
func (s *Service) finalize(ctx context.Context, pr *PreparedRequest, explorerURL string, confirmed *chain.SettleResult) (*ExecuteResult, error) {
	if err := s.requests.SetStatus(ctx, pr.ID, StatusExecuted, confirmed.TxHash); err != nil {
		return nil, fmt.Errorf("facilitator: mark executed: %w", err)
	}

	owner := strings.ToLower(pr.Owner)
	contract := ""
	if net, ok := s.networks[pr.Network]; ok {
		contract = s.verifyingContract(net, pr.Kind)
	}
	if err := s.nonces.MarkConsumed(ctx, owner, contract, pr.Nonce(), pr.PaymentID()); err != nil {
		logging.L(ctx).Warn("nonce consumption record failed", "request", pr.ID, "error", err)
	}

	if pr.ValueUSD > 0 {
		if err := s.spend.AddUSD(ctx, owner, pr.ValueUSD); err != nil {
			logging.L(ctx).Warn("daily spend update failed", "signer", owner, "error", err)
		}
	}
	sponsored := confirmed.SponsoredWei()
	if sponsored.Sign() > 0 {
		if err := s.spend.AddGasWei(ctx, owner, sponsored); err != nil {
			logging.L(ctx).Warn("sponsored gas update failed", "signer", owner, "error", err)
		}
		wei, _ := new(big.Float).SetInt(sponsored).Float64()
		metrics.SponsoredGasWei.WithLabelValues(pr.Network).Add(wei)
	}

	s.executed.Add(1)
	metrics.SettlementsTotal.WithLabelValues("executed").Inc()
	metrics.SettlementDuration.Observe(time.Since(pr.CreatedAt).Seconds())

	s.appendActivity(ctx, activity.Entry{
		SessionID: pr.SessionID,
		RequestID: pr.ID,
		Type:      activity.TypeSettlement,
		Status:    activity.StatusExecuted,
		Network:   pr.Network,
		TxHash:    confirmed.TxHash,
		ValueUSD:  pr.ValueUSD,
	})
	s.publish(EventExecuted, pr.SessionID, map[string]any{
		"requestId": pr.ID,
		"txHash":    confirmed.TxHash,
		"network":   pr.Network,
		"valueUsd":  pr.ValueUSD,
	})

	result := &ExecuteResult{
		RequestID:   pr.ID,
		Status:      StatusExecuted,
		TxHash:      confirmed.TxHash,
		BlockNumber: confirmed.BlockNumber,
		GasUsed:     confirmed.GasUsed,
	}
	if explorerURL != "" {
		result.ExplorerURL = explorerURL + "/tx/" + confirmed.TxHash
	}
	return result, nil
}

// checkBatchWhitelists mirrors the contract's router/target whitelist. An
// empty whitelist leaves enforcement to the contract alone.
func (s *Service) checkBatchWhitelists(network string, b *witness.Batch) (string, bool) {
	routers := s.routerWL[network]
	targets := s.targetWL[network]

	for i, op := range b.Operations {
		target := strings.ToLower(op.Target)
		switch op.Kind {
		case witness.OpSwap:
			if len(routers) > 0 && !routers[target] {
				return fmt.Sprintf("operation %d: router %s is not whitelisted", i, target), false
			}
		case witness.OpCall:
			if len(targets) > 0 && !targets[target] {
				return fmt.Sprintf("operation %d: target %s is not whitelisted", i, target), false
			}
		}
	}
	return "", true
}

// checkSponsorBudget enforces the per-signer daily sponsored gas cap.
func (s *Service) checkSponsorBudget(ctx context.Context, owner string) error {
	if s.opts.SponsorDailyGasWei == nil || s.opts.SponsorDailyGasWei.Sign() <= 0 {
		return nil
	}
	spent, err := s.spend.GasTodayWei(ctx, strings.ToLower(owner))
	if err != nil {
		return fmt.Errorf("facilitator: sponsored gas lookup: %w", err)
	}
	if spent.Cmp(s.opts.SponsorDailyGasWei) >= 0 {
		return ErrSponsorBudget
	}
	return nil
}

func (s *Service) reject(ctx context.Context, pr *PreparedRequest, reason string) {
	if err := s.requests.SetStatus(ctx, pr.ID, StatusRejected, ""); err != nil {
		logging.L(ctx).Warn("request reject transition failed", "request", pr.ID, "error", err)
	}
	s.rejected.Add(1)
	metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
	s.appendActivity(ctx, activity.Entry{
		SessionID: pr.SessionID,
		RequestID: pr.ID,
		Type:      activity.TypeSettlement,
		Status:    activity.StatusRejected,
		Network:   pr.Network,
		Detail:    reason,
	})
}

func (s *Service) fail(ctx context.Context, pr *PreparedRequest, txHash string, cause error) {
	if err := s.requests.SetStatus(ctx, pr.ID, StatusFailed, txHash); err != nil {
		logging.L(ctx).Warn("request fail transition failed", "request", pr.ID, "error", err)
	}
	s.failed.Add(1)
	metrics.SettlementsTotal.WithLabelValues("failed").Inc()
	s.appendActivity(ctx, activity.Entry{
		SessionID: pr.SessionID,
		RequestID: pr.ID,
		Type:      activity.TypeSettlement,
		Status:    activity.StatusFailed,
		Network:   pr.Network,
		TxHash:    txHash,
		Detail:    cause.Error(),
	})
	s.publish(EventFailed, pr.SessionID, map[string]any{
		"requestId": pr.ID,
		"txHash":    txHash,
		"error":     cause.Error(),
	})
}
