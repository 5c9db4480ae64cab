package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/q402/copilot/internal/activity"
	"github.com/q402/copilot/internal/logging"
	"github.com/q402/copilot/internal/metrics"
)

// Health statuses.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthCheck is one subsystem's verdict.
type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // ok | warn | fail
	Message string `json:"message,omitempty"`
}

// HealthReport aggregates per-network checks. Any failing check makes the
// service unhealthy; warnings alone degrade it.
type HealthReport struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    int64         `json:"uptime"`
	Checks    []HealthCheck `json:"checks"`
}

// Health checks RPC reachability, facilitator key presence and wallet
// balance on every configured network.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    HealthHealthy,
		Timestamp: time.Now().UTC(),
		Version:   s.opts.Version,
		Uptime:    int64(time.Since(s.startedAt).Seconds()),
	}

	add := func(c HealthCheck) {
		report.Checks = append(report.Checks, c)
		switch c.Status {
		case "fail":
			report.Status = HealthUnhealthy
		case "warn":
			if report.Status == HealthHealthy {
				report.Status = HealthDegraded
			}
		}
	}

	for _, name := range s.chains.Networks() {
		client, err := s.chains.Get(name)
		if err != nil {
			add(HealthCheck{Name: "network:" + name, Status: "fail", Message: err.Error()})
			continue
		}

		net := s.networks[name]
		if net.ImplementationContract == "" {
			add(HealthCheck{Name: "contract:" + name, Status: "fail", Message: "implementation contract not configured"})
		} else {
			add(HealthCheck{Name: "contract:" + name, Status: "ok"})
		}

		if err := client.Ping(ctx); err != nil {
			add(HealthCheck{Name: "rpc:" + name, Status: "fail", Message: err.Error()})
			continue
		}
		add(HealthCheck{Name: "rpc:" + name, Status: "ok"})

		if !client.CanSettle() {
			add(HealthCheck{Name: "facilitator:" + name, Status: "warn", Message: "no facilitator key; verify-only mode"})
			continue
		}

		balance, err := client.NativeBalance(ctx)
		if err != nil {
			add(HealthCheck{Name: "balance:" + name, Status: "fail", Message: err.Error()})
			continue
		}
		weiFloat, _ := new(big.Float).SetInt(balance).Float64()
		metrics.FacilitatorBalanceWei.WithLabelValues(name).Set(weiFloat)

		switch {
		case balance.Sign() <= 0:
			add(HealthCheck{Name: "balance:" + name, Status: "fail", Message: "facilitator wallet is empty"})
		case s.opts.LowBalanceWei != nil && balance.Cmp(s.opts.LowBalanceWei) < 0:
			add(HealthCheck{Name: "balance:" + name, Status: "warn",
				Message: fmt.Sprintf("balance %s wei below threshold %s wei", balance, s.opts.LowBalanceWei)})
		default:
			add(HealthCheck{Name: "balance:" + name, Status: "ok"})
		}
	}

	return report
}

// Stats reports process counters plus stored request totals by status.
type Stats struct {
	Prepared int64            `json:"prepared"`
	Verified int64            `json:"verified"`
	Rejected int64            `json:"rejected"`
	Executed int64            `json:"executed"`
	Failed   int64            `json:"failed"`
	Expired  int64            `json:"expired"`
	Requests map[string]int64 `json:"requests"`
	Uptime   int64            `json:"uptime"`
}

// Stats exposes facilitator counters for observability.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.requests.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("facilitator: count requests: %w", err)
	}
	return Stats{
		Prepared: s.prepared.Load(),
		Verified: s.verified.Load(),
		Rejected: s.rejected.Load(),
		Executed: s.executed.Load(),
		Failed:   s.failed.Load(),
		Expired:  s.expired.Load(),
		Requests: counts,
		Uptime:   int64(time.Since(s.startedAt).Seconds()),
	}, nil
}

// SupportedToken describes an ERC-20 a network settles.
type SupportedToken struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Name     string `json:"name"`
}

// SupportedNetwork is the capability listing for one network.
type SupportedNetwork struct {
	Network                string           `json:"network"`
	ChainID                int64            `json:"chainId"`
	RPCURL                 string           `json:"rpcUrl"`
	ExplorerURL            string           `json:"explorerUrl"`
	ImplementationContract string           `json:"implementationContract"`
	VerifyingContract      string           `json:"verifyingContract"`
	BatchExecutorContract  string           `json:"batchExecutorContract,omitempty"`
	Tokens                 []SupportedToken `json:"tokens"`
}

// Supported lists configured networks, contracts and tokens so clients can
// avoid building invalid requests.
func (s *Service) Supported() []SupportedNetwork {
	out := make([]SupportedNetwork, 0, len(s.opts.Networks))
	for _, n := range s.opts.Networks {
		sn := SupportedNetwork{
			Network:                n.Name,
			ChainID:                n.ChainID,
			RPCURL:                 n.RPCURL,
			ExplorerURL:            n.ExplorerURL,
			ImplementationContract: n.ImplementationContract,
			VerifyingContract:      n.ImplementationContract,
			BatchExecutorContract:  n.BatchExecutorContract,
			Tokens:                 make([]SupportedToken, 0, len(n.Tokens)),
		}
		for _, t := range n.Tokens {
			sn.Tokens = append(sn.Tokens, SupportedToken(t))
		}
		out = append(out, sn)
	}
	return out
}

// StartExpirySweeper transitions overdue pending requests to expired on a
// fixed interval until the context is cancelled.
func (s *Service) StartExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepExpired(ctx)
			}
		}
	}()
}

func (s *Service) sweepExpired(ctx context.Context) {
	expired, err := s.requests.ExpirePending(ctx, time.Now())
	if err != nil {
		logging.L(ctx).Error("expiry sweep failed", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	s.expired.Add(int64(len(expired)))
	metrics.SettlementsTotal.WithLabelValues("expired").Add(float64(len(expired)))
	logging.L(ctx).Info("expired pending requests", "count", len(expired))

	for _, ref := range expired {
		s.appendActivity(ctx, activity.Entry{
			SessionID: ref.SessionID,
			RequestID: ref.ID,
			Type:      activity.TypeSettlement,
			Status:    activity.StatusExpired,
		})
		s.publish(EventExpired, ref.SessionID, map[string]any{"requestId": ref.ID})
	}
}
