package facilitator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/q402/copilot/internal/metrics"
	"github.com/q402/copilot/internal/validation"
	"github.com/q402/copilot/internal/witness"
)

// Verify failure reasons. These are advisory results, not errors; the
// contract re-runs the same checks at execution time.
const (
	ReasonSignatureMismatch = "signature mismatch"
	ReasonExpired           = "witness deadline expired"
	ReasonNonceReused       = "nonce already consumed"
	ReasonPaymentSettled    = "payment already settled"
	ReasonMalformed         = "malformed witness"
)

// VerifyRequest is the input to Verify. Witness is the typed-data message
// the client signed; when it is omitted and a requestId is given, the
// stored prepared request supplies the witness.
type VerifyRequest struct {
	Network   string          `json:"networkId"`
	RequestID string          `json:"requestId,omitempty"`
	Witness   json.RawMessage `json:"witness,omitempty"`
	Signature string          `json:"signature"`
	Signer    string          `json:"signerAddress"`
}

// VerifyResult reports whether the witness would settle. Invalid witnesses
// are expected client-retry cases, not exceptions.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func invalid(reason string) VerifyResult {
	metrics.VerificationsTotal.WithLabelValues("invalid").Inc()
	return VerifyResult{Valid: false, Reason: reason}
}

// flexUint64 decodes a JSON number, decimal string or 0x-hex string. The
// typed-data message prepare returns encodes uint256 fields as strings, and
// verify must accept that message back exactly as signed.
type flexUint64 uint64

func (v *flexUint64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	base, digits := 10, s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base, digits = 16, s[2:]
	}
	n, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return fmt.Errorf("invalid unsigned integer %q", s)
	}
	*v = flexUint64(n)
	return nil
}

type flexInt64 int64

func (v *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	base, digits := 10, s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base, digits = 16, s[2:]
	}
	n, err := strconv.ParseInt(digits, base, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q", s)
	}
	*v = flexInt64(n)
	return nil
}

type wireOperation struct {
	Kind   flexUint64 `json:"kind"`
	Token  string     `json:"token"`
	Target string     `json:"target"`
	Amount string     `json:"amount"`
	Data   string     `json:"data"`
}

type wireWitness struct {
	Owner      string          `json:"owner"`
	Token      string          `json:"token"`
	Amount     string          `json:"amount"`
	To         string          `json:"to"`
	Operations []wireOperation `json:"operations"`
	Deadline   flexInt64       `json:"deadline"`
	PaymentID  string          `json:"paymentId"`
	Nonce      flexUint64      `json:"nonce"`
}

// parseWitness decodes the raw witness into a payment or batch. A message
// carrying an operations array is a batch. Integer fields arrive as numbers
// or as the string encoding of the typed-data message.
func parseWitness(raw json.RawMessage) (*witness.Payment, *witness.Batch, error) {
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("%w: witness is required", ErrValidation)
	}

	var w wireWitness
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if len(w.Operations) > 0 {
		ops := make([]witness.Operation, len(w.Operations))
		for i, op := range w.Operations {
			if op.Kind > 255 {
				return nil, nil, fmt.Errorf("%w: operations[%d]: kind %d out of range", ErrValidation, i, op.Kind)
			}
			data := op.Data
			if data == "0x" { // typed-data encoding of empty calldata
				data = ""
			}
			ops[i] = witness.Operation{
				Kind:   uint8(op.Kind),
				Token:  op.Token,
				Target: op.Target,
				Amount: op.Amount,
				Data:   data,
			}
		}
		return nil, &witness.Batch{
			Owner:      w.Owner,
			Operations: ops,
			Deadline:   int64(w.Deadline),
			PaymentID:  w.PaymentID,
			Nonce:      uint64(w.Nonce),
		}, nil
	}

	return &witness.Payment{
		Owner:     w.Owner,
		Token:     w.Token,
		Amount:    w.Amount,
		To:        w.To,
		Deadline:  int64(w.Deadline),
		PaymentID: w.PaymentID,
		Nonce:     uint64(w.Nonce),
	}, nil, nil
}

// Verify dry-runs the contract's checks against the submitted witness:
// signature recovery, deadline, nonce and payment ID freshness. It never
// marks anything consumed; on-chain execution is the source of truth.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	signer := validation.SanitizeAddress(req.Signer)
	if !validation.IsValidEthAddress(signer) {
		return VerifyResult{}, fmt.Errorf("%w: signerAddress must be a valid address", ErrValidation)
	}
	if req.Signature == "" {
		return VerifyResult{}, fmt.Errorf("%w: signature is required", ErrValidation)
	}
	if len(req.Witness) == 0 && req.RequestID == "" {
		return VerifyResult{}, fmt.Errorf("%w: witness or requestId is required", ErrValidation)
	}

	// When the client presents a request ID, the stored record is
	// authoritative for owner and lifecycle state, and stands in for the
	// witness when the body omits one.
	var stored *PreparedRequest
	if req.RequestID != "" {
		var err error
		stored, err = s.requests.Get(ctx, req.RequestID)
		if err != nil {
			if err == ErrRequestNotFound {
				return invalid("unknown request"), nil
			}
			return VerifyResult{}, fmt.Errorf("facilitator: load request: %w", err)
		}
		switch stored.Status {
		case StatusExpired:
			return invalid(ReasonExpired), nil
		case StatusExecuted:
			return invalid(ReasonPaymentSettled), nil
		case StatusRejected:
			return invalid("request was rejected"), nil
		}
		if !strings.EqualFold(stored.Owner, signer) {
			return invalid(ReasonSignatureMismatch), nil
		}
	}

	var pr *PreparedRequest
	if len(req.Witness) > 0 {
		payment, batch, err := parseWitness(req.Witness)
		if err != nil {
			return VerifyResult{}, err
		}
		pr = &PreparedRequest{Owner: signer}
		if payment != nil {
			if err := payment.Validate(); err != nil {
				return invalid(ReasonMalformed), nil
			}
			pr.Kind = KindPayment
			pr.Payment = payment
		} else {
			if err := batch.Validate(); err != nil {
				return invalid(ReasonMalformed), nil
			}
			pr.Kind = KindBatch
			pr.Batch = batch
		}
	} else {
		pr = stored
	}

	networkName := req.Network
	if networkName == "" && stored != nil {
		networkName = stored.Network
	}
	net, err := s.resolveNetwork(networkName)
	if err != nil {
		return VerifyResult{}, err
	}
	if net.ImplementationContract == "" {
		return VerifyResult{}, fmt.Errorf("%w: network %s has no implementation contract configured", ErrValidation, net.Name)
	}

	result, err := s.verifyWitness(ctx, net.ChainID, s.verifyingContract(net, pr.Kind), pr, req.Signature, signer)
	if err != nil {
		return VerifyResult{}, err
	}
	if result.Valid {
		s.verified.Add(1)
		metrics.VerificationsTotal.WithLabelValues("valid").Inc()
	}
	return result, nil
}

// verifyWitness runs the signature, deadline and consumption checks shared
// by Verify and Execute.
func (s *Service) verifyWitness(ctx context.Context, chainID int64, contract string, pr *PreparedRequest, signature, signer string) (VerifyResult, error) {
	td, err := pr.TypedData(chainID, contract)
	if err != nil {
		return VerifyResult{}, err
	}

	recovered, err := witness.RecoverSigner(td, signature)
	if err != nil {
		return invalid(ReasonSignatureMismatch), nil
	}
	if recovered != strings.ToLower(signer) || recovered != strings.ToLower(ownerOf(pr)) {
		return invalid(ReasonSignatureMismatch), nil
	}

	if time.Now().Unix() > pr.Deadline() {
		return invalid(ReasonExpired), nil
	}

	consumed, err := s.nonces.NonceConsumed(ctx, strings.ToLower(ownerOf(pr)), contract, pr.Nonce())
	if err != nil {
		return VerifyResult{}, fmt.Errorf("facilitator: nonce lookup: %w", err)
	}
	if consumed {
		return invalid(ReasonNonceReused), nil
	}

	settled, err := s.nonces.PaymentConsumed(ctx, pr.PaymentID())
	if err != nil {
		return VerifyResult{}, fmt.Errorf("facilitator: payment lookup: %w", err)
	}
	if settled {
		return invalid(ReasonPaymentSettled), nil
	}

	return VerifyResult{Valid: true}, nil
}

func ownerOf(pr *PreparedRequest) string {
	if pr.Payment != nil {
		return pr.Payment.Owner
	}
	if pr.Batch != nil {
		return pr.Batch.Owner
	}
	return pr.Owner
}
