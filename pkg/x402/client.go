package x402

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taskbazaar/settlement/internal/usdc"
	"github.com/taskbazaar/settlement/internal/wallet"
)

// FundingClient pays escrow funding requirements from a local wallet and
// submits the resulting transaction reference to the settlement API.
type FundingClient struct {
	httpClient *http.Client
	wallet     *wallet.Wallet

	ConfirmTimeout time.Duration // time to wait for tx confirmation (default: 30s)
	MaxPayment     int64         // refuse requirements above this, in minor units (0 = unlimited)

	// OnPayment is called after the payment confirms, before the claim is
	// submitted.
	OnPayment func(req *FundingRequirement, proof *PaymentProof)
}

// NewFundingClient creates a client that pays with the given wallet.
func NewFundingClient(w *wallet.Wallet) *FundingClient {
	return &FundingClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		wallet:         w,
		ConfirmTimeout: 30 * time.Second,
	}
}

// Pay transfers the required USDC and waits for confirmation.
func (c *FundingClient) Pay(ctx context.Context, req *FundingRequirement) (*PaymentProof, error) {
	minor, ok := usdc.ParseMinor(req.Amount)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", req.Amount)
	}
	if c.MaxPayment > 0 && minor > c.MaxPayment {
		return nil, fmt.Errorf("requirement %s exceeds payment cap", req.Amount)
	}

	res, err := c.wallet.Transfer(ctx, common.HexToAddress(req.PayTo), usdc.ToBig(minor))
	if err != nil {
		return nil, fmt.Errorf("payment transfer failed: %w", err)
	}
	if _, err := c.wallet.WaitForConfirmation(ctx, res.TxHash, c.ConfirmTimeout); err != nil {
		return nil, fmt.Errorf("payment tx %s not confirmed: %w", res.TxHash, err)
	}

	auth := &PaymentAuthorization{
		Payer:       res.From,
		PayTo:       req.PayTo,
		Asset:       req.Asset,
		AmountMinor: minor,
		Nonce:       req.Nonce,
	}
	sig, err := c.wallet.SignPersonal([]byte(auth.Message()))
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment authorization: %w", err)
	}

	proof := NewPaymentProof(res.TxHash, res.From, req.Nonce)
	proof.Signature = "0x" + hex.EncodeToString(sig)
	if c.OnPayment != nil {
		c.OnPayment(req, proof)
	}
	return proof, nil
}

// Claim submits a confirmed payment to the settlement API so the escrow
// moves to funded. claimURL is the escrow's fund endpoint.
func (c *FundingClient) Claim(ctx context.Context, claimURL string, proof *PaymentProof) error {
	body, err := json.Marshal(map[string]string{
		"fundingTxRef": proof.TxHash,
		"signature":    proof.Signature,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, claimURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	header, err := proof.ToHeader()
	if err != nil {
		return err
	}
	req.Header.Set("X-Payment-Proof", header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("claim request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr Error
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
		return &apiErr
	}
	return fmt.Errorf("claim rejected with status %d", resp.StatusCode)
}

// Fund pays a funding requirement and claims it in one call.
func (c *FundingClient) Fund(ctx context.Context, claimURL string, req *FundingRequirement) (*PaymentProof, error) {
	proof, err := c.Pay(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.Claim(ctx, claimURL, proof); err != nil {
		return proof, err
	}
	return proof, nil
}
