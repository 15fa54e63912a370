// Package x402 implements the payment handshake used to fund escrows: the
// server describes the required payment, the buyer pays USDC on-chain and
// submits the transaction reference as proof. Authorizations can be signed
// with an EIP-191 personal signature so a funding claim is bound to the
// buyer's wallet.
package x402

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FundingRequirement is returned by the settlement API when an escrow awaits
// payment. It mirrors the funding instructions attached to order creation.
type FundingRequirement struct {
	EscrowID string `json:"escrowId"`
	PayTo    string `json:"payTo"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"` // decimal USDC
	ChainID  int64  `json:"chainId,omitempty"`
	Contract string `json:"contract,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
}

// PaymentProof is submitted to the settlement API to claim a funding payment.
// Signature is the payer's personal signature over the reconstructed
// PaymentAuthorization; the server rejects claims whose signer is not the
// escrow buyer.
type PaymentProof struct {
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	Nonce     string `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"` // 0x-prefixed hex
	Timestamp int64  `json:"timestamp"`
}

// NewPaymentProof creates a proof for a completed payment.
func NewPaymentProof(txHash, fromAddress, nonce string) *PaymentProof {
	return &PaymentProof{
		TxHash:    txHash,
		From:      fromAddress,
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
	}
}

// ToHeader serializes the payment proof for an HTTP header.
func (p *PaymentProof) ToHeader() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return string(data), nil
}

// Error represents a protocol error response.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseFundingRequirement extracts the funding requirement from a 402
// response body.
func ParseFundingRequirement(resp *http.Response) (*FundingRequirement, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var req FundingRequirement
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse funding requirement: %w", err)
	}
	return &req, nil
}

// PaymentAuthorization binds a payment intent to the payer's wallet. The
// digest is an EIP-191 personal-sign hash over the canonical field order, so
// any wallet that can personal-sign can produce a valid authorization.
type PaymentAuthorization struct {
	Payer       string `json:"payer"`
	PayTo       string `json:"payTo"`
	Asset       string `json:"asset"`
	AmountMinor int64  `json:"amountMinor"`
	Nonce       string `json:"nonce"`
}

// Message is the canonical signed text. Changing it invalidates every
// outstanding signature.
func (a *PaymentAuthorization) Message() string {
	return fmt.Sprintf("x402 payment authorization\npayer: %s\npayTo: %s\nasset: %s\namountMinor: %d\nnonce: %s",
		strings.ToLower(a.Payer), strings.ToLower(a.PayTo), a.Asset, a.AmountMinor, a.Nonce)
}

// Digest returns the EIP-191 hash the payer signs.
func (a *PaymentAuthorization) Digest() common.Hash {
	return common.BytesToHash(accounts.TextHash([]byte(a.Message())))
}

// Sign produces a 65-byte personal signature over the authorization.
func (a *PaymentAuthorization) Sign(key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(a.Digest().Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}
	// Shift V to the 27/28 convention wallets emit.
	sig[64] += 27
	return sig, nil
}

// Verify checks a personal signature and reports whether it was produced by
// the authorization's payer.
func (a *PaymentAuthorization) Verify(sig []byte) (bool, error) {
	recovered, err := RecoverSigner(a.Digest(), sig)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(recovered, a.Payer), nil
}

// RecoverSigner returns the address that produced a 65-byte personal
// signature over digest.
func RecoverSigner(digest common.Hash, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("invalid signature length %d", len(sig))
	}
	// Accept both 0/1 and 27/28 recovery IDs.
	cp := make([]byte, 65)
	copy(cp, sig)
	if cp[64] >= 27 {
		cp[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), cp)
	if err != nil {
		return "", fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// NewNonce returns a 32-hex-char random nonce.
func NewNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
