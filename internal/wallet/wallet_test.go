package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskbazaar/settlement/internal/apierr"
)

const (
	testKey      = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testUSDC     = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayer    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testCustody  = "0xcccccccccccccccccccccccccccccccccccccccc"
	testFundTxID = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

// mockClient implements EthClient with canned responses.
type mockClient struct {
	nonce       uint64
	gasPrice    *big.Int
	gasEstimate uint64
	sendErr     error
	sentTxs     []*types.Transaction

	receipt    *types.Receipt
	receiptErr error

	header    *types.Header
	headerErr error

	callResult []byte
	callErr    error
}

func (m *mockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return m.nonce, nil
}

func (m *mockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if m.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return m.gasPrice, nil
}

func (m *mockClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if m.gasEstimate == 0 {
		return 0, errors.New("estimation unavailable")
	}
	return m.gasEstimate, nil
}

func (m *mockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sentTxs = append(m.sentTxs, tx)
	return nil
}

func (m *mockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	return m.receipt, nil
}

func (m *mockClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if m.headerErr != nil {
		return nil, m.headerErr
	}
	return m.header, nil
}

func (m *mockClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.callErr != nil {
		return nil, m.callErr
	}
	return m.callResult, nil
}

func (m *mockClient) Close() {}

func newTestWallet(t *testing.T, client *mockClient) *Wallet {
	t.Helper()
	w, err := New(Config{
		RPCURL:       "https://sepolia.base.org",
		PrivateKey:   testKey,
		ChainID:      84532,
		USDCContract: testUSDC,
	}, WithClient(client))
	require.NoError(t, err)
	return w
}

// transferTopic builds the indexed address topic of an ERC20 Transfer event.
func transferTopic(addr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(addr).Bytes())
}

func transferLog(contract, from, to string, amount int64) *types.Log {
	return &types.Log{
		Address: common.HexToAddress(contract),
		Topics: []common.Hash{
			common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"),
			transferTopic(from),
			transferTopic(to),
		},
		Data: common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				RPCURL:       "https://sepolia.base.org",
				PrivateKey:   testKey,
				ChainID:      84532,
				USDCContract: testUSDC,
			},
		},
		{
			name: "valid config with 0x prefix",
			cfg: Config{
				RPCURL:       "https://sepolia.base.org",
				PrivateKey:   "0x" + testKey,
				ChainID:      84532,
				USDCContract: testUSDC,
			},
		},
		{
			name: "missing RPC URL",
			cfg: Config{
				PrivateKey:   testKey,
				ChainID:      84532,
				USDCContract: testUSDC,
			},
			wantErr: true,
		},
		{
			name: "missing private key",
			cfg: Config{
				RPCURL:       "https://sepolia.base.org",
				ChainID:      84532,
				USDCContract: testUSDC,
			},
			wantErr: true,
		},
		{
			name: "invalid private key length",
			cfg: Config{
				RPCURL:       "https://sepolia.base.org",
				PrivateKey:   "tooshort",
				ChainID:      84532,
				USDCContract: testUSDC,
			},
			wantErr: true,
		},
		{
			name: "missing chain ID",
			cfg: Config{
				RPCURL:       "https://sepolia.base.org",
				PrivateKey:   testKey,
				USDCContract: testUSDC,
			},
			wantErr: true,
		},
		{
			name: "missing USDC contract",
			cfg: Config{
				RPCURL:     "https://sepolia.base.org",
				PrivateKey: testKey,
				ChainID:    84532,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransferError(t *testing.T) {
	tests := []struct {
		name     string
		err      *TransferError
		contains string
	}{
		{
			name: "with tx hash",
			err: &TransferError{
				Op:     "send",
				TxHash: "0xabc123",
				Err:    errors.New("network error"),
			},
			contains: "0xabc123",
		},
		{
			name: "without tx hash",
			err: &TransferError{
				Op:  "nonce",
				Err: errors.New("failed to get nonce"),
			},
			contains: "nonce failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.err.Error(), tt.contains)
			assert.True(t, errors.Is(tt.err, tt.err.Err))
		})
	}
}

func TestTransfer_SignsAndBroadcasts(t *testing.T) {
	client := &mockClient{nonce: 7, gasEstimate: 60_000}
	w := newTestWallet(t, client)

	res, err := w.Transfer(context.Background(), common.HexToAddress(testPayer), big.NewInt(10_000_000))
	require.NoError(t, err)
	require.Len(t, client.sentTxs, 1)

	assert.Equal(t, uint64(7), res.Nonce)
	assert.Equal(t, "10.000000", res.Amount)
	assert.Equal(t, common.HexToAddress(testPayer).Hex(), res.To)
	assert.Equal(t, client.sentTxs[0].Hash().Hex(), res.TxHash)
	// The on-chain recipient is the USDC contract, not the payee.
	assert.Equal(t, common.HexToAddress(testUSDC), *client.sentTxs[0].To())
}

func TestTransfer_SendFailure(t *testing.T) {
	client := &mockClient{gasEstimate: 60_000, sendErr: errors.New("nonce too low")}
	w := newTestWallet(t, client)

	_, err := w.Transfer(context.Background(), common.HexToAddress(testPayer), big.NewInt(1_000_000))
	require.Error(t, err)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)
	assert.NotEmpty(t, te.TxHash)
}

func TestWaitForConfirmation_Timeout(t *testing.T) {
	client := &mockClient{receiptErr: errors.New("not found")}
	w := newTestWallet(t, client)

	_, err := w.WaitForConfirmation(context.Background(), "0xdeadbeef", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBalanceOf(t *testing.T) {
	client := &mockClient{callResult: common.LeftPadBytes(big.NewInt(42_000_000).Bytes(), 32)}
	w := newTestWallet(t, client)

	bal, err := w.BalanceOf(context.Background(), common.HexToAddress(testPayer))
	require.NoError(t, err)
	assert.Equal(t, int64(42_000_000), bal.Int64())

	human, err := w.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42.000000", human)
}

func TestVerifyFunding_Success(t *testing.T) {
	block := big.NewInt(12345)
	client := &mockClient{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: block,
			Logs: []*types.Log{
				transferLog(testUSDC, testPayer, testCustody, 10_000_000),
			},
		},
		header: &types.Header{Time: 1_700_000_000},
	}
	w := newTestWallet(t, client)

	blockNum, confirmedAt, err := w.VerifyFunding(context.Background(), testFundTxID, testPayer, testCustody, 10_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), blockNum)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), confirmedAt)
}

func TestVerifyFunding_HeaderUnavailable(t *testing.T) {
	client := &mockClient{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(1),
			Logs: []*types.Log{
				transferLog(testUSDC, testPayer, testCustody, 5_000_000),
			},
		},
		headerErr: errors.New("header not found"),
	}
	w := newTestWallet(t, client)

	_, confirmedAt, err := w.VerifyFunding(context.Background(), testFundTxID, testPayer, testCustody, 5_000_000)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), confirmedAt, 5*time.Second)
}

func TestVerifyFunding_NotFound(t *testing.T) {
	client := &mockClient{receiptErr: errors.New("not found")}
	w := newTestWallet(t, client)

	_, _, err := w.VerifyFunding(context.Background(), testFundTxID, testPayer, testCustody, 1_000_000)
	assert.ErrorIs(t, err, apierr.ErrTransactionNotFound)
}

func TestVerifyFunding_Reverted(t *testing.T) {
	client := &mockClient{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(1),
		},
	}
	w := newTestWallet(t, client)

	_, _, err := w.VerifyFunding(context.Background(), testFundTxID, testPayer, testCustody, 1_000_000)
	assert.ErrorIs(t, err, apierr.ErrTransactionFailed)
}

func TestVerifyFunding_RejectsNonQualifyingTransfers(t *testing.T) {
	const stranger = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"

	tests := []struct {
		name string
		logs []*types.Log
	}{
		{
			name: "no logs at all",
			logs: nil,
		},
		{
			name: "transfer on a different token",
			logs: []*types.Log{transferLog(stranger, testPayer, testCustody, 10_000_000)},
		},
		{
			name: "transfer from the wrong payer",
			logs: []*types.Log{transferLog(testUSDC, stranger, testCustody, 10_000_000)},
		},
		{
			name: "transfer to the wrong recipient",
			logs: []*types.Log{transferLog(testUSDC, testPayer, stranger, 10_000_000)},
		},
		{
			name: "amount below the escrow total",
			logs: []*types.Log{transferLog(testUSDC, testPayer, testCustody, 9_999_999)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockClient{
				receipt: &types.Receipt{
					Status:      types.ReceiptStatusSuccessful,
					BlockNumber: big.NewInt(1),
					Logs:        tt.logs,
				},
			}
			w := newTestWallet(t, client)

			_, _, err := w.VerifyFunding(context.Background(), testFundTxID, testPayer, testCustody, 10_000_000)
			assert.ErrorIs(t, err, apierr.ErrTransactionFailed)
		})
	}
}

func TestVerifyFunding_AcceptsOverpayment(t *testing.T) {
	client := &mockClient{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(9),
			Logs: []*types.Log{
				transferLog(testUSDC, testPayer, testCustody, 10_500_000),
			},
		},
		header: &types.Header{Time: 1_700_000_000},
	}
	w := newTestWallet(t, client)

	blockNum, _, err := w.VerifyFunding(context.Background(), testFundTxID, testPayer, testCustody, 10_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), blockNum)
}

// Integration tests - only run with -short=false

func TestWallet_Integration_Transfer(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	// Requires real testnet credentials and USDC
}
