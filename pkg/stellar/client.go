package stellar

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
	"go.uber.org/zap"

	"github.com/ymcrcat/stellar-dark-pool/params"
	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
)

// Ledger is the engine's view of the settlement contract. The real
// implementation talks Soroban RPC; tests substitute a deterministic fake.
type Ledger interface {
	// AssetPair returns the contract's configured (base, quote) token
	// addresses.
	AssetPair(ctx context.Context) (base, quote string, err error)
	// GetVaultBalance reads the committed vault balance in stroops.
	GetVaultBalance(ctx context.Context, account, token string) (int64, error)
	// SettleTrade submits one settle_trade call and blocks until the
	// transaction reaches a terminal status. Returns the transaction hash.
	SettleTrade(ctx context.Context, instr *core.SettlementInstruction) (string, error)
	// ResolveToken maps a client-facing token symbol to its contract address.
	ResolveToken(symbol string) (string, error)
}

const (
	baseFee      = txnbuild.MinBaseFee
	pollInterval = 2 * time.Second
)

// Client implements Ledger against a Soroban RPC endpoint using the engine's
// signing keypair for settle_trade submissions.
type Client struct {
	rpc        *rpcClient
	contractID string
	passphrase string
	kp         *keypair.Full
	log        *zap.Logger
}

func NewClient(cfg params.Stellar, kp *keypair.Full, log *zap.Logger) (*Client, error) {
	if cfg.ContractID == "" {
		return nil, fmt.Errorf("settlement contract id is not configured")
	}
	if !strkey.IsValidContractAddress(cfg.ContractID) {
		return nil, fmt.Errorf("settlement contract id %q is not a valid C... address", cfg.ContractID)
	}
	return &Client{
		rpc:        newRPCClient(cfg.RPCURL),
		contractID: cfg.ContractID,
		passphrase: cfg.NetworkPassphrase,
		kp:         kp,
		log:        log,
	}, nil
}

// ResolveToken maps a token reference to its contract address: C... strkeys
// pass through, 64-char hex is re-encoded, XLM/native and CODE:ISSUER
// resolve to the Stellar Asset Contract id for the configured network.
func (c *Client) ResolveToken(symbol string) (string, error) {
	if strkey.IsValidContractAddress(symbol) {
		return symbol, nil
	}
	if len(symbol) == 64 {
		if raw, err := hex.DecodeString(symbol); err == nil {
			return strkey.Encode(strkey.VersionByteContract, raw)
		}
	}

	var asset xdr.Asset
	var err error
	switch {
	case symbol == "XLM" || symbol == "native":
		asset, err = txnbuild.NativeAsset{}.ToXDR()
	case strings.Count(symbol, ":") == 1:
		parts := strings.SplitN(symbol, ":", 2)
		asset, err = txnbuild.CreditAsset{Code: parts[0], Issuer: parts[1]}.ToXDR()
	default:
		return "", core.Errorf(core.KindClientInput, "invalid asset %q: use 'XLM', 'CODE:ISSUER', or a contract address", symbol)
	}
	if err != nil {
		return "", core.Wrap(core.KindClientInput, err, "invalid asset %q", symbol)
	}
	return c.assetContractID(asset)
}

// assetContractID derives the Stellar Asset Contract address for an asset on
// this network.
func (c *Client) assetContractID(asset xdr.Asset) (string, error) {
	networkID := sha256.Sum256([]byte(c.passphrase))
	preimage := xdr.HashIdPreimage{
		Type: xdr.EnvelopeTypeEnvelopeTypeContractId,
		ContractId: &xdr.HashIdPreimageContractId{
			NetworkId: xdr.Hash(networkID),
			ContractIdPreimage: xdr.ContractIdPreimage{
				Type:      xdr.ContractIdPreimageTypeContractIdPreimageFromAsset,
				FromAsset: &asset,
			},
		},
	}
	raw, err := preimage.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal contract id preimage: %w", err)
	}
	id := sha256.Sum256(raw)
	return strkey.Encode(strkey.VersionByteContract, id[:])
}

// AssetPair queries get_asset_a / get_asset_b once at startup.
func (c *Client) AssetPair(ctx context.Context) (string, string, error) {
	base, err := c.readAddress(ctx, "get_asset_a")
	if err != nil {
		return "", "", err
	}
	quote, err := c.readAddress(ctx, "get_asset_b")
	if err != nil {
		return "", "", err
	}
	return base, quote, nil
}

func (c *Client) readAddress(ctx context.Context, fn string) (string, error) {
	val, err := c.simulateRead(ctx, fn, nil)
	if err != nil {
		return "", err
	}
	addr, err := scValToAddress(*val)
	if err != nil {
		return "", core.Wrap(core.KindUpstreamUnavailable, err, "contract %s returned no address", fn)
	}
	return addr, nil
}

// GetVaultBalance simulates get_balance(user, token).
func (c *Client) GetVaultBalance(ctx context.Context, account, token string) (int64, error) {
	user, err := scAddressVal(account)
	if err != nil {
		return 0, core.Wrap(core.KindClientInput, err, "bad account")
	}
	tok, err := scAddressVal(token)
	if err != nil {
		return 0, core.Wrap(core.KindClientInput, err, "bad token")
	}
	val, err := c.simulateRead(ctx, "get_balance", []xdr.ScVal{user, tok})
	if err != nil {
		return 0, err
	}
	balance, err := scValToInt64(*val)
	if err != nil {
		return 0, core.Wrap(core.KindUpstreamUnavailable, err, "get_balance result")
	}
	return balance, nil
}

// simulateRead runs a read-only contract call through simulateTransaction
// using a throwaway source account and returns the decoded result value.
func (c *Client) simulateRead(ctx context.Context, fn string, args []xdr.ScVal) (*xdr.ScVal, error) {
	source := keypair.MustRandom().Address()
	tx, err := c.buildInvokeTx(source, 0, fn, args, nil, nil, 0)
	if err != nil {
		return nil, err
	}
	txB64, err := tx.Base64()
	if err != nil {
		return nil, fmt.Errorf("encode %s tx: %w", fn, err)
	}

	sim, err := c.rpc.simulateTransaction(ctx, txB64)
	if err != nil {
		return nil, core.Wrap(core.KindUpstreamUnavailable, err, "simulate %s", fn)
	}
	if sim.Error != "" {
		return nil, core.Errorf(core.KindUpstreamUnavailable, "simulate %s: %s", fn, sim.Error)
	}
	if len(sim.Results) == 0 {
		return nil, core.Errorf(core.KindUpstreamUnavailable, "simulate %s returned no result", fn)
	}

	var val xdr.ScVal
	if err := xdr.SafeUnmarshalBase64(sim.Results[0].XDR, &val); err != nil {
		return nil, core.Wrap(core.KindUpstreamUnavailable, err, "decode %s result", fn)
	}
	return &val, nil
}

func (c *Client) buildInvokeTx(
	source string,
	sequence int64,
	fn string,
	args []xdr.ScVal,
	auth []xdr.SorobanAuthorizationEntry,
	sorobanData *xdr.SorobanTransactionData,
	feeBump int64,
) (*txnbuild.Transaction, error) {
	contractAddr, err := scAddress(c.contractID)
	if err != nil {
		return nil, err
	}
	op := &txnbuild.InvokeHostFunction{
		HostFunction: xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
			InvokeContract: &xdr.InvokeContractArgs{
				ContractAddress: contractAddr,
				FunctionName:    xdr.ScSymbol(fn),
				Args:            xdr.ScVec(args),
			},
		},
		Auth: auth,
	}
	if sorobanData != nil {
		op.Ext = xdr.TransactionExt{V: 1, SorobanData: sorobanData}
	}

	account := txnbuild.SimpleAccount{AccountID: source, Sequence: sequence}
	return txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{op},
		BaseFee:              baseFee + feeBump,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(300),
		},
	})
}

// loadSequence reads the engine account's current sequence number via
// getLedgerEntries.
func (c *Client) loadSequence(ctx context.Context, address string) (int64, error) {
	accountID := xdr.MustAddress(address)
	ledgerKey := xdr.LedgerKey{
		Type:    xdr.LedgerEntryTypeAccount,
		Account: &xdr.LedgerKeyAccount{AccountId: accountID},
	}
	raw, err := ledgerKey.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("marshal account ledger key: %w", err)
	}

	resp, err := c.rpc.getLedgerEntries(ctx, []string{base64.StdEncoding.EncodeToString(raw)})
	if err != nil {
		return 0, core.Wrap(core.KindUpstreamUnavailable, err, "load account %s", address)
	}
	if len(resp.Entries) == 0 {
		return 0, core.Errorf(core.KindUpstreamUnavailable, "engine account %s does not exist on the ledger", address)
	}

	var data xdr.LedgerEntryData
	if err := xdr.SafeUnmarshalBase64(resp.Entries[0].XDR, &data); err != nil {
		return 0, core.Wrap(core.KindUpstreamUnavailable, err, "decode account entry")
	}
	if data.Type != xdr.LedgerEntryTypeAccount || data.Account == nil {
		return 0, core.Errorf(core.KindUpstreamUnavailable, "unexpected ledger entry for %s", address)
	}
	return int64(data.Account.SeqNum), nil
}

// SettleTrade drives the simulate -> prepare -> sign -> send -> poll
// pipeline for one settle_trade invocation.
func (c *Client) SettleTrade(ctx context.Context, instr *core.SettlementInstruction) (string, error) {
	args, err := settlementArgs(instr)
	if err != nil {
		return "", core.Wrap(core.KindSettlementFailed, err, "build settlement args")
	}

	seq, err := c.loadSequence(ctx, c.kp.Address())
	if err != nil {
		return "", err
	}

	// Initial build for simulation.
	tx, err := c.buildInvokeTx(c.kp.Address(), seq, "settle_trade", []xdr.ScVal{args}, nil, nil, 0)
	if err != nil {
		return "", core.Wrap(core.KindSettlementFailed, err, "build settle_trade tx")
	}
	txB64, err := tx.Base64()
	if err != nil {
		return "", fmt.Errorf("encode settle_trade tx: %w", err)
	}

	sim, err := c.rpc.simulateTransaction(ctx, txB64)
	if err != nil {
		return "", core.Wrap(core.KindUpstreamUnavailable, err, "simulate settle_trade")
	}
	if sim.Error != "" {
		return "", core.Errorf(core.KindSettlementFailed, "settle_trade simulation rejected: %s", sim.Error)
	}

	// Apply the simulation's transaction data, resource fee, and auth.
	var sorobanData xdr.SorobanTransactionData
	if err := xdr.SafeUnmarshalBase64(sim.TransactionData, &sorobanData); err != nil {
		return "", core.Wrap(core.KindUpstreamUnavailable, err, "decode simulation transaction data")
	}
	minFee, err := strconv.ParseInt(sim.MinResourceFee, 10, 64)
	if err != nil {
		minFee = 0
	}
	var auth []xdr.SorobanAuthorizationEntry
	if len(sim.Results) > 0 {
		for _, a := range sim.Results[0].Auth {
			var entry xdr.SorobanAuthorizationEntry
			if err := xdr.SafeUnmarshalBase64(a, &entry); err != nil {
				return "", core.Wrap(core.KindUpstreamUnavailable, err, "decode auth entry")
			}
			auth = append(auth, entry)
		}
	}

	tx, err = c.buildInvokeTx(c.kp.Address(), seq, "settle_trade", []xdr.ScVal{args}, auth, &sorobanData, minFee)
	if err != nil {
		return "", core.Wrap(core.KindSettlementFailed, err, "rebuild settle_trade tx")
	}
	tx, err = tx.Sign(c.passphrase, c.kp)
	if err != nil {
		return "", core.Wrap(core.KindSettlementFailed, err, "sign settle_trade tx")
	}
	signedB64, err := tx.Base64()
	if err != nil {
		return "", fmt.Errorf("encode signed settle_trade tx: %w", err)
	}

	send, err := c.rpc.sendTransaction(ctx, signedB64)
	if err != nil {
		return "", core.Wrap(core.KindUpstreamUnavailable, err, "send settle_trade")
	}
	switch send.Status {
	case "PENDING", "DUPLICATE":
		// fall through to polling
	case "TRY_AGAIN_LATER":
		return "", core.Errorf(core.KindUpstreamUnavailable, "ledger asked to retry later")
	default:
		return "", core.Errorf(core.KindSettlementFailed, "settle_trade submission rejected: %s", send.ErrorResultXDR)
	}

	return c.pollTransaction(ctx, send.Hash)
}

func (c *Client) pollTransaction(ctx context.Context, hash string) (string, error) {
	c.log.Info("polling settlement transaction", zap.String("hash", hash))
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		res, err := c.rpc.getTransaction(ctx, hash)
		if err != nil {
			return "", core.Wrap(core.KindUpstreamUnavailable, err, "poll transaction %s", hash)
		}
		switch res.Status {
		case "SUCCESS":
			return hash, nil
		case "FAILED":
			return "", core.Errorf(core.KindSettlementFailed, "transaction %s failed on-chain: %s", hash, res.ResultXDR)
		}

		select {
		case <-ctx.Done():
			return "", core.Wrap(core.KindUpstreamUnavailable, ctx.Err(), "settlement polling timed out for %s", hash)
		case <-ticker.C:
		}
	}
}
