package stellar

import (
	"fmt"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"

	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
)

// ScVal construction helpers mirroring the contract's SettlementInstruction
// layout. Soroban encodes a contracttype struct as an ScMap with
// lexicographically ordered symbol keys.

func scAddress(address string) (xdr.ScAddress, error) {
	switch {
	case strkey.IsValidEd25519PublicKey(address):
		accountID := xdr.MustAddress(address)
		return xdr.ScAddress{
			Type:      xdr.ScAddressTypeScAddressTypeAccount,
			AccountId: &accountID,
		}, nil
	case strkey.IsValidContractAddress(address):
		raw, err := strkey.Decode(strkey.VersionByteContract, address)
		if err != nil {
			return xdr.ScAddress{}, fmt.Errorf("decode contract address %q: %w", address, err)
		}
		var h xdr.Hash
		copy(h[:], raw)
		contractID := xdr.ContractId(h)
		return xdr.ScAddress{
			Type:       xdr.ScAddressTypeScAddressTypeContract,
			ContractId: &contractID,
		}, nil
	default:
		return xdr.ScAddress{}, fmt.Errorf("%q is neither an account nor a contract address", address)
	}
}

func scAddressVal(address string) (xdr.ScVal, error) {
	addr, err := scAddress(address)
	if err != nil {
		return xdr.ScVal{}, err
	}
	return xdr.ScVal{Type: xdr.ScValTypeScvAddress, Address: &addr}, nil
}

func scI128(v int64) xdr.ScVal {
	lo := xdr.Uint64(v)
	hi := xdr.Int64(0)
	if v < 0 {
		hi = -1
	}
	return xdr.ScVal{
		Type: xdr.ScValTypeScvI128,
		I128: &xdr.Int128Parts{Hi: hi, Lo: lo},
	}
}

func scU64(v uint64) xdr.ScVal {
	u := xdr.Uint64(v)
	return xdr.ScVal{Type: xdr.ScValTypeScvU64, U64: &u}
}

func scBytes(b []byte) xdr.ScVal {
	sb := xdr.ScBytes(b)
	return xdr.ScVal{Type: xdr.ScValTypeScvBytes, Bytes: &sb}
}

func scSymbol(s string) xdr.ScVal {
	sym := xdr.ScSymbol(s)
	return xdr.ScVal{Type: xdr.ScValTypeScvSymbol, Sym: &sym}
}

// settlementArgs packs a SettlementInstruction into the ScMap the contract
// expects. Keys must stay in lexicographic order.
func settlementArgs(instr *core.SettlementInstruction) (xdr.ScVal, error) {
	buyUser, err := scAddressVal(instr.BuyUser)
	if err != nil {
		return xdr.ScVal{}, err
	}
	sellUser, err := scAddressVal(instr.SellUser)
	if err != nil {
		return xdr.ScVal{}, err
	}
	baseAsset, err := scAddressVal(instr.BaseAsset)
	if err != nil {
		return xdr.ScVal{}, err
	}
	quoteAsset, err := scAddressVal(instr.QuoteAsset)
	if err != nil {
		return xdr.ScVal{}, err
	}

	entries := xdr.ScMap{
		{Key: scSymbol("base_amount"), Val: scI128(instr.BaseAmount)},
		{Key: scSymbol("base_asset"), Val: baseAsset},
		{Key: scSymbol("buy_user"), Val: buyUser},
		{Key: scSymbol("fee_base"), Val: scI128(instr.FeeBase)},
		{Key: scSymbol("fee_quote"), Val: scI128(instr.FeeQuote)},
		{Key: scSymbol("quote_amount"), Val: scI128(instr.QuoteAmount)},
		{Key: scSymbol("quote_asset"), Val: quoteAsset},
		{Key: scSymbol("sell_user"), Val: sellUser},
		{Key: scSymbol("timestamp"), Val: scU64(instr.Timestamp)},
		{Key: scSymbol("trade_id"), Val: scBytes(instr.TradeID[:])},
	}
	entriesPtr := &entries
	return xdr.ScVal{Type: xdr.ScValTypeScvMap, Map: &entriesPtr}, nil
}

// scValToInt64 extracts an integer from the numeric ScVal variants the
// contract's get_balance may return.
func scValToInt64(v xdr.ScVal) (int64, error) {
	switch v.Type {
	case xdr.ScValTypeScvI128:
		parts := v.I128
		if (parts.Hi == 0 && parts.Lo <= xdr.Uint64(1)<<63-1) ||
			(parts.Hi == -1 && parts.Lo >= xdr.Uint64(1)<<63) {
			return int64(parts.Lo), nil
		}
		return 0, fmt.Errorf("i128 balance out of int64 range (hi=%d)", parts.Hi)
	case xdr.ScValTypeScvI64:
		return int64(*v.I64), nil
	case xdr.ScValTypeScvU64:
		return int64(*v.U64), nil
	case xdr.ScValTypeScvU32:
		return int64(*v.U32), nil
	case xdr.ScValTypeScvI32:
		return int64(*v.I32), nil
	default:
		return 0, fmt.Errorf("unexpected ScVal type %v for balance", v.Type)
	}
}

// scValToAddress renders an address-typed ScVal as its strkey text form.
func scValToAddress(v xdr.ScVal) (string, error) {
	if v.Type != xdr.ScValTypeScvAddress || v.Address == nil {
		return "", fmt.Errorf("unexpected ScVal type %v for address", v.Type)
	}
	addr := *v.Address
	switch addr.Type {
	case xdr.ScAddressTypeScAddressTypeAccount:
		return addr.AccountId.Address(), nil
	case xdr.ScAddressTypeScAddressTypeContract:
		return strkey.Encode(strkey.VersionByteContract, addr.ContractId[:])
	default:
		return "", fmt.Errorf("unexpected ScAddress type %v", addr.Type)
	}
}
