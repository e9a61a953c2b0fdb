package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
	"github.com/ymcrcat/stellar-dark-pool/pkg/crypto"
)

// sign-order generates a keypair, signs a sample order with the SEP-0053
// envelope, and prints the POST /api/v1/orders payload. Handy for manual
// testing against a devnet engine.
func main() {
	signer, err := crypto.GenerateSigner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate keypair: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address())
	fmt.Printf("Secret:  %s (KEEP SECRET!)\n\n", signer.Seed())

	price := decimal.RequireFromString("1.0")
	order := &core.Order{
		OrderID:     uuid.NewString(),
		UserAddress: signer.Address(),
		AssetPair:   core.AssetPair{Base: "XLM", Quote: "XLM"},
		Side:        core.Buy,
		OrderType:   core.Limit,
		Price:       &price,
		Quantity:    decimal.RequireFromString("10"),
		TimeInForce: core.GTC,
		Timestamp:   time.Now().Unix(),
	}

	sig, err := signer.SignOrder(order)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign order: %v\n", err)
		os.Exit(1)
	}
	order.Signature = sig

	payload, err := json.MarshalIndent(order, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal order: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("POST /api/v1/orders payload:")
	fmt.Println(string(payload))
}
