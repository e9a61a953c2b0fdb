package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// SelfTradePolicy controls what the book does when an incoming order would
// cross a resting order from the same account.
type SelfTradePolicy string

const (
	// SkipMatch leaves both orders intact and matches past the resting one.
	SkipMatch SelfTradePolicy = "skip-match"
	// CancelNewer cancels the incoming order at the first self-cross.
	CancelNewer SelfTradePolicy = "cancel-newer"
)

type Stellar struct {
	RPCURL            string
	NetworkPassphrase string
	ContractID        string
	SigningKey        string
}

type Server struct {
	RESTPort int
}

type Engine struct {
	BalanceCacheTTL   time.Duration
	SettlementTimeout time.Duration
	SelfTradePolicy   SelfTradePolicy
}

type Config struct {
	Stellar Stellar
	Server  Server
	Engine  Engine
}

func Default() Config {
	return Config{
		Stellar: Stellar{
			RPCURL:            "https://soroban-testnet.stellar.org",
			NetworkPassphrase: "Test SDF Network ; September 2015",
		},
		Server: Server{
			RESTPort: 8080,
		},
		Engine: Engine{
			BalanceCacheTTL:   30 * time.Second,
			SettlementTimeout: 30 * time.Second,
			SelfTradePolicy:   SkipMatch,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and the
// environment. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("SOROBAN_RPC_URL"); v != "" {
		cfg.Stellar.RPCURL = v
	}
	if v := os.Getenv("NETWORK_PASSPHRASE"); v != "" {
		cfg.Stellar.NetworkPassphrase = v
	}
	if v := os.Getenv("SETTLEMENT_CONTRACT_ID"); v != "" {
		cfg.Stellar.ContractID = v
	}
	if v := os.Getenv("MATCHING_ENGINE_SIGNING_KEY"); v != "" {
		cfg.Stellar.SigningKey = v
	}

	if v := os.Getenv("REST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.RESTPort = port
		}
	}

	if v := os.Getenv("BALANCE_CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Engine.BalanceCacheTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("SETTLEMENT_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Engine.SettlementTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("SELF_TRADE_POLICY"); v != "" {
		switch SelfTradePolicy(v) {
		case SkipMatch, CancelNewer:
			cfg.Engine.SelfTradePolicy = SelfTradePolicy(v)
		}
	}

	return cfg
}
