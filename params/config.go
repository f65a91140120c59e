package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Market struct {
	// TimeBuffer is the anti-sniping window: a bid placed with less than this
	// left on the clock pushes the deadline to bid time + TimeBuffer.
	TimeBuffer time.Duration
	// Escrow is the marketplace account. It holds bids and purchase payments
	// in flight and must be an approved operator of every seller.
	Escrow common.Address
	// Keeper reports expired auctions each block so clients can settle them.
	Keeper bool
	// Faucet enables the devnet `deposit` transaction.
	Faucet bool
}

type Node struct {
	// MinBlockTime throttles block production so an idle devnet does not
	// spin out empty blocks.
	//
	// Recommended values:
	//   - Devnet:  200ms
	//   - Testnet: 100ms
	MinBlockTime time.Duration
	ChainID      int64
	DataDir      string
	GenesisFile  string
	LogFile      string
	LogLevel     string
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type P2P struct {
	Enabled   bool
	Listen    string
	Bootstrap []string
}

// TxGen drives the devnet load generator.
type TxGen struct {
	Enabled bool
	Mode    string // "default" or "high"
}

type Config struct {
	Market Market
	Node   Node
	API    API
	P2P    P2P
	TxGen  TxGen
}

// DefaultEscrow is the well-known devnet marketplace address.
var DefaultEscrow = common.HexToAddress("0x00000000000000000000000000000000000e5c40")

func Default() Config {
	return Config{
		Market: Market{
			TimeBuffer: 600 * time.Second,
			Escrow:     DefaultEscrow,
			Keeper:     true,
			Faucet:     true,
		},
		Node: Node{
			MinBlockTime: 200 * time.Millisecond,
			ChainID:      1337,
			DataDir:      "data",
			LogLevel:     "info",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		P2P: P2P{
			Listen: "/ip4/0.0.0.0/tcp/0",
		},
		TxGen: TxGen{
			Mode: "default",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if s := os.Getenv("AUCTION_TIME_BUFFER_S"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			cfg.Market.TimeBuffer = time.Duration(secs) * time.Second
		}
	}
	if addr := os.Getenv("ESCROW_ADDRESS"); common.IsHexAddress(addr) {
		cfg.Market.Escrow = common.HexToAddress(addr)
	}
	if v := os.Getenv("KEEPER_ENABLED"); v != "" {
		cfg.Market.Keeper = v == "true"
	}
	if v := os.Getenv("FAUCET_ENABLED"); v != "" {
		cfg.Market.Faucet = v == "true"
	}

	if minBlock := os.Getenv("NODE_MIN_BLOCK_TIME_MS"); minBlock != "" {
		if ms, err := strconv.Atoi(minBlock); err == nil {
			cfg.Node.MinBlockTime = time.Duration(ms) * time.Millisecond
		}
	}
	if id := os.Getenv("CHAIN_ID"); id != "" {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			cfg.Node.ChainID = n
		}
	}
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.GenesisFile = getEnv("GENESIS_FILE", cfg.Node.GenesisFile)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := splitList(os.Getenv("API_ALLOWED_ORIGINS")); len(origins) > 0 {
		cfg.API.AllowedOrigins = origins
	}

	cfg.P2P.Listen = getEnv("P2P_LISTEN", cfg.P2P.Listen)
	cfg.P2P.Bootstrap = splitList(os.Getenv("P2P_BOOTSTRAP"))
	if v := os.Getenv("P2P_ENABLED"); v != "" {
		cfg.P2P.Enabled = v == "true"
	}

	cfg.TxGen.Enabled = os.Getenv("ENABLE_TXGEN") == "true"
	cfg.TxGen.Mode = getEnv("TXGEN_MODE", cfg.TxGen.Mode)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
