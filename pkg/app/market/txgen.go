package market

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/hyperbid/params"
	"github.com/uhyunpark/hyperbid/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperbid/pkg/crypto"
)

// TxGenFirstAsset is the first asset id the generator seeds, kept clear of
// hand-written genesis assets.
const TxGenFirstAsset = 1_000_000

// TxGenConfig controls the devnet load generator.
type TxGenConfig struct {
	TxPerSecond int           // target rate, informational
	BatchSize   int           // txs generated per tick
	Interval    time.Duration // tick period
	NumAccounts int           // simulated traders
	NumAssets   int           // assets seeded to the traders
	Balance     int64         // genesis balance per trader
	Seed        int64         // key derivation seed; same seed, same traders
}

func DefaultTxGenConfig() TxGenConfig {
	return TxGenConfig{
		TxPerSecond: 100,
		BatchSize:   10,
		Interval:    100 * time.Millisecond,
		NumAccounts: 50,
		NumAssets:   200,
		Balance:     1_000_000,
		Seed:        1,
	}
}

func HighLoadTxGenConfig() TxGenConfig {
	cfg := DefaultTxGenConfig()
	cfg.TxPerSecond = 1000
	cfg.BatchSize = 100
	cfg.NumAccounts = 200
	cfg.NumAssets = 1000
	return cfg
}

// TxGenConfigForMode maps TXGEN_MODE to a preset.
func TxGenConfigForMode(mode string) TxGenConfig {
	if mode == "high" {
		return HighLoadTxGenConfig()
	}
	return DefaultTxGenConfig()
}

// TxGenerator produces signed marketplace transactions from a fixed set of
// devnet traders. Not safe for concurrent use.
type TxGenerator struct {
	cfg     TxGenConfig
	signers []*crypto.Signer
	nonces  map[common.Address]uint64
	eip712  *crypto.EIP712Signer
	rng     *rand.Rand
}

// NewTxGenerator derives cfg.NumAccounts trader keys from cfg.Seed.
func NewTxGenerator(cfg TxGenConfig, domain crypto.EIP712Domain) (*TxGenerator, error) {
	if cfg.NumAccounts <= 0 || cfg.NumAssets <= 0 {
		return nil, fmt.Errorf("txgen needs accounts and assets, got %d/%d", cfg.NumAccounts, cfg.NumAssets)
	}
	g := &TxGenerator{
		cfg:     cfg,
		signers: make([]*crypto.Signer, cfg.NumAccounts),
		nonces:  make(map[common.Address]uint64),
		eip712:  crypto.NewEIP712Signer(domain),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
	for i := range g.signers {
		s, err := crypto.FromPrivateKeyHex(common.Bytes2Hex(traderKey(cfg.Seed, i)))
		if err != nil {
			return nil, fmt.Errorf("derive trader %d: %w", i, err)
		}
		g.signers[i] = s
	}
	return g, nil
}

func traderKey(seed int64, i int) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(seed))
	binary.BigEndian.PutUint64(buf[8:], uint64(i))
	return ethcrypto.Keccak256([]byte("hyperbid-txgen"), buf[:])
}

func (g *TxGenerator) Signers() []*crypto.Signer { return g.signers }

// SeedGenesis adds the traders' balances, round-robin asset ownership and
// marketplace approvals to gen.
func (g *TxGenerator) SeedGenesis(gen *params.Genesis, escrow common.Address) {
	for _, s := range g.signers {
		gen.Balances = append(gen.Balances, params.GenesisBalance{Address: s.Address(), Amount: g.cfg.Balance})
		gen.Approvals = append(gen.Approvals, params.GenesisApproval{Owner: s.Address(), Operator: escrow})
	}
	for i := 0; i < g.cfg.NumAssets; i++ {
		owner := g.signers[i%len(g.signers)].Address()
		creator := g.signers[(i+1)%len(g.signers)].Address()
		gen.Assets = append(gen.Assets, params.GenesisAsset{
			ID:              uint64(TxGenFirstAsset + i),
			Owner:           owner,
			RoyaltyReceiver: creator,
			RoyaltyBps:      uint16(g.rng.Intn(1001)), // up to 10%
		})
	}
}

// SyncNonces continues from the chain's nonces, e.g. after a restart.
func (g *TxGenerator) SyncNonces(nonceOf func(common.Address) uint64) {
	for _, s := range g.signers {
		g.nonces[s.Address()] = nonceOf(s.Address())
	}
}

// Next returns one signed transaction. The mix leans on bids and listings;
// many of them fail on execution (wrong owner, outbid), which is the point.
func (g *TxGenerator) Next() ([]byte, error) {
	idx := g.rng.Intn(len(g.signers))
	signer := g.signers[idx]
	id := uint64(TxGenFirstAsset + g.rng.Intn(g.cfg.NumAssets))
	price := uint64(g.rng.Intn(1000) + 1)

	var typ transaction.TxType
	p := transaction.ActionPayload{AssetID: id}
	switch r := g.rng.Intn(100); {
	case r < 25:
		typ, p.Amount = transaction.TxTypeList, price
		p.AssetID = g.seededAsset(idx)
	case r < 45:
		// Overpay so any listing price is covered; change is refunded.
		typ, p.Amount = transaction.TxTypePurchase, 1000
	case r < 55:
		typ, p.Amount = transaction.TxTypeStartAuction, price
		p.AssetID = g.seededAsset(idx)
		p.Duration = uint64(g.rng.Intn(120) + 30)
	case r < 85:
		typ, p.Amount = transaction.TxTypeBid, price+uint64(g.rng.Intn(500))
	case r < 95:
		typ = transaction.TxTypeEndAuction
	default:
		typ = transaction.TxTypeCancelListing
	}

	addr := signer.Address()
	g.nonces[addr]++
	p.Nonce = g.nonces[addr]
	p.Sender = addr

	tx := &transaction.SignedTransaction{Type: typ, Action: &p}
	if err := tx.Sign(g.eip712, signer); err != nil {
		return nil, err
	}
	return tx.Serialize()
}

// seededAsset picks one of the assets trader idx received at genesis, or any
// asset if it received none.
func (g *TxGenerator) seededAsset(idx int) uint64 {
	n := len(g.signers)
	if idx >= g.cfg.NumAssets {
		return uint64(TxGenFirstAsset + g.rng.Intn(g.cfg.NumAssets))
	}
	owned := (g.cfg.NumAssets - idx + n - 1) / n
	return uint64(TxGenFirstAsset + idx + n*g.rng.Intn(owned))
}

// GenerateBatch returns n transactions, skipping any that fail to sign.
func (g *TxGenerator) GenerateBatch(n int) [][]byte {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if raw, err := g.Next(); err == nil {
			out = append(out, raw)
		}
	}
	return out
}
