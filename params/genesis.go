package params

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
)

// GenesisAsset seeds the asset registry. Minting is otherwise out of scope.
type GenesisAsset struct {
	ID              uint64         `json:"id"`
	Owner           common.Address `json:"owner"`
	RoyaltyReceiver common.Address `json:"royaltyReceiver"`
	RoyaltyBps      uint16         `json:"royaltyBps"`
}

type GenesisBalance struct {
	Address common.Address `json:"address"`
	Amount  int64          `json:"amount"`
}

// GenesisApproval pre-approves an operator (usually the marketplace) for an owner.
type GenesisApproval struct {
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
}

type Genesis struct {
	ChainID   int64             `json:"chainId"`
	Time      int64             `json:"time"` // Unix seconds of block 0
	Assets    []GenesisAsset    `json:"assets"`
	Balances  []GenesisBalance  `json:"balances"`
	Approvals []GenesisApproval `json:"approvals"`
}

// LoadGenesis reads a genesis JSON file.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("parse genesis: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

func (g *Genesis) Validate() error {
	seen := make(map[uint64]bool, len(g.Assets))
	for _, a := range g.Assets {
		if seen[a.ID] {
			return fmt.Errorf("genesis: duplicate asset %d", a.ID)
		}
		seen[a.ID] = true
		if a.Owner == (common.Address{}) {
			return fmt.Errorf("genesis: asset %d has no owner", a.ID)
		}
		if a.RoyaltyBps > 10000 {
			return fmt.Errorf("genesis: asset %d royalty %d bps above 10000", a.ID, a.RoyaltyBps)
		}
	}
	for _, b := range g.Balances {
		if b.Amount < 0 {
			return fmt.Errorf("genesis: negative balance for %s", b.Address.Hex())
		}
	}
	return nil
}
