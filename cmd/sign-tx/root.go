package main

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/hyperbid/params"
	"github.com/uhyunpark/hyperbid/pkg/crypto"
)

// GlobalFlags select the signing domain; they must match the node.
type GlobalFlags struct {
	ChainID int64
	Escrow  string
}

var globalFlags GlobalFlags

var rootCmd = &cobra.Command{
	Use:   "sign-tx",
	Short: "Sign hyperbid marketplace transactions",
	Long: `sign-tx builds EIP-712 signed marketplace transactions.

The signing domain is the node's chain id and escrow address; both default
to the devnet values.`,
	SilenceUsage: true,
}

func init() {
	def := params.Default()
	rootCmd.PersistentFlags().Int64Var(&globalFlags.ChainID, "chain-id", def.Node.ChainID, "chain id of the target node")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Escrow, "escrow", def.Market.Escrow.Hex(), "marketplace escrow address (EIP-712 verifying contract)")

	rootCmd.AddCommand(keygenCmd, signCmd, verifyCmd)
}

func domain() (crypto.EIP712Domain, error) {
	if !common.IsHexAddress(globalFlags.Escrow) {
		return crypto.EIP712Domain{}, fmt.Errorf("invalid escrow address %q", globalFlags.Escrow)
	}
	d := crypto.DefaultDomain()
	d.ChainID = big.NewInt(globalFlags.ChainID)
	d.VerifyingContract = common.HexToAddress(globalFlags.Escrow)
	return d, nil
}

// loadSigner reads the key from --key or HYPERBID_KEY.
func loadSigner(key string) (*crypto.Signer, error) {
	if key == "" {
		key = os.Getenv("HYPERBID_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("no private key: pass --key or set HYPERBID_KEY")
	}
	return crypto.FromPrivateKeyHex(strings.TrimSpace(key))
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new secp256k1 key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nprivate key: %s\n", s.Address().Hex(), s.PrivateKeyHex())
		return nil
	},
}
