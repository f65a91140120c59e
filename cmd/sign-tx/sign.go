package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/hyperbid/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperbid/pkg/crypto"
	"github.com/uhyunpark/hyperbid/pkg/p2p"
)

var (
	signKey      string
	signAsset    uint64
	signAmount   uint64
	signDuration uint64
	signApproved bool
	signNonce    uint64
	signPost     string
	signRelay    string
)

var signCmd = &cobra.Command{
	Use:   "sign <type>",
	Short: "Sign a marketplace action",
	Long: `Sign a marketplace action and print the transaction JSON.

Types: approve, list, cancel_listing, purchase, start_auction, bid,
end_auction, cancel_auction, deposit.

The nonce must exceed the account's last nonce (GET /api/v1/accounts/{address}).`,
	Example: `  sign-tx sign list --asset 7 --amount 100 --nonce 1
  sign-tx sign start_auction --asset 7 --amount 50 --duration 3600 --nonce 2 --post http://localhost:8080
  sign-tx sign bid --asset 7 --amount 60 --nonce 1 --relay /ip4/127.0.0.1/tcp/4001/p2p/12D3Koo...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := loadSigner(signKey)
		if err != nil {
			return err
		}
		d, err := domain()
		if err != nil {
			return err
		}

		tx := &transaction.SignedTransaction{
			Type: transaction.TxType(args[0]),
			Action: &transaction.ActionPayload{
				AssetID:  signAsset,
				Amount:   signAmount,
				Duration: signDuration,
				Approved: signApproved && args[0] == string(transaction.TxTypeApprove),
				Nonce:    signNonce,
				Sender:   signer.Address(),
			},
		}
		if err := tx.Sign(crypto.NewEIP712Signer(d), signer); err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		if err := tx.Validate(); err != nil {
			return err
		}
		raw, err := tx.Serialize()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		pretty, _ := json.MarshalIndent(tx, "", "  ")
		fmt.Fprintln(out, string(pretty))

		switch {
		case signPost != "":
			return post(cmd.Context(), out, signPost, raw)
		case signRelay != "":
			return relay(cmd.Context(), out, signRelay, raw)
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Recover and check the signer of a transaction (stdin if no file)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		raw, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		tx, err := transaction.ParseTransaction(bytes.TrimSpace(raw))
		if err != nil {
			return err
		}
		d, err := domain()
		if err != nil {
			return err
		}
		sender, err := transaction.NewVerifier(d).Verify(tx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "valid %s signed by %s (nonce %d)\n", tx.Type, sender.Hex(), tx.Action.Nonce)
		return nil
	},
}

func init() {
	signCmd.Flags().StringVar(&signKey, "key", "", "hex private key (default $HYPERBID_KEY)")
	signCmd.Flags().Uint64Var(&signAsset, "asset", 0, "asset id")
	signCmd.Flags().Uint64Var(&signAmount, "amount", 0, "price, bid, payment, minimum bid or deposit amount")
	signCmd.Flags().Uint64Var(&signDuration, "duration", 0, "auction duration in seconds")
	signCmd.Flags().BoolVar(&signApproved, "approved", true, "approve: grant (true) or revoke (false) the marketplace")
	signCmd.Flags().Uint64Var(&signNonce, "nonce", 1, "transaction nonce")
	signCmd.Flags().StringVar(&signPost, "post", "", "node API base URL to submit to, e.g. http://localhost:8080")
	signCmd.Flags().StringVar(&signRelay, "relay", "", "node p2p multiaddr to relay the transaction to")
	signCmd.MarkFlagsMutuallyExclusive("post", "relay")
}

func post(ctx context.Context, out io.Writer, base string, raw []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := strings.TrimRight(base, "/") + "/api/v1/tx"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(out, "%s %s\n", resp.Status, bytes.TrimSpace(body))
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("node rejected transaction: %s", resp.Status)
	}
	return nil
}

func relay(ctx context.Context, out io.Writer, addr string, raw []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	g, err := p2p.NewEventGossip(ctx, p2p.Config{ChainID: globalFlags.ChainID})
	if err != nil {
		return err
	}
	defer g.Close()

	if err := g.Connect(ctx, addr); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	if err := g.WaitForTxPeers(ctx); err != nil {
		return err
	}
	if err := g.PublishTx(ctx, raw); err != nil {
		return err
	}
	// Give pubsub a moment to flush before the host closes.
	time.Sleep(500 * time.Millisecond)
	fmt.Fprintf(out, "relayed to %s\n", addr)
	return nil
}
