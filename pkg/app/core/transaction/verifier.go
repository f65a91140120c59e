package transaction

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/hyperbid/pkg/crypto"
)

var ErrBadSignature = errors.New("signature invalid")

// Verifier checks that a transaction was signed by its declared sender.
type Verifier struct {
	eip712 *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712: crypto.NewEIP712Signer(domain)}
}

// Verify returns the authenticated sender.
func (v *Verifier) Verify(tx *SignedTransaction) (common.Address, error) {
	if tx.Action == nil {
		return common.Address{}, fmt.Errorf("missing action payload")
	}
	sig, err := hexutil.Decode(tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %v: %w", err, ErrBadSignature)
	}
	signer, err := v.eip712.RecoverActionSigner(tx.ToMarketAction(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature verification failed: %v: %w", err, ErrBadSignature)
	}
	if signer != tx.Action.Sender {
		return common.Address{}, fmt.Errorf("signed by %s, sender %s: %w", signer.Hex(), tx.Action.Sender.Hex(), ErrBadSignature)
	}
	return signer, nil
}
