package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates signatures across chains and deployments.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // marketplace escrow address
}

func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:    "Hyperbid",
		Version: "1",
		ChainID: big.NewInt(1337),
	}
}

// MarketAction is the single typed-data message every marketplace transaction
// signs. Fields a given action does not use are zero.
type MarketAction struct {
	Action   string         // "list", "bid", ...
	AssetID  uint64         // target asset
	Amount   uint64         // price, payment, bid or min bid
	Duration uint64         // auction length in seconds
	Approved bool           // approve: grant or revoke the marketplace
	Nonce    uint64         // strictly increasing per sender
	Sender   common.Address // signer
}

var marketActionTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"MarketAction": []apitypes.Type{
		{Name: "action", Type: "string"},
		{Name: "assetId", Type: "uint256"},
		{Name: "amount", Type: "uint256"},
		{Name: "duration", Type: "uint256"},
		{Name: "approved", Type: "bool"},
		{Name: "nonce", Type: "uint256"},
		{Name: "sender", Type: "address"},
	},
}

type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	if domain.ChainID == nil {
		domain.ChainID = big.NewInt(0)
	}
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

// TypedData builds the eth_signTypedData_v4 payload for a.
func (e *EIP712Signer) TypedData(a *MarketAction) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       marketActionTypes,
		PrimaryType: "MarketAction",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"action":   a.Action,
			"assetId":  strconv.FormatUint(a.AssetID, 10),
			"amount":   strconv.FormatUint(a.Amount, 10),
			"duration": strconv.FormatUint(a.Duration, 10),
			"approved": a.Approved,
			"nonce":    strconv.FormatUint(a.Nonce, 10),
			"sender":   a.Sender.Hex(),
		},
	}
}

// HashAction returns keccak256("\x19\x01" || domainSeparator || hashStruct(a)).
func (e *EIP712Signer) HashAction(a *MarketAction) ([]byte, error) {
	td := e.TypedData(a)
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}
	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

func (e *EIP712Signer) SignAction(s *Signer, a *MarketAction) ([]byte, error) {
	hash, err := e.HashAction(a)
	if err != nil {
		return nil, err
	}
	return s.Sign(hash)
}

// RecoverActionSigner returns the address that signed a.
func (e *EIP712Signer) RecoverActionSigner(a *MarketAction, signature []byte) (common.Address, error) {
	hash, err := e.HashAction(a)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// VerifyAction reports whether signature was made by a.Sender.
func (e *EIP712Signer) VerifyAction(a *MarketAction, signature []byte) (bool, error) {
	signer, err := e.RecoverActionSigner(a, signature)
	if err != nil {
		return false, err
	}
	return signer == a.Sender, nil
}

// ActionToJSON renders the typed data for wallet signing.
func (e *EIP712Signer) ActionToJSON(a *MarketAction) (string, error) {
	out, err := json.MarshalIndent(e.TypedData(a), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}
