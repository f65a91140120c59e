package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
)

// EventWire is the gossip payload on TopicEvents. Indexers consume it.
type EventWire struct {
	ChainID int64       `json:"chainId"`
	Event   event.Event `json:"event"`
}

// TxWire relays a raw signed transaction towards the sequencer.
type TxWire struct {
	ChainID int64           `json:"chainId"`
	Tx      json.RawMessage `json:"tx"`
}

func encodeWire(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode wire: %w", err)
	}
	return b, nil
}

func decodeWire(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode wire: %w", err)
	}
	return nil
}
