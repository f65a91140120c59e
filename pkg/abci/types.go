// Package abci is the boundary between block production and the marketplace
// application. The Sequencer orders transactions into blocks; the
// Application executes them.
package abci

type RequestPrepareProposal struct{ Height, MaxTxBytes int64 }
type ResponsePrepareProposal struct{ Txs [][]byte }

type RequestFinalizeBlock struct {
	Height    int64
	Timestamp int64 // Unix timestamp in seconds
	Txs       [][]byte
}

// TxResult reports one transaction's outcome. Code 0 is success; Kind names
// the error kind otherwise.
type TxResult struct {
	Code uint32 `json:"code"`
	Kind string `json:"kind,omitempty"`
	Log  string `json:"log,omitempty"`
}

func (r TxResult) OK() bool { return r.Code == 0 }

type ResponseFinalizeBlock struct {
	TxResults []TxResult
	Events    int
	AppHash   [32]byte // Hash of application state after execution
	// Err is set when the block could not be committed. The application has
	// rolled back to the previous head and the height must not advance.
	Err error
}

type Application interface {
	PrepareProposal(RequestPrepareProposal) ResponsePrepareProposal
	FinalizeBlock(RequestFinalizeBlock) ResponseFinalizeBlock
}
