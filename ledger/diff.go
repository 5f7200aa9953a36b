package ledger

import (
	"fmt"
	"time"
)

// Action is what a transaction did to one ledger object.
type Action uint8

const (
	Created Action = iota + 1
	Modified
	Deleted
)

func (a Action) String() string {
	switch a {
	case Created:
		return "CreatedNode"
	case Modified:
		return "ModifiedNode"
	case Deleted:
		return "DeletedNode"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CreatedNode", "Created":
		*a = Created
	case "ModifiedNode", "Modified":
		*a = Modified
	case "DeletedNode", "Deleted":
		*a = Deleted
	default:
		return fmt.Errorf("invalid node action %q", text)
	}
	return nil
}

// AffectedNode is one entry of a transaction's metadata diff. Before holds
// the object state prior to the transaction (the final state for deleted
// nodes), After the state afterwards; After is empty for deleted nodes.
type AffectedNode struct {
	EntryType EntryType `json:"entry_type"`
	Action    Action    `json:"action"`
	Key       TokenKey  `json:"key"`
	Before    Blob      `json:"before,omitempty"`
	After     Blob      `json:"after,omitempty"`
}

// State returns the most recent known serialization of the object.
func (n *AffectedNode) State() Blob {
	if len(n.After) != 0 {
		return n.After
	}
	return n.Before
}

// TransactionDiff is a validated transaction together with its metadata
// diff, in ledger-declared node order.
type TransactionDiff struct {
	Hash      Hash256        `json:"hash"`
	LedgerSeq Seq            `json:"ledger_index"`
	Type      TxType         `json:"transaction_type"`
	Result    Result         `json:"result"`
	Account   AccountID      `json:"account"`
	Nodes     []AffectedNode `json:"nodes"`
}

// Header describes a closed ledger.
type Header struct {
	Seq        Seq       `msgpack:"s" json:"ledger_index"`
	Hash       Hash256   `msgpack:"h" json:"ledger_hash"`
	ParentHash Hash256   `msgpack:"p" json:"parent_hash"`
	CloseTime  time.Time `msgpack:"t" json:"close_time"`
}

// StateObject is one object of a ledger state snapshot.
type StateObject struct {
	Key  TokenKey `json:"key"`
	Blob Blob     `json:"data"`
}
