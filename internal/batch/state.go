package batch

import "fmt"

// Kind distinguishes the two batch variants.
type Kind string

const (
	KindRecord Kind = "record"
	KindImage  Kind = "image"
)

// Valid reports whether k is one of the known batch kinds.
func (k Kind) Valid() bool {
	return k == KindRecord || k == KindImage
}

// ParseKind converts a persisted or user-supplied kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown batch kind %q", s)
	}
	return k, nil
}

// State is a position in a kind's state table. The string values are the
// persisted vocabulary and must not change.
type State string

const (
	StateStarted                 State = "started"
	StateProcessStarted          State = "process.started"
	StateProcessCompleted        State = "process.completed"
	StateImportStarted           State = "import.started"
	StateImportCompleted         State = "import.completed"
	StateSimilaritySyncStarted   State = "similarity.sync.started"
	StateSimilaritySyncCompleted State = "similarity.sync.completed"
	StateCompleted               State = "completed"
	StateError                   State = "error"
)

func (s State) String() string {
	return string(s)
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

var transitions = map[Kind]map[State][]State{
	KindRecord: {
		StateStarted:                 {StateProcessStarted, StateProcessCompleted},
		StateProcessStarted:          {StateProcessCompleted},
		StateProcessCompleted:        {StateImportStarted},
		StateImportStarted:           {StateImportCompleted},
		StateImportCompleted:         {StateSimilaritySyncStarted, StateSimilaritySyncCompleted, StateCompleted},
		StateSimilaritySyncStarted:   {StateSimilaritySyncCompleted},
		StateSimilaritySyncCompleted: {StateCompleted},
	},
	KindImage: {
		StateStarted:          {StateProcessStarted, StateProcessCompleted},
		StateProcessStarted:   {StateProcessCompleted},
		StateProcessCompleted: {StateCompleted},
	},
}

// CanTransition reports whether a batch of kind k may move from one state to
// another. Every non-terminal state may move to StateError.
func CanTransition(k Kind, from, to State) bool {
	table, ok := transitions[k]
	if !ok {
		return false
	}
	if to == StateError {
		_, ok := table[from]
		return ok
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}
