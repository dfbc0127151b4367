package batch

import "fmt"

// StateDef describes one entry of a kind's state table. AutoAdvance marks
// states the scheduler moves forward on its own; the others are terminal or
// wait for an operator. Checkpoints written at the start of a step are
// auto-advance too, so an interrupted step is re-run by the next pass.
type StateDef struct {
	ID          State
	Name        string
	AutoAdvance bool
}

var stateTables = map[Kind][]StateDef{
	KindRecord: {
		{ID: StateStarted, Name: "Awaiting processing...", AutoAdvance: true},
		{ID: StateProcessStarted, Name: "Processing..."},
		{ID: StateProcessCompleted, Name: "Confirmation required."},
		{ID: StateImportStarted, Name: "Importing data...", AutoAdvance: true},
		{ID: StateImportCompleted, Name: "Awaiting similarity sync...", AutoAdvance: true},
		{ID: StateSimilaritySyncStarted, Name: "Syncing similarity...", AutoAdvance: true},
		{ID: StateSimilaritySyncCompleted, Name: "Completed.", AutoAdvance: true},
		{ID: StateCompleted, Name: "Completed."},
	},
	KindImage: {
		{ID: StateStarted, Name: "Awaiting processing...", AutoAdvance: true},
		{ID: StateProcessStarted, Name: "Processing...", AutoAdvance: true},
		{ID: StateProcessCompleted, Name: "Completed.", AutoAdvance: true},
		{ID: StateCompleted, Name: "Completed."},
	},
}

var errorMessages = map[Kind]map[ErrorCode]string{
	KindRecord: {
		ErrAbandoned:   "Data import abandoned.",
		ErrReadingData: "Error reading data from provided data files.",
		ErrSaving:      "Error saving record.",
		ErrDeleting:    "Error deleting existing record.",
	},
	KindImage: {
		ErrAbandoned:      "Data import abandoned.",
		ErrReadingZip:     "Error opening zip file.",
		ErrZipFileEmpty:   "Zip file has no images in it.",
		ErrMalformedImage: "There was an error processing the image. Perhaps it is malformed in some way.",
		ErrEmptyImage:     "The image is empty.",
		ErrNewVersion:     "A new version of the image was uploaded, replacing the old one.",
		ErrTooSmall:       "The image is too small to work with the image similarity algorithm. It must be at least 150px on each side.",
		ErrSaving:         "Error saving image.",
	},
}

// Translator localizes an English message. Implementations live outside this package.
type Translator interface {
	Translate(locale, msg string) string
}

type passthrough struct{}

func (passthrough) Translate(_, msg string) string { return msg }

// Registry answers questions about the state tables of each batch kind.
type Registry struct {
	tr Translator
}

// NewRegistry returns a Registry. A nil translator returns English text.
func NewRegistry(tr Translator) *Registry {
	if tr == nil {
		tr = passthrough{}
	}
	return &Registry{tr: tr}
}

// StatesFor returns the ordered state table of kind k.
func (r *Registry) StatesFor(k Kind) []StateDef {
	return stateTables[k]
}

// Lookup finds the definition of state s for kind k.
func (r *Registry) Lookup(k Kind, s State) (StateDef, bool) {
	for _, def := range stateTables[k] {
		if def.ID == s {
			return def, true
		}
	}
	return StateDef{}, false
}

// Valid reports whether s may be persisted for a batch of kind k.
func (r *Registry) Valid(k Kind, s State) bool {
	if s == StateError {
		return true
	}
	_, ok := r.Lookup(k, s)
	return ok
}

// Advanceable returns the states of kind k that have an automatic transition.
func (r *Registry) Advanceable(k Kind) []State {
	var out []State
	for _, def := range stateTables[k] {
		if def.AutoAdvance {
			out = append(out, def.ID)
		}
	}
	return out
}

// DisplayName returns the localized name of state s. Unknown states are a
// programming error.
func (r *Registry) DisplayName(k Kind, s State, locale string) string {
	if s == StateError {
		return r.tr.Translate(locale, "Error.")
	}
	def, ok := r.Lookup(k, s)
	if !ok {
		panic(fmt.Sprintf("batch: unknown %s state %q", k, s))
	}
	return r.tr.Translate(locale, def.Name)
}

// ErrorMessage returns the localized message for code. Codes without a
// message (raw error text) are returned unchanged.
func (r *Registry) ErrorMessage(k Kind, code ErrorCode, locale string) string {
	msg, ok := errorMessages[k][code]
	if !ok {
		return string(code)
	}
	return r.tr.Translate(locale, msg)
}
