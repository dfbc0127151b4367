package batch

// Filtered groups a batch's results for review. Groups that do not apply to
// the batch kind are left nil.
type Filtered struct {
	Unprocessed []Result `json:"unprocessed,omitempty"`
	Created     []Result `json:"created,omitempty"`
	Changed     []Result `json:"changed,omitempty"`
	Deleted     []Result `json:"deleted,omitempty"`
	Models      []Result `json:"models,omitempty"`
	Errors      []Result `json:"errors,omitempty"`
	Warnings    []Result `json:"warnings,omitempty"`
}

// Filter returns the results matching keep, in ledger order.
func (b *Batch) Filter(keep func(Result) bool) []Result {
	var out []Result
	for _, r := range b.Results {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// WithResult returns the results classified as c.
func (b *Batch) WithResult(c Classification) []Result {
	return b.Filter(func(r Result) bool { return r.Result == c })
}

// FilteredResults builds the review groups for the batch.
func (b *Batch) FilteredResults() Filtered {
	f := Filtered{
		Errors:   b.Filter(func(r Result) bool { return r.Error != "" }),
		Warnings: b.Filter(func(r Result) bool { return len(r.Warnings) > 0 }),
	}
	switch b.Kind {
	case KindRecord:
		f.Unprocessed = b.WithResult(ResultUnknown)
		f.Created = b.WithResult(ResultCreated)
		f.Changed = b.WithResult(ResultChanged)
		f.Deleted = b.WithResult(ResultDeleted)
	case KindImage:
		f.Models = b.Filter(func(r Result) bool { return r.Model != "" })
	}
	return f
}
