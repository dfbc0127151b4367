package records

import (
	"strings"
	"time"
)

// Record is a stored, normalized record belonging to a data source.
type Record struct {
	ID       string // source/id
	Source   string
	Type     string
	Data     map[string]any
	Created  time.Time
	Modified time.Time
}

// IdentityOf derives the stored identity of a row from its source and its own id.
func IdentityOf(source, id string) string {
	return source + "/" + id
}

// LocalID strips the source prefix from a stored identity.
func LocalID(source, identity string) string {
	return strings.TrimPrefix(identity, source+"/")
}

// ImageNames returns the file names listed in the record's images field.
func (r *Record) ImageNames() []string {
	raw, ok := r.Data["images"].([]any)
	if !ok {
		return nil
	}
	var names []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			names = append(names, s)
		}
	}
	return names
}
