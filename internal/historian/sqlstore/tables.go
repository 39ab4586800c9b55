package sqlstore

import (
	"regexp"

	"github.com/G-Research/historian/internal/common/historianerrors"
)

var identifierRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// TablesDef names the tables the historian writes to. Every name is prefixed with Prefix and an underscore
// when Prefix is set.
type TablesDef struct {
	Prefix  string
	Data    string
	Topics  string
	Meta    string
	Batches string
}

func DefaultTablesDef() TablesDef {
	return TablesDef{
		Data:    "data",
		Topics:  "topics",
		Meta:    "meta",
		Batches: "batches",
	}
}

func (t TablesDef) Validate() error {
	if t.Prefix != "" && !identifierRegex.MatchString(t.Prefix) {
		return &historianerrors.ErrInvalidArgument{Name: "Prefix", Value: t.Prefix, Message: "must be a lower case sql identifier"}
	}
	for name, table := range map[string]string{"Data": t.Data, "Topics": t.Topics, "Meta": t.Meta, "Batches": t.Batches} {
		if !identifierRegex.MatchString(table) {
			return &historianerrors.ErrInvalidArgument{Name: name, Value: table, Message: "must be a lower case sql identifier"}
		}
	}
	return nil
}

// Resolved returns the definition with the prefix applied to every table name.
func (t TablesDef) Resolved() TablesDef {
	prefix := func(name string) string {
		if t.Prefix == "" {
			return name
		}
		return t.Prefix + "_" + name
	}
	return TablesDef{
		Prefix:  t.Prefix,
		Data:    prefix(t.Data),
		Topics:  prefix(t.Topics),
		Meta:    prefix(t.Meta),
		Batches: prefix(t.Batches),
	}
}
