package sqlstore

import (
	"bytes"
	"embed"
	"text/template"

	"github.com/pkg/errors"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// schema renders the DDL of the named dialect for tables. The statements are idempotent.
func schema(dialect string, tables TablesDef) (string, error) {
	tmpl, err := template.ParseFS(schemaFS, "schema/"+dialect+".sql")
	if err != nil {
		return "", errors.WithStack(err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, tables.Resolved()); err != nil {
		return "", errors.WithStack(err)
	}
	return buf.String(), nil
}
