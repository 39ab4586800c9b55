// Package historianctl implements the operator commands of sqlhistorian: inspecting the durable queue, reading
// stored data back and pruning old rows.
package historianctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/G-Research/historian/internal/common/util"
	"github.com/G-Research/historian/internal/historian/sqlstore"
)

// App holds the output of the operator commands.
type App struct {
	// Out is used to write the output. Defaults to standard out,
	// but can be overridden in tests to make assertions on the applications's output.
	Out io.Writer
}

// New instantiates an App writing to standard output.
func New() *App {
	return &App{Out: os.Stdout}
}

// Store is the part of the SQL store the commands read from and prune.
type Store interface {
	TopicsByPattern(ctx context.Context, pattern string) (map[string]int64, error)
	Query(ctx context.Context, req sqlstore.QueryRequest) (sqlstore.QueryResult, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

func newTable() *util.TabbedStringBuilder {
	return util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (a *App) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.Out, format, args...)
}
