package historianctl

import (
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/historian/queue"
)

// QueueStatus prints a summary of the durable queue. Opening the queue takes its lock, so this fails while the
// agent is running.
func (a *App) QueueStatus(options queue.Options) error {
	q, err := queue.Open(options, clock.RealClock{})
	if err != nil {
		return errors.WithMessagef(err, "error opening durable queue in %s", options.Dir)
	}
	defer q.Close()
	status, err := q.Status()
	if err != nil {
		return err
	}

	table := newTable()
	table.Writef("Directory:\t%s\n", options.Dir)
	table.Writef("Queue id:\t%s\n", status.Id)
	table.Writef("Cursor:\t%d\n", status.Cursor)
	table.Writef("Next sequence id:\t%d\n", status.NextSeq)
	table.Writef("Pending records:\t%d / %d\n", status.Pending, options.MaxRecords)
	table.Writef("Pending bytes:\t%d / %d\n", status.Bytes, options.MaxBytes)
	table.Writef("Segments:\t%d\n", status.Segments)
	if status.Oldest != nil {
		table.Writef("Oldest pending:\t%d enqueued %s\n", status.Oldest.SequenceId, formatTime(status.Oldest.EnqueuedAt))
	} else {
		table.Writef("Oldest pending:\t-\n")
	}
	table.Writef("Quarantined:\t%d\n", status.Quarantine)
	a.printf("%s", table.String())
	return nil
}

// Quarantine prints the records the database permanently rejected. It reads the log directly and works while
// the agent is running.
func (a *App) Quarantine(dir string) error {
	markers, err := queue.ReadQuarantine(dir)
	if err != nil {
		return err
	}
	if len(markers) == 0 {
		a.printf("No quarantined records in %s\n", dir)
		return nil
	}
	table := newTable()
	table.Writef("SEQ\tTOPIC\tTIMESTAMP\tQUARANTINED AT\tREASON\tVALUE\n")
	for _, m := range markers {
		table.Writef("%d\t%s\t%s\t%s\t%s\t%s\n", m.SequenceId, m.Topic, formatTime(m.Timestamp), formatTime(m.QuarantinedAt), m.Reason, m.Value)
	}
	a.printf("%s", table.String())
	return nil
}
