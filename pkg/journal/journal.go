// Package journal records the ids of temporary override rules between the
// transaction that creates them and the transaction that deletes them.
//
// A print run creates its rules, commits, renders, and then deletes the rules
// in a second transaction. If the process dies in between, the rules stay in
// the host document. The journal lets a later run (`sheetpress cleanup`) find
// and delete them.
//
// Implementations:
//   - [NullJournal]: records nothing (journaling disabled)
//   - [SQLiteJournal]: persistent journal backed by modernc.org/sqlite
package journal

import (
	"context"
	"time"

	"github.com/matzehuels/sheetpress/pkg/host"
)

// Entry is a rule that was created by a batch and not yet confirmed deleted.
type Entry struct {
	BatchID   string
	RuleID    host.ID
	CreatedAt time.Time
}

// Journal tracks outstanding temporary rules.
type Journal interface {
	// Record marks ids as created by batchID.
	Record(ctx context.Context, batchID string, ids []host.ID) error

	// Resolve marks ids of batchID as gone from the document.
	Resolve(ctx context.Context, batchID string, ids []host.ID) error

	// Pending returns every recorded, unresolved rule, oldest first.
	Pending(ctx context.Context) ([]Entry, error)

	Close() error
}

// NullJournal is a Journal that records nothing.
type NullJournal struct{}

// NewNullJournal returns a journal that records nothing.
func NewNullJournal() Journal { return NullJournal{} }

func (NullJournal) Record(context.Context, string, []host.ID) error  { return nil }
func (NullJournal) Resolve(context.Context, string, []host.ID) error { return nil }
func (NullJournal) Pending(context.Context) ([]Entry, error)         { return nil, nil }
func (NullJournal) Close() error                                     { return nil }

// GroupByBatch groups entries by batch id, preserving entry order inside each
// group and the order in which batches first appear.
func GroupByBatch(entries []Entry) (batches []string, ids map[string][]host.ID) {
	ids = make(map[string][]host.ID)
	for _, e := range entries {
		if _, ok := ids[e.BatchID]; !ok {
			batches = append(batches, e.BatchID)
		}
		ids[e.BatchID] = append(ids[e.BatchID], e.RuleID)
	}
	return batches, ids
}

var _ Journal = NullJournal{}
