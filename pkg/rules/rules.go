// Package rules manages the lifecycle of temporary override rules.
//
// A print run attaches one rule to every target sheet and one to every
// non-template view placed on it. All rules of a run are created in a single
// host transaction before anything is rendered, and all of them are deleted in
// a second transaction afterwards, whether rendering succeeded or not.
//
//	plans := rules.PlanPages(pages, set, payload)
//	ids, err := mgr.Apply(ctx, batchID, plans)
//	defer mgr.Cleanup(ctx, batchID, ids)
package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	perrors "github.com/matzehuels/sheetpress/pkg/errors"
	"github.com/matzehuels/sheetpress/pkg/host"
	"github.com/matzehuels/sheetpress/pkg/journal"
	"github.com/matzehuels/sheetpress/pkg/naming"
	"github.com/matzehuels/sheetpress/pkg/override"
)

// maxNameAttempts bounds retries when a resolved name is rejected as taken.
const maxNameAttempts = 16

// Transaction names used on the host document.
const (
	txCreate  = "Create Black Override Filters"
	txCleanup = "Clean Up Temporary Filters"
)

// Plan describes the rule to create on one scope.
type Plan struct {
	Scope      host.Scope
	Page       string // Label of the sheet the scope belongs to
	Categories *override.CategorySet
	Payload    host.OverridePayload
}

// PlanPages returns one plan per sheet followed by one per non-template view
// on that sheet, sheet after sheet.
func PlanPages(pages []host.Page, set *override.CategorySet, payload host.OverridePayload) []Plan {
	var plans []Plan
	for _, p := range pages {
		plans = append(plans, Plan{Scope: p.Scope(), Page: p.Label(), Categories: set, Payload: payload})
		for _, v := range p.Subviews {
			if v.Template {
				continue
			}
			plans = append(plans, Plan{Scope: v.Scope(), Page: p.Label(), Categories: set, Payload: payload})
		}
	}
	return plans
}

// Manager creates and deletes temporary rules on a host document.
type Manager struct {
	Doc     host.Document
	Journal journal.Journal
	Logger  *log.Logger
}

// NewManager creates a manager. A nil journal disables journaling and a nil
// logger falls back to log.Default().
func NewManager(doc host.Document, j journal.Journal, logger *log.Logger) *Manager {
	if j == nil {
		j = journal.NewNullJournal()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{Doc: doc, Journal: j, Logger: logger}
}

// CreateAndAttach creates a uniquely named rule bound to the categories in
// plan, attaches it to the plan scope, and applies the payload.
//
// The existing rule names are re-read from tx before every attempt so rules
// created earlier in the same transaction are taken into account. A name the
// host still rejects as taken is retried up to maxNameAttempts times; any
// other rejection is returned immediately as RULE_CREATION_FAILED.
func (m *Manager) CreateAndAttach(ctx context.Context, tx host.Tx, plan Plan) (host.Rule, error) {
	if plan.Categories == nil || plan.Categories.Len() == 0 {
		return host.Rule{}, perrors.Wrap(perrors.ErrCodeRuleCreation, host.ErrEmptyCategories,
			"create rule for %s %q", plan.Scope.Kind, plan.Scope.Name).WithPage(plan.Page)
	}
	categories := plan.Categories.IDs()
	base := naming.RuleBaseName(plan.Scope.Kind == host.ScopeSubview, string(plan.Scope.ID))

	var (
		id   host.ID
		name string
		err  error
	)
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		existing, lerr := tx.RuleNames(ctx)
		if lerr != nil {
			return host.Rule{}, perrors.Wrap(perrors.ErrCodeRuleCreation, lerr, "list rule names").WithPage(plan.Page)
		}
		name = naming.ResolveRuleName(base, existing)
		id, err = tx.CreateRule(ctx, name, categories)
		if err == nil || !errors.Is(err, host.ErrNameTaken) {
			break
		}
		m.Logger.Debug("rule name taken, retrying", "rule", name, "attempt", attempt+1)
	}
	if err != nil {
		return host.Rule{}, perrors.Wrap(perrors.ErrCodeRuleCreation, err, "create rule %q", name).WithPage(plan.Page)
	}

	if err := tx.AttachRule(ctx, plan.Scope, id); err != nil {
		return host.Rule{}, perrors.Wrap(perrors.ErrCodeRuleCreation, err, "attach rule %q to %s %q", name, plan.Scope.Kind, plan.Scope.Name).WithPage(plan.Page)
	}
	if err := tx.SetOverride(ctx, plan.Scope, id, plan.Payload); err != nil {
		return host.Rule{}, perrors.Wrap(perrors.ErrCodeRuleCreation, err, "apply override for rule %q", name).WithPage(plan.Page)
	}

	return host.Rule{ID: id, Name: name, Scope: plan.Scope, Categories: categories}, nil
}

// Apply creates every planned rule in one transaction and returns the ids in
// plan order. On any failure the transaction is rolled back, no rule exists
// afterwards, and the returned slice is empty. After a successful commit the
// ids are recorded in the journal under batchID.
func (m *Manager) Apply(ctx context.Context, batchID string, plans []Plan) ([]host.ID, error) {
	tx, err := m.Doc.Begin(ctx, txCreate)
	if err != nil {
		return nil, perrors.Wrap(perrors.ErrCodeRuleCreation, err, "begin transaction")
	}

	ids := make([]host.ID, 0, len(plans))
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		rule, err := m.CreateAndAttach(ctx, tx, plan)
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				m.Logger.Warn("rollback failed", "error", rbErr)
			}
			return nil, err
		}
		m.Logger.Debug("created rule", "rule", rule.Name, "scope", plan.Scope.Kind, "target", plan.Scope.Name)
		ids = append(ids, rule.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, perrors.Wrap(perrors.ErrCodeRuleCreation, err, "commit %d rules", len(ids))
	}

	if err := m.Journal.Record(ctx, batchID, ids); err != nil {
		// The rules exist; losing the journal entry only affects crash recovery.
		m.Logger.Warn("journal record failed", "batch", batchID, "error", err)
	}
	m.Logger.Info("applied override rules", "count", len(ids), "batch", batchID)
	return ids, nil
}

// =============================================================================
// Cleanup
// =============================================================================

// Failure is a rule that could not be deleted.
type Failure struct {
	ID  host.ID
	Err error
}

// CleanupReport aggregates the outcome of a cleanup.
type CleanupReport struct {
	Deleted   []host.ID
	Failed    []Failure
	CommitErr error // Non-nil when the deletions could not be committed
}

// OK reports whether every rule was deleted and committed.
func (r CleanupReport) OK() bool {
	return len(r.Failed) == 0 && r.CommitErr == nil
}

// Attempted returns the number of ids cleanup tried to delete.
func (r CleanupReport) Attempted() int {
	return len(r.Deleted) + len(r.Failed)
}

// Cleanup deletes every rule in ids inside one transaction. Each deletion is
// attempted independently; failures (already deleted, in use) are recorded in
// the report and never returned. Ids that were deleted, or that the host no
// longer knows, are resolved in the journal.
func (m *Manager) Cleanup(ctx context.Context, batchID string, ids []host.ID) CleanupReport {
	var report CleanupReport
	if len(ids) == 0 {
		return report
	}

	// Cleanup runs after a failed or cancelled batch too; the host must still
	// be restored.
	ctx = context.WithoutCancel(ctx)

	tx, err := m.Doc.Begin(ctx, txCleanup)
	if err != nil {
		report.CommitErr = fmt.Errorf("begin transaction: %w", err)
		for _, id := range ids {
			report.Failed = append(report.Failed, Failure{ID: id, Err: err})
		}
		m.Logger.Warn("cleanup could not start", "batch", batchID, "error", err)
		return report
	}

	var gone []host.ID
	for _, id := range ids {
		if err := tx.DeleteRule(ctx, id); err != nil {
			report.Failed = append(report.Failed, Failure{ID: id, Err: err})
			if errors.Is(err, host.ErrRuleNotFound) {
				gone = append(gone, id)
			}
			m.Logger.Debug("rule delete failed", "rule", id, "error", err)
			continue
		}
		report.Deleted = append(report.Deleted, id)
	}

	if err := tx.Commit(); err != nil {
		report.CommitErr = fmt.Errorf("commit deletions: %w", err)
		for _, id := range report.Deleted {
			report.Failed = append(report.Failed, Failure{ID: id, Err: err})
		}
		report.Deleted = nil
		m.Logger.Warn("cleanup commit failed", "batch", batchID, "error", err)
	} else {
		gone = append(gone, report.Deleted...)
	}

	if err := m.Journal.Resolve(ctx, batchID, gone); err != nil {
		m.Logger.Warn("journal resolve failed", "batch", batchID, "error", err)
	}

	m.Logger.Info("removed override rules", "deleted", len(report.Deleted), "failed", len(report.Failed), "batch", batchID)
	return report
}

// Recover deletes rules that earlier batches recorded but never cleaned up,
// one cleanup per batch, and returns the reports keyed by batch id.
func (m *Manager) Recover(ctx context.Context) (map[string]CleanupReport, error) {
	entries, err := m.Journal.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	batches, ids := journal.GroupByBatch(entries)
	reports := make(map[string]CleanupReport, len(batches))
	for _, b := range batches {
		m.Logger.Info("recovering orphaned rules", "batch", b, "count", len(ids[b]))
		reports[b] = m.Cleanup(ctx, b, ids[b])
	}
	return reports, nil
}
