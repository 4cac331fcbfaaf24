package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/warp/residence-registry/fault"
)

// =============================================================================
// STRUCTURAL-DIFF REPORT
// =============================================================================

type Op string

const (
	OpInspect       Op = "inspect"
	OpCreateTable   Op = "create_table"
	OpAddColumn     Op = "add_column"
	OpAddForeignKey Op = "add_foreign_key"
	OpAddUnique     Op = "add_unique"
)

type Status string

const (
	StatusApplied Status = "applied"
	StatusBlocked Status = "blocked"
)

// Change is one additive operation the pass applied or could not apply.
type Change struct {
	Op         Op
	Table      string
	Object     string
	Statements []string
	Status     Status
	Err        error // *fault.StructuralError when Blocked
}

func (c Change) String() string {
	s := fmt.Sprintf("%-8s %-16s %s.%s", c.Status, c.Op, c.Table, c.Object)
	if c.Err != nil {
		s += " (" + c.Err.Error() + ")"
	}
	return s
}

// Report lists every change of one pass. An empty report means the store
// already conformed to the model.
type Report struct {
	Dialect string
	Changes []Change
}

func (r Report) Empty() bool {
	return len(r.Changes) == 0
}

func (r Report) Applied() []Change {
	return r.filter(StatusApplied)
}

func (r Report) Blocked() []Change {
	return r.filter(StatusBlocked)
}

// Err joins the structural errors of all blocked changes, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, c := range r.Blocked() {
		errs = append(errs, c.Err)
	}
	return errors.Join(errs...)
}

func (r Report) String() string {
	if r.Empty() {
		return "schema conformant: no changes"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d applied, %d blocked\n", len(r.Applied()), len(r.Blocked()))
	for _, c := range r.Changes {
		b.WriteString(c.String())
		b.WriteString("\n")
	}
	return b.String()
}

func (r Report) filter(s Status) []Change {
	var out []Change
	for _, c := range r.Changes {
		if c.Status == s {
			out = append(out, c)
		}
	}
	return out
}

func (r *Report) applied(op Op, table, object string, stmts []string) {
	r.Changes = append(r.Changes, Change{
		Op: op, Table: table, Object: object, Statements: stmts, Status: StatusApplied,
	})
}

func (r *Report) blocked(op Op, table, object string, stmts []string, reason string, cause error) *fault.StructuralError {
	serr := &fault.StructuralError{Table: table, Object: object, Reason: reason, Err: cause}
	r.Changes = append(r.Changes, Change{
		Op: op, Table: table, Object: object, Statements: stmts, Status: StatusBlocked, Err: serr,
	})
	return serr
}
