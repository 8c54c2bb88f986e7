package usecases

import (
	"fmt"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// MutationEngine applies parameter edits to one parsed document.
// It holds no per-file state and is safe for concurrent use.
type MutationEngine struct {
	formatter *Formatter
}

// NewMutationEngine creates a MutationEngine rendering values with formatter.
func NewMutationEngine(formatter *Formatter) *MutationEngine {
	if formatter == nil {
		formatter = NewFormatter(nil, nil)
	}
	return &MutationEngine{formatter: formatter}
}

// Apply runs every edit in order against a copy of doc and returns the
// mutated copy with its ledger. The input document is never modified.
//
// The first failing edit aborts the file: Apply returns a nil document,
// the ledger so far ending in an errored record, and the error. A missing
// parameter under an error policy wraps domain.ErrParameterNotFound.
func (e *MutationEngine) Apply(file string, doc domain.Document, edits []domain.ParameterEdit) (domain.Document, []domain.ChangeRecord, error) {
	work, err := doc.Clone()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to copy document %s: %w", file, err)
	}

	ledger := make([]domain.ChangeRecord, 0, len(edits))
	for _, edit := range edits {
		rec, err := e.applyEdit(file, work, edit)
		ledger = append(ledger, rec)
		if err != nil {
			return nil, ledger, err
		}
	}
	return work, ledger, nil
}

func (e *MutationEngine) applyEdit(file string, doc domain.Document, edit domain.ParameterEdit) (domain.ChangeRecord, error) {
	rec := domain.ChangeRecord{
		File:  file,
		Block: edit.Block.String(),
		Path:  edit.Path.String(),
	}

	block, blockFound := doc.Block(edit.Block)
	loc := Location{Remaining: edit.Path.Segments()}
	if blockFound {
		loc = Locate(block, edit.Path)
	}
	if loc.Found {
		old := loc.Value
		rec.Old = &old
	}

	action := Decide(loc.Value, loc.Found, edit.Rules)
	switch action.Kind {
	case ActionUpdate:
		text, err := e.formatter.Render(action.Value, ShapeOf(loc.Value))
		if err != nil {
			return errored(rec, fmt.Errorf("%s: %w", edit.Target(), err))
		}
		if err := loc.Node.Replace(text); err != nil {
			return errored(rec, fmt.Errorf("%s: %w", edit.Target(), err))
		}
		value := action.Value
		rec.New = &value
		rec.Action = domain.ActionUpdated

	case ActionAdd:
		text, err := e.formatter.Render(action.Value, ShapeUnknown)
		if err != nil {
			return errored(rec, fmt.Errorf("%s: %w", edit.Target(), err))
		}
		parent := loc.Parent
		if !blockFound {
			if !edit.Block.Creatable() {
				return errored(rec, fmt.Errorf("%w: %s", domain.ErrBlockNotFound, edit.Block))
			}
			parent = doc.AppendBlock(edit.Block)
		}
		if err := parent.Insert(loc.Remaining, text); err != nil {
			return errored(rec, fmt.Errorf("%s: %w", edit.Target(), err))
		}
		value := action.Value
		rec.New = &value
		rec.Action = domain.ActionAdded

	case ActionFail:
		return errored(rec, fmt.Errorf("%w: %s", domain.ErrParameterNotFound, edit.Target()))

	default:
		rec.Action = domain.ActionSkipped
		rec.Reason = action.Reason
		if !blockFound && action.Kind == ActionSkip {
			rec.Reason = "block not found"
		}
	}
	return rec, nil
}

func errored(rec domain.ChangeRecord, err error) (domain.ChangeRecord, error) {
	rec.Action = domain.ActionErrored
	rec.Reason = err.Error()
	return rec, err
}
