package usecases

import "github.com/MyCarrier-DevOps/terraform-updater/internal/domain"

// ActionKind is the decision taken for one parameter.
type ActionKind int

// Decisions produced by Decide.
const (
	// ActionUpdate rewrites a present value to the matched rule's target.
	ActionUpdate ActionKind = iota
	// ActionNoMatch leaves a present value alone because no rule matched.
	ActionNoMatch
	// ActionSkip leaves an absent value absent.
	ActionSkip
	// ActionAdd writes the not-found policy value.
	ActionAdd
	// ActionFail aborts the file.
	ActionFail
	// ActionUnchanged leaves a value that already equals the target.
	ActionUnchanged
)

// Reasons recorded in the ledger for non-mutating decisions.
const (
	ReasonNoMatchingRule = "no matching rule"
	ReasonNotFound       = "parameter not found"
	ReasonAtTarget       = "already at target"
)

// Action is the outcome of evaluating a RuleSet.
type Action struct {
	Kind ActionKind

	// Value is the literal to write for ActionUpdate and ActionAdd.
	Value domain.Literal

	// Reason explains non-mutating decisions.
	Reason string
}

// Decide evaluates rules against a resolved value.
//
// Rules are tried first-match-wins. A matched rule whose target already
// equals the value yields ActionUnchanged. Absent values follow the
// not-found policy; the zero policy is skip.
func Decide(value domain.Literal, found bool, rules domain.RuleSet) Action {
	if found {
		for _, r := range rules.Rules {
			if !r.Matches(value) {
				continue
			}
			if r.Target.Equal(value) {
				return Action{Kind: ActionUnchanged, Reason: ReasonAtTarget}
			}
			return Action{Kind: ActionUpdate, Value: r.Target}
		}
		return Action{Kind: ActionNoMatch, Reason: ReasonNoMatchingRule}
	}

	switch rules.NotFound.Action {
	case domain.NotFoundAdd:
		return Action{Kind: ActionAdd, Value: rules.NotFound.Value}
	case domain.NotFoundError:
		return Action{Kind: ActionFail, Reason: ReasonNotFound}
	default:
		return Action{Kind: ActionSkip, Reason: ReasonNotFound}
	}
}
