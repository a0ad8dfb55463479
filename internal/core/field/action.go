package field

import "reflect"

// StateAction is what a target entity must do with its existing state when a
// definition is created or changed.
type StateAction string

const (
	// ActionNone means nothing observable changed; no message is sent.
	ActionNone StateAction = "NONE"
	// ActionInit creates an empty state and attempts a first calculation.
	ActionInit StateAction = "INIT"
	// ActionReinit discards the state, re-fetches every argument and recalculates.
	ActionReinit StateAction = "REINIT"
	// ActionRecreate is ActionReinit plus a reset of type-specific state structure.
	ActionRecreate StateAction = "RECREATE"
	// ActionReprocess keeps the state and re-runs the calculation under the new definition.
	ActionReprocess StateAction = "REPROCESS"
	// ActionRefreshContext keeps the state and only swaps the definition reference.
	ActionRefreshContext StateAction = "REFRESH_CTX"
)

// RecalculatesState reports whether the action runs a calculation on the target.
func (a StateAction) RecalculatesState() bool {
	switch a {
	case ActionInit, ActionReinit, ActionRecreate, ActionReprocess:
		return true
	}
	return false
}

// RebuildsState reports whether the action throws the existing state away.
func (a StateAction) RebuildsState() bool {
	return a == ActionInit || a == ActionReinit || a == ActionRecreate
}

// DecideAction picks the state action for a definition moving from prev to next.
// A nil prev means the field is new.
func DecideAction(prev, next *CalculatedField) StateAction {
	if prev == nil {
		return ActionInit
	}
	if prev.Type != next.Type {
		return ActionRecreate
	}
	if !sameMap(prev.Arguments, next.Arguments) || !reflect.DeepEqual(prev.Relation, next.Relation) {
		return ActionReinit
	}
	if rollingLimitsChanged(prev, next) {
		return ActionReinit
	}
	if prev.Expression != next.Expression ||
		!reflect.DeepEqual(prev.Output, next.Output) ||
		!sameMap(prev.Metrics, next.Metrics) ||
		prev.ScheduledUpdateInterval != next.ScheduledUpdateInterval {
		return ActionReprocess
	}
	if prev.Name != next.Name || prev.Debug != next.Debug || prev.Limits != next.Limits {
		return ActionRefreshContext
	}
	return ActionNone
}

// rollingLimitsChanged reports whether a limits change alters the record bound of
// any rolling argument; windows already filled must then be fetched again.
func rollingLimitsChanged(prev, next *CalculatedField) bool {
	for name, arg := range next.Arguments {
		if arg.Key.Type != TsRolling {
			continue
		}
		if prev.RollingLimit(prev.Arguments[name]) != next.RollingLimit(arg) {
			return true
		}
	}
	return false
}

// sameMap treats nil and empty maps as equal.
func sameMap[V any](a, b map[string]V) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
