package types

import "fmt"

// defaultFuel bounds unification work to prevent runaway recursion on
// pathological cyclic inputs (§4.6.2 "Fuel").
const defaultFuel = 10000

// Unifier carries the fuel counter across a single top-level UnifyX
// call tree; Testable Property 4 (unification monotonicity) holds
// because rules 3 and 4 only ever bind a variable that is still unbound.
type Unifier struct {
	fuel int
}

func NewUnifier() *Unifier { return &Unifier{fuel: defaultFuel} }

// UnifyX implements §4.6.2's numbered rules. super controls direction
// (t1 checked as a super- or sub-type of t0); soft restricts binding to
// hole (Any-like) variables only, for speculative probing that must not
// commit a real variable.
func (u *Unifier) UnifyX(t0, t1 *Type, super, soft, check bool) error {
	if u.fuel <= 0 {
		return fmt.Errorf("types: unification fuel exhausted")
	}
	u.fuel--

	// Rule 1
	if t0.Kind == KAny || t1.Kind == KAny || t0.Kind == KBottom || t1.Kind == KBottom || t0 == t1 {
		return nil
	}

	// Rule 2
	t0 = ResolveAlias(ResolveVar(t0))
	t1 = ResolveAlias(ResolveVar(t1))
	if t0 == t1 {
		return nil
	}

	// Rule 3: t0 unbound non-rigid variable
	if t0.Kind == KVariable && !t0.Rigid {
		if soft && t1.Kind != KVariable {
			return nil // soft mode never commits a real binding
		}
		if occurs(t0, t1) {
			return u.fail(t0, t1, check, "occurs check failed")
		}
		t0.Bound = widen(t1)
		return nil
	}

	// Rule 4: mirror for t1, non-soft only
	if !soft && t1.Kind == KVariable && !t1.Rigid {
		if occurs(t1, t0) {
			return u.fail(t0, t1, check, "occurs check failed")
		}
		t1.Bound = widen(t0)
		return nil
	}

	// Rule 5: tagged/nominal cons with equal name
	if t0.Kind == KCon && t1.Kind == KCon {
		if t0.Name == t1.Name {
			return nil
		}
		return u.fail(t0, t1, check, fmt.Sprintf("%s is not %s", t0.Name, t1.Name))
	}

	// Rule 6: unions
	if t0.Kind == KUnion || t1.Kind == KUnion {
		return u.unifyUnion(t0, t1, super, soft, check)
	}

	// Rule 7: intersections
	if t0.Kind == KIntersection || t1.Kind == KIntersection {
		return u.unifyIntersection(t0, t1, super, soft, check)
	}

	// Rule 8: records (§4.6.3)
	if t0.Kind == KRecord && t1.Kind == KRecord {
		return u.unifyRecord(t0, t1, super, soft, check)
	}

	// Rule 9: functions
	if t0.Kind == KFunction && t1.Kind == KFunction {
		return u.unifyFunction(t0, t1, check)
	}

	// Rule 10: failure
	return u.fail(t0, t1, check, fmt.Sprintf("%s is not %s", t0, t1))
}

func (u *Unifier) fail(t0, t1 *Type, check bool, reason string) error {
	if !check {
		return errNoMatch
	}
	return fmt.Errorf("TypeError: %s (at src %d/%d)", reason, t0.Src, t1.Src)
}

var errNoMatch = fmt.Errorf("types: no match")

// occurs is the standard occurs-check: does v appear free inside t.
func occurs(v *Type, t *Type) bool {
	t = ResolveVar(t)
	if t == v {
		return true
	}
	switch t.Kind {
	case KFunction:
		for _, p := range t.Params {
			if occurs(v, p) {
				return true
			}
		}
		return occurs(v, t.Ret)
	case KRecord:
		for _, ft := range t.FieldTypes {
			if occurs(v, ft) {
				return true
			}
		}
	case KUnion, KIntersection:
		for _, m := range t.Members {
			if occurs(v, m) {
				return true
			}
		}
	}
	return false
}

// widen relaxes an integer literal type to Int and strips a Fixed flag,
// per rule 3's "bind t0 to a relaxed form of t1".
func widen(t *Type) *Type {
	if t.Kind == KCon && t.Fixed {
		cp := *t
		cp.Fixed = false
		if cp.Name == "IntLiteral" {
			cp.Name = "Int"
		}
		return &cp
	}
	return t
}

func (u *Unifier) unifyUnion(t0, t1 *Type, super, soft, check bool) error {
	if t0.Kind == KUnion {
		// sub-direction: every member of t0 must unify into t1
		for _, m := range t0.Members {
			if err := u.UnifyX(m, t1, super, soft, check); err != nil {
				return err
			}
		}
		return nil
	}
	// t1 is the union: super-direction, try each member, commit first success
	for _, m := range t1.Members {
		sub := NewUnifier()
		sub.fuel = u.fuel
		if err := sub.UnifyX(t0, instantiateProbe(m), super, soft, false); err == nil {
			u.fuel = sub.fuel
			return nil
		}
	}
	return u.fail(t0, t1, check, fmt.Sprintf("%s matches no member of the union", t0))
}

func (u *Unifier) unifyIntersection(t0, t1 *Type, super, soft, check bool) error {
	if t1.Kind == KIntersection {
		for _, m := range t1.Members {
			if err := u.UnifyX(t0, m, super, soft, check); err != nil {
				return err
			}
		}
		return nil
	}
	for _, m := range t0.Members {
		sub := NewUnifier()
		sub.fuel = u.fuel
		if err := sub.UnifyX(instantiateProbe(m), t1, super, soft, false); err == nil {
			u.fuel = sub.fuel
			return nil
		}
	}
	return u.fail(t0, t1, check, fmt.Sprintf("no alternative of %s matches %s", t0, t1))
}

// unifyRecord implements §4.6.3's structural record unification.
func (u *Unifier) unifyRecord(left, right *Type, super, soft, check bool) error {
	for i, name := range left.FieldNames {
		lt := left.FieldTypes[i]
		if name == "" {
			if i >= len(right.FieldTypes) {
				return u.fail(left, right, check, "positional field count mismatch")
			}
			if err := u.UnifyX(lt, right.FieldTypes[i], super, soft, check); err != nil {
				return err
			}
			continue
		}
		if name == left.Variadic {
			continue // trailing variadic field captures the rest; nothing further to check
		}
		rt, ok := fieldByName(right, name)
		if !ok {
			return u.fail(left, right, check, fmt.Sprintf("missing field %q", name))
		}
		if err := u.UnifyX(lt, rt, super, soft, check); err != nil {
			return err
		}
	}
	return nil
}

func fieldByName(r *Type, name string) (*Type, bool) {
	for i, n := range r.FieldNames {
		if n == name {
			return r.FieldTypes[i], true
		}
	}
	return nil, false
}

// unifyFunction implements rule 9: contravariant parameters, covariant
// return, skipping variadic/kwargs slots, then discharging nothing
// further (local per-scope constraints are not modeled as a separate
// vector here — see infer.go's Generalise for where level-scoping does
// the equivalent job).
func (u *Unifier) unifyFunction(t0, t1 *Type, check bool) error {
	n := len(t0.Params)
	if len(t1.Params) < n {
		n = len(t1.Params)
	}
	for i := 0; i < n; i++ {
		if i == t0.RestIdx || i == t0.KwargsAt || i == t1.RestIdx || i == t1.KwargsAt {
			continue
		}
		// contravariant: callee's param (t1) must accept caller's param (t0)
		if err := u.UnifyX(t1.Params[i], t0.Params[i], true, false, check); err != nil {
			return err
		}
	}
	return u.UnifyX(t0.Ret, t1.Ret, false, false, check)
}

// instantiateProbe rebuilds m's function/record/union/intersection
// structure for a speculative union/intersection branch (§4.6.2 rule
// 6/7). Its env is empty, so m's Variables are shared, not copied: a
// branch that binds one of them and then fails leaves that binding.
func instantiateProbe(m *Type) *Type {
	env := map[int64]*Type{}
	return instantiateWith(m, env, m.Level)
}
