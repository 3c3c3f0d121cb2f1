package types

import (
	"fmt"

	"ty/pkg/value"
)

// Env tracks the scope-nesting level and the per-scope constraint
// vectors of §4.6.1, grounded on the teacher's ownership.go scope-stack
// walk (push on scope entry, pop+process on scope exit).
type Env struct {
	level       int
	constraints [][]*Type
}

func NewEnv() *Env { return &Env{} }

// EnterScope increments CurrentLevel and pushes a fresh constraint
// vector (§4.6.1/§4.6.4).
func (e *Env) EnterScope() {
	e.level++
	e.constraints = append(e.constraints, nil)
}

// ExitScope pops the innermost constraint vector, returning it for the
// caller to discharge (bytecode has already run; nothing further to do
// with them here beyond bookkeeping symmetry with EnterScope).
func (e *Env) ExitScope() []*Type {
	n := len(e.constraints) - 1
	cs := e.constraints[n]
	e.constraints = e.constraints[:n]
	e.level--
	return cs
}

func (e *Env) Level() int { return e.level }

func (e *Env) NewVar() *Type { return FreshVar(e.level) }

// Generalise walks fn's free variables, gathers those whose level
// exceeds the scope's CurrentLevel, and quantifies them into fn.bound
// (§4.6.4).
func Generalise(e *Env, fn *Type) {
	seen := map[int64]bool{}
	var walk func(t *Type)
	walk = func(t *Type) {
		t = ResolveVar(t)
		switch t.Kind {
		case KVariable:
			if !seen[t.ID] && t.Level > e.level && !t.Rigid {
				seen[t.ID] = true
				fn.BoundVars = append(fn.BoundVars, t.ID)
			}
		case KFunction:
			for _, p := range t.Params {
				walk(p)
			}
			walk(t.Ret)
		case KRecord:
			for _, ft := range t.FieldTypes {
				walk(ft)
			}
		case KUnion, KIntersection:
			for _, m := range t.Members {
				walk(m)
			}
		}
	}
	for _, p := range fn.Params {
		walk(p)
	}
	walk(fn.Ret)
}

// Instantiate replaces fn's quantified bound-variable ids with fresh
// variables at the current scope level (§4.6.4). Non-function types
// with no bound vector instantiate to themselves unchanged.
func Instantiate(e *Env, t *Type) *Type {
	if t.Kind != KFunction || len(t.BoundVars) == 0 {
		return t
	}
	env := map[int64]*Type{}
	for _, id := range t.BoundVars {
		env[id] = e.NewVar()
	}
	return instantiateWith(t, env, e.level)
}

// instantiateWith recursively substitutes ids found in env, leaving
// everything else shared (not copied): a variable outside env is the
// same node in the result as in t, so binding it through either binds
// it in both.
func instantiateWith(t *Type, env map[int64]*Type, level int) *Type {
	t = ResolveVar(t)
	switch t.Kind {
	case KVariable:
		if fresh, ok := env[t.ID]; ok {
			return fresh
		}
		return t
	case KFunction:
		params := make([]*Type, len(t.Params))
		for i, p := range t.Params {
			params[i] = instantiateWith(p, env, level)
		}
		ret := instantiateWith(t.Ret, env, level)
		nf := Func(params, ret)
		nf.RestIdx, nf.KwargsAt = t.RestIdx, t.KwargsAt
		nf.ParamNames = t.ParamNames
		return nf
	case KRecord:
		types := make([]*Type, len(t.FieldTypes))
		for i, ft := range t.FieldTypes {
			types[i] = instantiateWith(ft, env, level)
		}
		nr := Record(append([]string{}, t.FieldNames...), types)
		nr.Variadic = t.Variadic
		return nr
	case KUnion:
		members := make([]*Type, len(t.Members))
		for i, m := range t.Members {
			members[i] = instantiateWith(m, env, level)
		}
		return UnionOf(members...)
	case KIntersection:
		members := make([]*Type, len(t.Members))
		for i, m := range t.Members {
			members[i] = instantiateWith(m, env, level)
		}
		return IntersectionOf(members...)
	default:
		return t
	}
}

// CallFn is the VM call entry point ReduceComputed uses to invoke a
// Computed type's compile-time function once every argument is solved,
// replacing the node with the result (§4.6.5). It is injected to avoid an
// import cycle (pkg/types cannot import pkg/vm, which will eventually
// import pkg/types for inline type annotations).
type CallFn func(fn *value.Value, args []*value.Value) (*value.Value, error)

func ReduceComputed(t *Type, call CallFn, argsToValues func([]*Type) ([]*value.Value, bool)) (*Type, error) {
	if t.Kind != KComputed {
		return t, nil
	}
	args, ok := argsToValues(t.Args)
	if !ok {
		return t, nil // not all arguments solved yet
	}
	res, err := call(t.Fn, args)
	if err != nil {
		return nil, fmt.Errorf("types: computed type function failed: %w", err)
	}
	if res.Typ == nil {
		return nil, fmt.Errorf("types: computed type function did not return a Type")
	}
	return res.Typ.(*Type), nil
}

// InferCall implements §4.6.6: positional/keyword argument matching
// against fn's parameters, skipping rest/kwargs slots, with nil
// arguments to non-required parameters accepted. kwNames[i] is the
// keyword name for args[i], or "" for a positional argument.
func InferCall(e *Env, fn *Type, args []*Type, kwNames []string) (*Type, error) {
	fn = Instantiate(e, ResolveVar(fn))
	if fn.Kind == KIntersection {
		var lastErr error
		for _, alt := range fn.Members {
			ret, err := InferCall(e, alt, args, kwNames)
			if err == nil {
				return ret, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
	if fn.Kind != KFunction {
		return nil, fmt.Errorf("TypeError: %s is not callable", fn)
	}

	posIdx := 0
	matched := make([]bool, len(fn.Params))
	u := NewUnifier()
	for i, arg := range args {
		name := ""
		if i < len(kwNames) {
			name = kwNames[i]
		}
		var slot int
		if name == "" {
			for posIdx < len(fn.Params) && (posIdx == fn.RestIdx || posIdx == fn.KwargsAt) {
				posIdx++
			}
			if posIdx >= len(fn.Params) {
				return nil, fmt.Errorf("TypeError: too many positional arguments")
			}
			slot = posIdx
			posIdx++
		} else {
			slot = -1
			for j := range fn.Params {
				if paramName(fn, j) == name {
					slot = j
					break
				}
			}
			if slot < 0 {
				return nil, fmt.Errorf("TypeError: no parameter named %q", name)
			}
		}
		matched[slot] = true
		if arg == nil {
			continue // nil argument to a non-required parameter is acceptable
		}
		if err := u.UnifyX(arg, fn.Params[slot], true, false, true); err != nil {
			return nil, err
		}
	}
	for i := range fn.Params {
		if i == fn.RestIdx || i == fn.KwargsAt {
			continue
		}
		if !matched[i] {
			return nil, fmt.Errorf("TypeError: missing required parameter %d", i)
		}
	}
	return fn.Ret, nil
}

// paramName looks up fn's i'th parameter name (§4.6.6 keyword matching).
// fn.ParamNames is built alongside fn.Params by whatever constructs the
// function's Type (FuncNamed, or a bound method's Instantiate copy);
// a slot left unnamed — no ParamNames at all, or an out-of-range/""
// entry — can still only be matched positionally.
func paramName(fn *Type, i int) string {
	if i < 0 || i >= len(fn.ParamNames) {
		return ""
	}
	return fn.ParamNames[i]
}

// TypeCheck is the runtime bridge (§4.6.7) used by explicit casts and
// `is`. It recurses structurally; classIs is injected to avoid an
// import cycle with pkg/class.
type ClassIsFn func(obj *value.Value, className string) bool

func TypeCheck(v *value.Value, t *Type, classIs ClassIsFn) bool {
	t = ResolveVar(t)
	switch t.Kind {
	case KAny:
		return true
	case KBottom:
		return false
	case KUnion:
		for _, m := range t.Members {
			if TypeCheck(v, m, classIs) {
				return true
			}
		}
		return false
	case KIntersection:
		for _, m := range t.Members {
			if !TypeCheck(v, m, classIs) {
				return false
			}
		}
		return true
	case KCon:
		return checkCon(v, t.Name, classIs)
	case KRecord:
		return checkRecord(v, t, classIs)
	case KFunction:
		return v.Callable()
	default:
		return true
	}
}

func checkCon(v *value.Value, name string, classIs ClassIsFn) bool {
	switch name {
	case "Int":
		return v.Kind == value.KInteger
	case "Real":
		return v.Kind == value.KReal
	case "Bool":
		return v.Kind == value.KBool
	case "String":
		return v.Kind == value.KString
	case "Nil":
		return v.Kind == value.KNil
	default:
		if v.Kind == value.KObject {
			return classIs(v, name)
		}
		return false
	}
}

func checkRecord(v *value.Value, t *Type, classIs ClassIsFn) bool {
	switch v.Kind {
	case value.KTuple:
		// Named fields are matched by interned id upstream of this check
		// (the Value's Tup.Names carries ids, not strings); here we only
		// have the Type's string names, so positional alignment is the
		// structural check this layer can make on its own.
		if len(t.FieldTypes) > len(v.Tup.Items) {
			return false
		}
		for i, ft := range t.FieldTypes {
			if !TypeCheck(v.Tup.Items[i], ft, classIs) {
				return false
			}
		}
		return true
	case value.KObject:
		for i := range t.FieldTypes {
			if i >= len(v.Obj.Slots) {
				return false
			}
			if !TypeCheck(v.Obj.Slots[i], t.FieldTypes[i], classIs) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
