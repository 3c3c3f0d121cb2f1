package types

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ty/pkg/value"
)

// TestGeneralisedIdentityInstantiatesIndependently covers scenario S6:
// `fn id(x) = x` infers ∀a. a -> a, and two call sites instantiate
// independent fresh variables so `id(3): Int` and `id("x"): String`
// coexist without cross-unifying.
func TestGeneralisedIdentityInstantiatesIndependently(t *testing.T) {
	e := NewEnv()
	e.EnterScope()
	param := e.NewVar()
	idFn := Func([]*Type{param}, param)
	e.ExitScope()

	Generalise(e, idFn)
	require.Len(t, idFn.BoundVars, 1)

	retInt, err := InferCall(e, idFn, []*Type{Con("Int")}, nil)
	require.NoError(t, err)
	require.Equal(t, "Int", ResolveVar(retInt).Name)

	retStr, err := InferCall(e, idFn, []*Type{Con("String")}, nil)
	require.NoError(t, err)
	require.Equal(t, "String", ResolveVar(retStr).Name)

	// The two instantiations must not have bound each other's variable.
	require.Equal(t, "Int", ResolveVar(retInt).Name)
}

func TestInferCallMissingArgumentErrors(t *testing.T) {
	e := NewEnv()
	fn := Func([]*Type{Con("Int"), Con("Int")}, Con("Bool"))
	_, err := InferCall(e, fn, []*Type{Con("Int")}, nil)
	require.Error(t, err)
}

// TestInferCallMatchesKeywordArgumentByName covers spec.md §4.6.6's
// "match keyword args by name": a keyword argument out of positional
// order must still land in its named parameter's slot.
func TestInferCallMatchesKeywordArgumentByName(t *testing.T) {
	e := NewEnv()
	fn := FuncNamed([]*Type{Con("Int"), Con("String")}, []string{"count", "label"}, Con("Bool"))

	ret, err := InferCall(e, fn,
		[]*Type{Con("String"), Con("Int")},
		[]string{"label", "count"})
	require.NoError(t, err)
	require.Equal(t, "Bool", ResolveVar(ret).Name)
}

func TestInferCallUnknownKeywordNameErrors(t *testing.T) {
	e := NewEnv()
	fn := FuncNamed([]*Type{Con("Int")}, []string{"count"}, Con("Bool"))
	_, err := InferCall(e, fn, []*Type{Con("Int")}, []string{"nope"})
	require.Error(t, err)
}

func TestInferCallIntersectionPicksMatchingOverload(t *testing.T) {
	e := NewEnv()
	intOverload := Func([]*Type{Con("Int")}, Con("Int"))
	strOverload := Func([]*Type{Con("String")}, Con("String"))
	overloaded := IntersectionOf(intOverload, strOverload)

	ret, err := InferCall(e, overloaded, []*Type{Con("String")}, nil)
	require.NoError(t, err)
	require.Equal(t, "String", ResolveVar(ret).Name)
}

func TestTypeCheckUnionAndRecord(t *testing.T) {
	noClass := func(obj *value.Value, name string) bool { return false }

	numOrStr := UnionOf(Con("Int"), Con("String"))
	require.True(t, TypeCheck(value.NewInt(3), numOrStr, noClass))
	require.True(t, TypeCheck(value.NewString("x"), numOrStr, noClass))
	require.False(t, TypeCheck(value.NewBool(true), numOrStr, noClass))

	pair := Record([]string{"", ""}, []*Type{Con("Int"), Con("String")})
	tup := value.NewTuple([]*value.Value{value.NewInt(1), value.NewString("a")}, []int32{-1, -1})
	require.True(t, TypeCheck(tup, pair, noClass))

	badTup := value.NewTuple([]*value.Value{value.NewInt(1), value.NewInt(2)}, []int32{-1, -1})
	require.False(t, TypeCheck(badTup, pair, noClass))
}
