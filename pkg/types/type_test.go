package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnifyMonotonicityBindsOnce(t *testing.T) {
	// Testable Property 4: once a variable is bound, re-unifying it with
	// the same concrete type must not rebind or error, and unifying it
	// with a conflicting type must fail without mutating the existing
	// binding.
	v := FreshVar(0)
	intT := Con("Int")
	u := NewUnifier()
	require.NoError(t, u.UnifyX(v, intT, true, false, true))
	require.Equal(t, intT, ResolveVar(v))

	// Re-unifying with the same type is a no-op success.
	require.NoError(t, u.UnifyX(v, intT, true, false, true))
	require.Equal(t, intT, ResolveVar(v))

	// Unifying the now-bound variable with a different Con fails, and the
	// binding is left untouched (monotonic: never unwinds a commit).
	strT := Con("String")
	err := u.UnifyX(v, strT, true, false, true)
	require.Error(t, err)
	require.Equal(t, intT, ResolveVar(v))
}

func TestUnifyFunctionContravariantParams(t *testing.T) {
	a := FreshVar(0)
	fn0 := Func([]*Type{Con("Int")}, Con("Bool"))
	fn1 := Func([]*Type{a}, Con("Bool"))
	u := NewUnifier()
	require.NoError(t, u.UnifyX(fn0, fn1, true, false, true))
	require.Equal(t, Con("Int"), ResolveVar(a))
}

func TestUnifyRecordStructural(t *testing.T) {
	left := Record([]string{"x", "y"}, []*Type{Con("Int"), Con("Int")})
	right := Record([]string{"y", "x", "z"}, []*Type{Con("Int"), Con("Int"), Con("String")})
	u := NewUnifier()
	require.NoError(t, u.UnifyX(left, right, true, false, true))
}

func TestUnifyUnionSubDirection(t *testing.T) {
	sub := UnionOf(Con("Int"), Con("Bool"))
	super := UnionOf(Con("Int"), Con("Bool"), Con("String"))
	u := NewUnifier()
	require.NoError(t, u.UnifyX(sub, super, true, false, true))
}

func TestUnifyUnionMismatchFails(t *testing.T) {
	sub := UnionOf(Con("Int"), Con("Real"))
	super := UnionOf(Con("Int"), Con("Bool"))
	u := NewUnifier()
	require.Error(t, u.UnifyX(sub, super, true, false, true))
}

func TestOccursCheckRejectsSelfReference(t *testing.T) {
	v := FreshVar(0)
	cyclic := Func([]*Type{v}, Con("Int"))
	u := NewUnifier()
	err := u.UnifyX(v, cyclic, true, false, true)
	require.Error(t, err)
}
