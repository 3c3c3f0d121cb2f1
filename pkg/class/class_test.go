package class

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ty/pkg/intern"
	"ty/pkg/value"
)

func TestSubclassAndTraits(t *testing.T) {
	r := NewRegistry()

	animal := r.New("Animal")
	dog := r.New("Dog")
	dog.Super = animal

	iter := r.NewTrait("Iter")
	r.Implement(dog, iter)

	require.True(t, r.IsSubclass(dog, animal))
	require.False(t, r.IsSubclass(animal, dog))
	require.True(t, r.IsSubclass(dog, r.Top))
	require.True(t, r.IsSubclass(r.Bottom, animal))
	require.True(t, dog.ImplementsTrait(iter))
	require.False(t, animal.ImplementsTrait(iter))
}

func TestMethodOffsetCacheRoundTrip(t *testing.T) {
	r := NewRegistry()
	base := r.New("Base")
	nameID := intern.Members.Intern("speak").ID()
	base.InstMethods[nameID] = &Method{NameID: nameID, Name: "speak", Fn: value.Nil}

	child := r.New("Child")
	child.Super = base
	require.NoError(t, r.Finalize(child))

	off, err := r.LookupMethod(child, nameID)
	require.NoError(t, err)
	require.Equal(t, FlagMethod, off.Flag())

	// Second lookup hits the cache; result must be identical (Testable
	// Property 6: class offset correctness).
	off2, err := r.LookupMethod(child, nameID)
	require.NoError(t, err)
	require.Equal(t, off, off2)
}

func TestLookupMissingRaisesAttrError(t *testing.T) {
	r := NewRegistry()
	c := r.New("Empty")
	_, err := r.LookupMethod(c, intern.Members.Intern("nope").ID())
	require.ErrorIs(t, err, AttrError)
}

func TestNewInstanceNilInitialised(t *testing.T) {
	r := NewRegistry()
	c := r.New("Point")
	c.Fields = []Field{{NameID: 1, Name: "x"}, {NameID: 2, Name: "y"}}
	obj := NewInstance(c)
	require.Len(t, obj.Obj.Slots, 2)
	require.True(t, value.Equal(obj.Obj.Slots[0], value.Nil))
}
