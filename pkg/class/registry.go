package class

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dolthub/swiss"

	"ty/pkg/intern"
)

// AttrError is raised when a member lookup fails and no trait default
// exists (§4.2 "Failure modes").
var AttrError = errors.New("AttrError")

// Registry is the class/tag/trait registry shared by a thread group
// (§3.4: "Thread groups share ... the class registry").
type Registry struct {
	mu         sync.RWMutex
	byID       []*Class
	byName     *swiss.Map[string, *Class]
	nextTrait  int
	builtinTop ID // first N ids are reserved for built-in names, §4.2

	Top      *Class
	Bottom   *Class
	NilClass *Class
}

// NewRegistry creates an empty registry and installs the built-in
// top/bottom classes used by IsSubclass.
func NewRegistry() *Registry {
	r := &Registry{byName: swiss.NewMap[string, *Class](64)}
	r.Top = r.declareBuiltin("Top")
	r.Bottom = r.declareBuiltin("Bottom")
	r.NilClass = r.declareBuiltin("Nil")
	r.builtinTop = ID(len(r.byID))
	return r
}

func (r *Registry) declareBuiltin(name string) *Class {
	c := newClass(ID(len(r.byID)), name)
	r.byID = append(r.byID, c)
	r.byName.Put(name, c)
	return c
}

// New allocates a class, assigns a monotonically increasing id (class_new).
func (r *Registry) New(name string) *Class {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := newClass(ID(len(r.byID)), name)
	r.byID = append(r.byID, c)
	r.byName.Put(name, c)
	return c
}

// NewTrait allocates a trait: a class with IsTrait set and a fresh
// trait index (§3.2).
func (r *Registry) NewTrait(name string) *Class {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := newClass(ID(len(r.byID)), name)
	c.IsTrait = true
	c.TraitIndex = r.nextTrait
	r.nextTrait++
	r.byID = append(r.byID, c)
	r.byName.Put(name, c)
	return c
}

func (r *Registry) ByName(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName.Get(name)
}

func (r *Registry) ByID(id ID) *Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Implement records t's trait-index in c's bit-vector, transitively
// pulling in t's own super-traits (class_implement_trait, §4.2).
func (r *Registry) Implement(c, t *Class) {
	if !t.IsTrait {
		return
	}
	c.bitSetAdd(t.TraitIndex)
	c.traitOrder = append(c.traitOrder, t)
	for w, bits := range t.traitBits {
		for b := 0; b < 64; b++ {
			if bits&(1<<uint(b)) != 0 {
				c.bitSetAdd(w*64 + b)
			}
		}
	}
}

// IsSubclass implements class_is_subclass exactly as enumerated in §4.2.
func (r *Registry) IsSubclass(sub, sup *Class) bool {
	if sup == sub {
		return true
	}
	if sup == r.Top {
		return true
	}
	if sub == r.Bottom {
		return true
	}
	if sub == r.NilClass {
		return sup == r.NilClass || sup == r.Top
	}
	if sup.IsTrait && sub.ImplementsTrait(sup) {
		return true
	}
	for cur := sub.Super; cur != nil; cur = cur.Super {
		if cur == sup {
			return true
		}
	}
	return false
}

// ResolveAll breadth-first unions member tables from super/traits into c
// without overwriting local definitions (class_resolve_all, §4.2).
func (r *Registry) ResolveAll(c *Class) error {
	if c.finalizing {
		return fmt.Errorf("class %s: cyclic super/trait graph", c.Name)
	}
	c.finalizing = true
	defer func() { c.finalizing = false }()

	sources := []*Class{}
	if c.Super != nil {
		sources = append(sources, c.Super)
	}
	sources = append(sources, c.traitOrder...)

	for _, src := range sources {
		if err := r.ResolveAll(src); err != nil {
			return err
		}
		for id, m := range src.InstMethods {
			if _, ok := c.InstMethods[id]; !ok {
				c.InstMethods[id] = m
			}
		}
		for id, m := range src.Getters {
			if _, ok := c.Getters[id]; !ok {
				c.Getters[id] = m
			}
		}
		for id, m := range src.Setters {
			if _, ok := c.Setters[id]; !ok {
				c.Setters[id] = m
			}
		}
		for id, m := range src.StaticMethods {
			if _, ok := c.StaticMethods[id]; !ok {
				c.StaticMethods[id] = m
			}
		}
		if len(c.Fields) == 0 {
			c.Fields = append(c.Fields, src.Fields...)
		}
	}
	return nil
}

// Finalize is class_ctor's trigger: resolve super/trait closures, copy
// inherited slots, cache method offsets, capture __free__ and init.
// Idempotent (§3.2).
func (r *Registry) Finalize(c *Class) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalised {
		return nil
	}
	if err := r.ResolveAll(c); err != nil {
		return err
	}
	freeID := intern.Members.Intern("__free__").ID()
	if m, ok := c.InstMethods[freeID]; ok {
		c.Finalizer = m.Fn
	}
	initID := intern.Members.Intern("init").ID()
	if m, ok := c.InstMethods[initID]; ok {
		c.Init = m.Fn
	}
	c.finalised = true
	return nil
}

// Ctor finalises c on first access (class_ctor, §4.2) and returns c
// itself, not its constructor; the captured constructor is c.Init.
func (r *Registry) Ctor(c *Class) (*Class, error) {
	if err := r.Finalize(c); err != nil {
		return nil, err
	}
	return c, nil
}

// LookupMethod is class_lookup_method_i: consult the offset cache; on a
// cold miss walk super/traits, insert the answer, and return it (§4.2).
// Returns AttrError if no member (trait default or otherwise) answers.
func (r *Registry) LookupMethod(c *Class, nameID int64) (Offset, error) {
	c.mu.RLock()
	if off, ok := c.offsets[nameID]; ok {
		c.mu.RUnlock()
		return off, nil
	}
	c.mu.RUnlock()

	off, ok := c.lookupOffsetCold(nameID)
	if !ok {
		return noOffset, fmt.Errorf("%w: %s", AttrError, fieldError(c, nameID))
	}

	c.mu.Lock()
	c.offsets[nameID] = off
	c.mu.Unlock()
	return off, nil
}
