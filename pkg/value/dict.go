package value

import "unsafe"

// Dict is an open-addressed hash table of (hash, key, value) entries
// with a default value (§3.1). Grounded on original_source's intern
// table open-addressing idiom, generalised from string keys to Values.

func hashValue(v *Value) uint64 {
	if v == nil {
		return 0
	}
	switch v.Kind {
	case KInteger:
		return hashU64(uint64(v.I))
	case KReal:
		return hashU64(uint64(v.F))
	case KBool:
		if v.B {
			return 1
		}
		return 0
	case KNil:
		return 0xDEADBEEF
	case KString:
		return hashBytes([]byte(v.StringVal()))
	default:
		// Identity hash for container/object/callable kinds.
		return hashU64(uint64(uintptr(unsafe.Pointer(v))))
	}
}

func hashU64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func hashBytes(b []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

const emptyDictCap = 8

func (d *DictData) ensureCap() {
	if len(d.slots) == 0 {
		d.slots = make([]dictEntry, emptyDictCap)
	}
}

func (d *DictData) probe(key *Value, h uint64) int {
	mask := uint64(len(d.slots) - 1)
	i := h & mask
	for {
		s := &d.slots[i]
		if s.key == nil {
			return int(i)
		}
		if !s.deleted && s.hash == h && Equal(s.key, key) {
			return int(i)
		}
		i = (i + 1) & mask
	}
}

func (d *DictData) grow() {
	old := d.slots
	newCap := emptyDictCap
	if len(old) > 0 {
		newCap = len(old) * 2
	}
	d.slots = make([]dictEntry, newCap)
	d.count = 0
	for _, s := range old {
		if s.key != nil && !s.deleted {
			d.Set(s.key, s.val)
		}
	}
}

// Get returns the value for key, or the dict's Default (possibly nil)
// if absent.
func (d *DictData) Get(key *Value) *Value {
	if len(d.slots) == 0 {
		return d.Default
	}
	h := hashValue(key)
	i := d.probe(key, h)
	s := &d.slots[i]
	if s.key == nil || s.deleted {
		return d.Default
	}
	return s.val
}

// Has reports whether key is present (ignoring Default).
func (d *DictData) Has(key *Value) bool {
	if len(d.slots) == 0 {
		return false
	}
	h := hashValue(key)
	i := d.probe(key, h)
	s := &d.slots[i]
	return s.key != nil && !s.deleted
}

// Set inserts or overwrites key -> val.
func (d *DictData) Set(key, val *Value) {
	d.ensureCap()
	if d.count*2 >= len(d.slots) {
		d.grow()
	}
	h := hashValue(key)
	i := d.probe(key, h)
	s := &d.slots[i]
	wasNew := s.key == nil || s.deleted
	*s = dictEntry{hash: h, key: key, val: val}
	if wasNew {
		d.count++
	}
}

// Delete removes key, if present.
func (d *DictData) Delete(key *Value) {
	if len(d.slots) == 0 {
		return
	}
	h := hashValue(key)
	i := d.probe(key, h)
	s := &d.slots[i]
	if s.key != nil && !s.deleted {
		s.deleted = true
		s.val = nil
		d.count--
	}
}

// Len returns the number of live entries.
func (d *DictData) Len() int { return d.count }

// Each iterates live entries in table order (GET_NEXT, §4.4.7 relies on
// a stable slot-index based cursor; Each is used by the GC marker and by
// builtins that need a snapshot, not by the VM's own cursor iteration).
func (d *DictData) Each(f func(key, val *Value)) {
	for _, s := range d.slots {
		if s.key != nil && !s.deleted {
			f(s.key, s.val)
		}
	}
}

// SlotAt returns the (key, val) at raw slot index i, or (nil, nil, false)
// if the slot is empty/deleted/out of range — used by GET_NEXT's
// index-driven dict iteration.
func (d *DictData) SlotAt(i int) (key, val *Value, ok bool) {
	if i < 0 || i >= len(d.slots) {
		return nil, nil, false
	}
	s := d.slots[i]
	if s.key == nil || s.deleted {
		return nil, nil, false
	}
	return s.key, s.val, true
}

func (d *DictData) Cap() int { return len(d.slots) }
