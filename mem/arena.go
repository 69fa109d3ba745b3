// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package mem provides an arena allocator for per-frame command streams and
// small ordered maps allocated from it.
package mem

import (
	"cmp"
	"iter"
	"reflect"
	"slices"
	"unsafe"

	"golang.org/x/exp/constraints"
)

const slabSize = 1024 * 1024

// Arena hands out memory for values that live until the next Reset. Values
// without pointers share untyped slabs; values with pointers get slabs of
// their own type so the garbage collector can scan them.
type Arena struct {
	byteSlabs  []slab
	typedSlabs map[reflect.Type][]slab
	// oversized holds allocations that don't fit into a slab. They are
	// dropped on Reset.
	oversized []unsafe.Pointer
}

type slab struct {
	data   unsafe.Pointer
	size   int
	offset int
}

// take reserves n bytes aligned to align, reporting false if the slab is
// too full.
func (sl *slab) take(n, align int) (unsafe.Pointer, bool) {
	off := (sl.offset + align - 1) &^ (align - 1)
	if sl.size-off < n {
		return nil, false
	}
	sl.offset = off + n
	return unsafe.Add(sl.data, off), true
}

// NewArena returns an empty arena. Memory is reused after Reset.
func NewArena() *Arena {
	return &Arena{typedSlabs: make(map[reflect.Type][]slab)}
}

// Make allocates a copy of v in the arena.
func Make[T any](a *Arena, v T) *T {
	// TypeOf(v) would be nil for interface types.
	typ := reflect.TypeFor[T]()
	ptr := (*T)(a.alloc(typ, 1))
	*ptr = v
	return ptr
}

// NewSlice allocates a zeroed slice with the given length and capacity.
func NewSlice[T ~[]E, E any](a *Arena, len, cap int) T {
	if cap == 0 {
		return nil
	}
	ptr := a.alloc(reflect.TypeFor[E](), cap)
	return T(unsafe.Slice((*E)(ptr), cap)[:len])
}

// MakeSlice allocates a copy of values.
func MakeSlice[T ~[]E, E any](a *Arena, values T) T {
	s := NewSlice[T](a, len(values), len(values))
	copy(s, values)
	return s
}

// Append is like the builtin append but grows s in the arena.
func Append[T ~[]E, E any](a *Arena, s T, data ...E) T {
	if need := len(s) + len(data); need > cap(s) {
		newCap := max(cap(s)*2, need)
		if cap(s) >= 256 {
			newCap = max(cap(s)+cap(s)/4, need)
		}
		s2 := NewSlice[T](a, len(s), newCap)
		copy(s2, s)
		s = s2
	}
	return append(s, data...)
}

func (a *Arena) alloc(typ reflect.Type, num int) unsafe.Pointer {
	size := num * int(typ.Size())
	if size > slabSize {
		ptr := reflect.MakeSlice(reflect.SliceOf(typ), num, num).UnsafePointer()
		a.oversized = append(a.oversized, ptr)
		return ptr
	}
	align := typ.Align()

	if pointerFree(typ) {
		for i := range a.byteSlabs {
			if ptr, ok := a.byteSlabs[i].take(size, align); ok {
				clear(unsafe.Slice((*byte)(ptr), size))
				return ptr
			}
		}
		a.byteSlabs = append(a.byteSlabs, slab{
			data: unsafe.Pointer(unsafe.SliceData(make([]byte, slabSize))),
			size: slabSize,
		})
		ptr, _ := a.byteSlabs[len(a.byteSlabs)-1].take(size, align)
		return ptr
	}

	// Typed slabs are zeroed by Reset.
	slabs := a.typedSlabs[typ]
	for i := range slabs {
		if ptr, ok := slabs[i].take(size, align); ok {
			return ptr
		}
	}
	n := slabSize / int(typ.Size())
	sl := slab{
		data: reflect.MakeSlice(reflect.SliceOf(typ), n, n).UnsafePointer(),
		size: n * int(typ.Size()),
	}
	ptr, _ := sl.take(size, align)
	a.typedSlabs[typ] = append(slabs, sl)
	return ptr
}

// pointerFree reports whether values of typ contain no pointers the garbage
// collector has to know about.
func pointerFree(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return typ.Len() == 0 || pointerFree(typ.Elem())
	case reflect.Struct:
		for i := range typ.NumField() {
			if !pointerFree(typ.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Reset makes all of the arena's memory available for reuse. Values
// allocated before the call must not be used afterwards.
func (a *Arena) Reset() {
	if a.typedSlabs == nil {
		a.typedSlabs = make(map[reflect.Type][]slab)
	}
	clear(a.oversized)
	a.oversized = a.oversized[:0]
	for i := range a.byteSlabs {
		a.byteSlabs[i].offset = 0
	}
	for _, slabs := range a.typedSlabs {
		for i := range slabs {
			sl := &slabs[i]
			// Don't keep stale pointers alive.
			clear(unsafe.Slice((*byte)(sl.data), sl.offset))
			sl.offset = 0
		}
	}
}

// BinaryTreeMap is a map ordered by key whose storage lives in an arena.
type BinaryTreeMap[K constraints.Ordered, V any] struct {
	entries []binaryTreeMapEntry[K, V]
}

type binaryTreeMapEntry[K constraints.Ordered, V any] struct {
	key   K
	value V
}

func (m *BinaryTreeMap[K, V]) search(key K) (int, bool) {
	return slices.BinarySearchFunc(m.entries, key, func(e binaryTreeMapEntry[K, V], key K) int {
		return cmp.Compare(e.key, key)
	})
}

// Insert sets the value of key, replacing any previous value.
func (m *BinaryTreeMap[K, V]) Insert(a *Arena, key K, value V) {
	i, ok := m.search(key)
	if ok {
		m.entries[i].value = value
		return
	}
	m.entries = Append(a, m.entries, binaryTreeMapEntry[K, V]{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = binaryTreeMapEntry[K, V]{key, value}
}

func (m *BinaryTreeMap[K, V]) Get(key K) (V, bool) {
	if i, ok := m.search(key); ok {
		return m.entries[i].value, true
	}
	var zero V
	return zero, false
}

// All yields the entries in key order.
func (m *BinaryTreeMap[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, e := range m.entries {
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}
