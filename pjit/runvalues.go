package pjit

import (
	"encoding/binary"
	"hash/fnv"
	"unsafe"
)

// SlotKind tells how one trampoline argument slot is interpreted.
type SlotKind uint8

const (
	// SlotPointer carries the pointer itself.
	SlotPointer SlotKind = iota
	// SlotScalar carries a pointer to the stored integer bytes.
	SlotScalar
)

// Slot describes one trampoline argument position: its kind and, for
// scalars, the stored bit width.
type Slot struct {
	Kind SlotKind
	Bits uint32
}

// RunValue is the captured content of one trampoline argument slot.
type RunValue struct {
	Slot int
	Kind SlotKind
	Ptr  unsafe.Pointer
	Bits uint64 // scalar payload, zero-extended
}

// RunValueList is the argument tuple of one dispatch, in trampoline
// order.
type RunValueList struct {
	Values []RunValue
}

// runValues captures the argument tuple. Pointer slots keep the raw
// pointer; scalar slots load exactly the declared number of bytes from
// behind the slot pointer.
func runValues(slots []Slot, params []unsafe.Pointer) RunValueList {
	list := RunValueList{Values: make([]RunValue, 0, len(slots))}
	for i, slot := range slots {
		if i >= len(params) {
			break
		}
		rv := RunValue{Slot: i, Kind: slot.Kind, Ptr: params[i]}
		if slot.Kind == SlotScalar && params[i] != nil {
			rv.Bits = loadScalar(params[i], slot.Bits)
		}
		list.Values = append(list.Values, rv)
	}
	return list
}

func loadScalar(p unsafe.Pointer, bits uint32) uint64 {
	switch {
	case bits <= 8:
		return uint64(*(*uint8)(p))
	case bits <= 16:
		return uint64(*(*uint16)(p))
	case bits <= 32:
		return uint64(*(*uint32)(p))
	default:
		return *(*uint64)(p)
	}
}

// Hash folds the tuple into the 64-bit value hash of the cache key.
// The hash depends only on externally observable argument bytes:
// pointer slots contribute the pointer bits, scalar slots their byte
// pattern. Identical invocations therefore produce identical keys.
func (l RunValueList) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, rv := range l.Values {
		if rv.Kind == SlotPointer {
			binary.LittleEndian.PutUint64(buf[:], uint64(uintptr(rv.Ptr)))
		} else {
			binary.LittleEndian.PutUint64(buf[:], rv.Bits)
		}
		h.Write(buf[:])
	}
	return h.Sum64()
}
