package pjit

/*
#include <stdbool.h>
#include <stdint.h>
*/
import "C"

import (
	"unsafe"
)

// C-linkage entry points with a stable ABI. Generated trampolines call
// these; a host program links against the c-shared build of this
// package. Argument layout mirrors the trampoline contract: the
// prototype IR string, the caller's checkpoint pointer, the prototype
// id, and the argument vector.

//export pjit_dispatch
func pjit_dispatch(fnName *C.char, fnPtrSlot *unsafe.Pointer, prototypeID C.uint64_t, argc C.uint32_t, params *unsafe.Pointer) C.bool {
	var vec []unsafe.Pointer
	if params != nil && argc > 0 {
		vec = unsafe.Slice(params, int(argc))
	}
	ready := Get().Dispatch(C.GoString(fnName), fnPtrSlot, uint64(prototypeID), vec)
	return C.bool(ready)
}

//export pjit_dispatch_no_recompile
func pjit_dispatch_no_recompile(fnName *C.char, fallback unsafe.Pointer, prototypeID C.uint64_t, argc C.uint32_t, params *unsafe.Pointer) unsafe.Pointer {
	var vec []unsafe.Pointer
	if params != nil && argc > 0 {
		vec = unsafe.Slice(params, int(argc))
	}
	return Get().DispatchNoRecompile(C.GoString(fnName), fallback, uint64(prototypeID), vec)
}

//export pjit_trace_enter
func pjit_trace_enter(regionID C.uint64_t) {
	Get().TraceEnter(uint64(regionID))
}

//export pjit_trace_exit
func pjit_trace_exit(regionID C.uint64_t) {
	Get().TraceExit(uint64(regionID))
}
