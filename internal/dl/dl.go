// Package dl is the loader's sole cgo boundary: a thin wrapper over
// dlopen(3)/dlsym(3), the platform dynamic loader the mapper uses to bring
// in each dependency and the linker uses to resolve bind symbols against
// them.
package dl

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Handle is an opaque dlopen handle.
type Handle unsafe.Pointer

// Open loads name into the process with RTLD_NOW|RTLD_LOCAL: every bind
// must resolve up front, and symbols stay private to this dependency
// rather than joining the global symbol namespace.
func Open(name string) (Handle, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	h := C.dlopen(cname, C.RTLD_NOW|C.RTLD_LOCAL)
	if h == nil {
		return nil, fmt.Errorf("dl: dlopen %q: %s", name, C.GoString(C.dlerror()))
	}
	return Handle(h), nil
}

// Sym resolves name against handle, returning an error rather than a null
// pointer if it's absent — callers that want to treat a missing symbol as
// non-fatal (weak binds) check the error themselves.
func Sym(handle Handle, name string) (unsafe.Pointer, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	sym := C.dlsym(unsafe.Pointer(handle), cname)
	if sym == nil {
		return nil, fmt.Errorf("dl: dlsym %q: %s", name, C.GoString(C.dlerror()))
	}
	return sym, nil
}
