// Package trampoline is the loader's external entry-transfer collaborator:
// a single cgo call that jumps to a function pointer inside the mapped
// image using the host's C calling convention, argc/argv/envp. Module
// initializers (§4.3) and the final program entry point (§4.4) both go
// through it.
package trampoline

/*
typedef void (*entry_fn)(int argc, const char *const *argv, const char *const *envp);

extern char **environ;

static void invoke(void *fn, int argc, const char *const *argv, const char *const *envp) {
	((entry_fn)fn)(argc, argv, envp ? envp : (const char *const *)environ);
}
*/
import "C"
import "unsafe"

// Call transfers control to the function at addr with argc=0, a single
// null argv entry, and the process's own environ — the calling convention
// for module initializers. Initializers are expected to return.
func Call(addr unsafe.Pointer) {
	var argv [1]*C.char // argv = [nullptr], matching argc == 0
	C.invoke(addr, 0, (**C.char)(unsafe.Pointer(&argv[0])), nil)
}

// CallEntry transfers control to addr with the caller-supplied argc/argv/
// envp, unmodified. This is the program entry point's calling convention
// (§4.4): unlike Call, it never synthesizes argv, and envp is replaced by
// the process's own environ only when it is nil. The callee is not
// expected to return.
func CallEntry(addr unsafe.Pointer, argc uint32, argv, envp unsafe.Pointer) {
	C.invoke(addr, C.int(argc), (**C.char)(argv), (**C.char)(envp))
}
