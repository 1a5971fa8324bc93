// Package launcher implements stage 4 of the loader pipeline (§4.4):
// transferring control to a linked image's entry point with the host
// process's own argc/argv/envp. This is the loader's last step; on
// success it does not return.
package launcher

import (
	"os"
	"unsafe"

	"github.com/blacktop/go-macho/internal/loglite"
	"github.com/blacktop/go-macho/internal/trampoline"
	"github.com/blacktop/go-macho/linker"
)

// Launch transfers control to img's entry point, passing argc/argv/envp
// through unmodified. Grounded on original_source/src/lib.rs's
// ImageLoader::transfer_control, which logs the target address and then
// calls jump::entry. Unlike the original (which never returns on success),
// if the callee itself returns control the loader terminates the process
// with status 0, per this loader's entry-point contract.
func Launch(img *linker.Image, argc uint32, argv, envp unsafe.Pointer) {
	addr := img.EntryPointAddr()
	loglite.Info("launcher", "transferring control to entrypoint @ %#x", addr)
	trampoline.CallEntry(unsafe.Pointer(addr), argc, argv, envp)
	os.Exit(0)
}
