// Command macho-loader builds the loader's single C-ABI entry point
// (§6) into a shared library. It carries no disk-reading or
// argument-parsing logic of its own: the caller owns how the image
// bytes reach the process (mapped by an outer launcher, received over a
// socket, embedded in the caller's own binary, etc.) and hands them to
// LoaderExecVM already resident in memory.
package main

/*
#include <stddef.h>
#include <stdint.h>
*/
import "C"

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/blacktop/go-macho/loader"
)

// LoaderExecVM is the loader's C ABI entry point: (argc, argv, envp, data,
// len). On success it transfers control to the image's own entry point and
// never returns. On failure it logs the reason and aborts the process.
//
//export LoaderExecVM
func LoaderExecVM(argc C.uint32_t, argv **C.char, envp **C.char, data *C.uint8_t, length C.size_t) {
	buf := C.GoBytes(unsafe.Pointer(data), C.int(length))

	err := loader.Run(buf, uint32(argc), unsafe.Pointer(argv), unsafe.Pointer(envp))
	if err != nil {
		fmt.Fprintf(os.Stderr, "macho-loader: %v\n", err)
		os.Exit(1)
	}
}

func main() {}
