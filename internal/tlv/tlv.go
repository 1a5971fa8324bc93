// Package tlv declares the host runtime's thread-local-variable descriptor
// installer as an external collaborator: this loader never implements TLV
// machinery itself, it only hands the mapped image's header address to the
// routine that does.
package tlv

/*
typedef struct mach_header_64 mach_header_64;
extern void tlv_initialize_descriptors_export(const mach_header_64 *mh);

static void call_tlv_initialize_descriptors_export(const void *mh) {
	tlv_initialize_descriptors_export((const mach_header_64 *)mh);
}
*/
import "C"
import "unsafe"

// Initialize installs thread-local variable descriptors for the image
// whose Mach-O header begins at mh.
func Initialize(mh unsafe.Pointer) {
	C.call_tlv_initialize_descriptors_export(mh)
}
