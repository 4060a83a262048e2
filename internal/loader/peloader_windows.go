//go:build windows

package loader

import (
	"debug/pe"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// osLoad maps path with LoadLibraryEx without running DllMain or binding
// imports and copies the mapped image out before unloading it.
func osLoad(path string) ([]byte, uint64, error) {
	h, err := windows.LoadLibraryEx(path, 0, windows.DONT_RESOLVE_DLL_REFERENCES)
	if err != nil {
		return nil, 0, errors.Wrap(err, "LoadLibraryEx")
	}
	defer windows.FreeLibrary(h)

	base := uintptr(h)
	size, err := mappedSize(base)
	if err != nil {
		return nil, 0, err
	}
	mem := make([]byte, size)
	copy(mem, unsafe.Slice((*byte)(unsafe.Pointer(base)), size))
	return mem, uint64(base), nil
}

// mappedSize reads SizeOfImage from the headers of the mapped module.
func mappedSize(base uintptr) (int, error) {
	hdr := unsafe.Slice((*byte)(unsafe.Pointer(base)), 0x400)
	lfanew := *(*uint32)(unsafe.Pointer(&hdr[0x3c]))
	if lfanew == 0 || lfanew > 0x400-0x60 {
		return 0, errors.Errorf("bad e_lfanew 0x%x", lfanew)
	}
	// SizeOfImage sits at the same offset in PE32 and PE32+.
	opt := lfanew + 4 + uint32(unsafe.Sizeof(pe.FileHeader{}))
	size := *(*uint32)(unsafe.Pointer(&hdr[opt+56]))
	if size == 0 {
		return 0, errors.New("zero SizeOfImage")
	}
	return int(size), nil
}
