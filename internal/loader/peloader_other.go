//go:build !windows

package loader

func osLoad(string) ([]byte, uint64, error) {
	return nil, 0, ErrLoaderUnsupported
}
