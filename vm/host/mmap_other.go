//go:build !(linux && (amd64 || arm64))

package host

// Mmap is unavailable outside 64-bit Linux. The type is declared so that
// callers build on every platform; NewMmap always fails here.
type Mmap struct {
	Backend
}

// NewMmap is unavailable outside 64-bit Linux; use NewSoft.
func NewMmap() (*Mmap, error) {
	return nil, ErrUnsupported
}
