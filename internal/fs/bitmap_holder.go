package fs

import "github.com/bsuserfs/kernelcore/internal/bitmap"

// bitmapT aliases the shared bitmap implementation; kept as a local
// name so FS's field declarations read in terms of this package's
// own vocabulary (data-region sector index), not bitmap's.
type bitmapT = bitmap.Bitmap

func newBitmapHolder(n int) *bitmapT {
	return bitmap.New(n)
}

func loadBitmapHolder(n int, raw []byte) (*bitmapT, error) {
	return bitmap.FromBytes(n, raw)
}
