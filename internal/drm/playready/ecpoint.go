package playready

import (
	"crypto/elliptic"
	"math/big"
)

func wmrmCurve() elliptic.Curve { return elliptic.P256() }

// pointFromBytes splits a 64-byte uncompressed X||Y point into coordinates.
func pointFromBytes(p [64]byte) (x, y *big.Int) {
	return new(big.Int).SetBytes(p[0:32]), new(big.Int).SetBytes(p[32:64])
}

// pointToBytes packs a point's coordinates into 64-byte big-endian X||Y.
func pointToBytes(x, y *big.Int) [64]byte {
	var out [64]byte
	x.FillBytes(out[0:32])
	y.FillBytes(out[32:64])
	return out
}
