package msgnet

// Deterministic crypto.Reader
// overview: half the result is used as the output
// [a|...] -> sha512(a) -> [b|output] -> sha512(b)

import (
	"crypto/sha512"
	"io"
)

// DetermRandIter is the number of times a seed is hashed with SHA-512 to produce
// the starting state of a pseudo-random stream
const DetermRandIter = 2048

// NewDetermRand creates an io.Reader that produces pseudo random bytes that are
// deterministic from a seed. It is used to derive stable SSH host keys.
func NewDetermRand(seed []byte) io.Reader {
	var out []byte
	next := seed
	for i := 0; i < DetermRandIter; i++ {
		next, out = hashSplit(next)
	}
	return &DetermRand{
		next: next,
		out:  out,
	}
}

// DetermRand keeps running state for a pseudorandom byte stream
type DetermRand struct {
	next, out []byte
}

func (d *DetermRand) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		next, out := hashSplit(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

// hashSplit returns the two halves of the SHA-512 of input
func hashSplit(input []byte) (next []byte, output []byte) {
	sum := sha512.Sum512(input)
	return sum[:sha512.Size/2], sum[sha512.Size/2:]
}
