// Package testing holds helpers shared by the package tests of this module.
package testing

import "math/rand"

// Payload returns n deterministic pseudo-random bytes, seeded by n.
func Payload(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

// Split cuts data into chunks of the given sizes, cycling through them.
// The last chunk holds the remainder.
func Split(data []byte, sizes ...int) [][]byte {
	var chunks [][]byte
	for i := 0; len(data) > 0; i++ {
		n := sizes[i%len(sizes)]
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
