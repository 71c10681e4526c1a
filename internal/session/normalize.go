package session

import "bytes"

var newline = []byte("\n")

// normalizer rewrites the channel's line terminator to "\n", holding
// back a terminator split across two reads until it is complete.
type normalizer struct {
	eol  []byte
	rest []byte
}

func newNormalizer(eol string) *normalizer {
	return &normalizer{eol: []byte(eol)}
}

// normalize returns chunk, prefixed with any carried-over bytes, with
// every complete terminator replaced.  In binary mode the bytes pass
// through unchanged.
func (n *normalizer) normalize(chunk []byte, binmode bool) []byte {
	data := chunk
	if len(n.rest) > 0 {
		data = append(n.rest, chunk...)
		n.rest = nil
	}
	if binmode || len(n.eol) == 0 {
		return data
	}
	if k := partialSuffix(data, n.eol); k > 0 {
		n.rest = append([]byte(nil), data[len(data)-k:]...)
		data = data[:len(data)-k]
	}
	return bytes.ReplaceAll(data, n.eol, newline)
}

// pending returns the bytes held back for the next chunk.
func (n *normalizer) pending() []byte { return n.rest }

// partialSuffix returns the length of the longest proper prefix of eol
// that data ends with.
func partialSuffix(data, eol []byte) int {
	for k := len(eol) - 1; k > 0; k-- {
		if bytes.HasSuffix(data, eol[:k]) {
			return k
		}
	}
	return 0
}
