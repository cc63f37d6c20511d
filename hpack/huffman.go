package hpack

import (
	"bytes"
	"errors"
)

var (
	ErrHuffmanEOS     = errors.New("hpack: EOS symbol in huffman data")
	ErrHuffmanPadding = errors.New("hpack: bad huffman padding")
)

// huffmanNode is one branch point of the decoding tree; sym is -1 for
// interior nodes.
type huffmanNode struct {
	zero *huffmanNode
	one  *huffmanNode
	sym  int
}

var huffmanRoot = buildHuffmanTree()

func buildHuffmanTree() *huffmanNode {
	root := &huffmanNode{sym: -1}
	for sym, code := range huffmanCodings {
		node := root
		for i := code.n - 1; i >= 0; i-- {
			next := &node.zero
			if code.bits>>uint(i)&1 == 1 {
				next = &node.one
			}
			if *next == nil {
				*next = &huffmanNode{sym: -1}
			}
			node = *next
		}
		node.sym = sym
	}
	return root
}

// huffmanDecode expands a huffman-coded string literal. Per RFC 7541 §5.2
// the final partial code must be a prefix of EOS (all one bits) no longer
// than seven bits, and a complete EOS symbol is an error.
func huffmanDecode(bs []byte) (string, error) {
	var buf bytes.Buffer

	node := huffmanRoot
	padBits := 0
	padOnes := true
	for _, b := range bs {
		for bit := 7; bit >= 0; bit-- {
			if b>>uint(bit)&1 == 1 {
				node = node.one
			} else {
				node = node.zero
				padOnes = false
			}
			padBits++

			if node.sym < 0 {
				continue
			}
			if node.sym == eosByte {
				return "", ErrHuffmanEOS
			}
			buf.WriteByte(byte(node.sym))
			node = huffmanRoot
			padBits = 0
			padOnes = true
		}
	}

	if node != huffmanRoot && (padBits > 7 || !padOnes) {
		return "", ErrHuffmanPadding
	}
	return buf.String(), nil
}
