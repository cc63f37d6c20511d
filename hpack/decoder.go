package hpack

import "errors"

var (
	ErrTruncated       = errors.New("hpack: truncated header block")
	ErrIntegerOverflow = errors.New("hpack: integer larger than 32 bits")
	ErrTableSizeBound  = errors.New("hpack: dynamic table size update above protocol limit")
)

// HPackDecoder holds the connection-global decoding context for one
// direction. Header blocks must be fed in the exact order they arrived on
// the wire, since indexed fields refer to the shared dynamic table.
type HPackDecoder struct {
	indexTable *indexTable

	// upper bound for table size updates, set from the
	// SETTINGS_HEADER_TABLE_SIZE this endpoint advertised
	maxAllowedTableSize int
}

func Decoder() *HPackDecoder {
	return &HPackDecoder{
		indexTable:          NewIndexTable(),
		maxAllowedTableSize: defaultMaxTableSize,
	}
}

// SetMaxDynamicTableSize applies a new SETTINGS_HEADER_TABLE_SIZE. The peer
// may still shrink the table further with an in-band size update, but may
// never grow it past this bound.
func (h *HPackDecoder) SetMaxDynamicTableSize(size uint32) {
	h.maxAllowedTableSize = int(size)
	if h.indexTable.maxSize > h.maxAllowedTableSize {
		h.indexTable.UpdateMaxSize(h.maxAllowedTableSize)
	}
}

func decInt(bs *[]byte, prefix int) (int, error) {
	if len(*bs) == 0 {
		return 0, ErrTruncated
	}
	mask := (1 << prefix) - 1
	i := int((*bs)[0]) & mask
	if i < mask {
		*bs = (*bs)[1:]
		return i, nil
	}

	m := 0
	for {
		*bs = (*bs)[1:]
		if len(*bs) == 0 {
			return 0, ErrTruncated
		}
		if m > 28 {
			return 0, ErrIntegerOverflow
		}
		oct := (*bs)[0]
		i += int(oct&127) << m
		m += 7
		if oct&128 != 128 {
			break
		}
	}
	*bs = (*bs)[1:]

	return i, nil
}

func readStringLiteral(bs *[]byte) (string, error) {
	if len(*bs) == 0 {
		return "", ErrTruncated
	}
	huffman := (*bs)[0]&0x80 != 0
	n, err := decInt(bs, 7)
	if err != nil {
		return "", err
	}
	if n > len(*bs) {
		return "", ErrTruncated
	}
	raw := (*bs)[:n]
	var str string
	if huffman {
		str, err = huffmanDecode(raw)
		if err != nil {
			return "", err
		}
	} else {
		str = string(raw)
	}

	*bs = (*bs)[n:]
	return str, nil
}

func (h *HPackDecoder) readHeaderField(bs *[]byte, idx int) (Header, error) {
	if idx > 0 {
		header, err := h.indexTable.Get(idx)
		if err != nil {
			return Header{}, err
		}
		val, err := readStringLiteral(bs)
		if err != nil {
			return Header{}, err
		}
		return Header{
			Name:  header.Name,
			Value: val,
		}, nil
	}
	name, err := readStringLiteral(bs)
	if err != nil {
		return Header{}, err
	}
	val, err := readStringLiteral(bs)
	if err != nil {
		return Header{}, err
	}
	return Header{
		Name:  name,
		Value: val,
	}, nil
}

// Decode consumes one complete header block and returns the header list in
// wire order. Any error leaves the dynamic table desynchronized; the caller
// must treat it as fatal for the connection (COMPRESSION_ERROR).
func (h *HPackDecoder) Decode(bs []byte) ([]Header, error) {
	headers := []Header{}
	for len(bs) > 0 {
		field := bs[0]

		switch {
		case field&0x80 != 0: // indexed header field
			idx, err := decInt(&bs, 7)
			if err != nil {
				return nil, err
			}
			header, err := h.indexTable.Get(idx)
			if err != nil {
				return nil, err
			}
			headers = append(headers, header)

		case field&0xc0 == 0x40: // literal with incremental indexing
			idx, err := decInt(&bs, 6)
			if err != nil {
				return nil, err
			}
			header, err := h.readHeaderField(&bs, idx)
			if err != nil {
				return nil, err
			}
			h.indexTable.Add(header)
			headers = append(headers, header)

		case field&0xe0 == 0x20: // dynamic table size update
			size, err := decInt(&bs, 5)
			if err != nil {
				return nil, err
			}
			if size > h.maxAllowedTableSize {
				return nil, ErrTableSizeBound
			}
			h.indexTable.UpdateMaxSize(size)

		default: // literal without indexing (0x00) or never indexed (0x10)
			neverIndexed := field&0xf0 == 0x10
			idx, err := decInt(&bs, 4)
			if err != nil {
				return nil, err
			}
			header, err := h.readHeaderField(&bs, idx)
			if err != nil {
				return nil, err
			}
			header.neverIndexed = neverIndexed
			headers = append(headers, header)
		}
	}
	return headers, nil
}
