package bkd

import (
	"encoding/binary"
	"fmt"
)

// Document IDs inside a leaf block are stored in one of three ways, picked
// per leaf by inspecting the actual IDs:
//
//	docIDsContinuous  IDs form a run base, base+1, ...; only base is stored.
//	docIDsDelta       IDs are non decreasing; stored as uvarint deltas.
//	docIDsRaw         anything else; stored as fixed width uint32.
const (
	docIDsContinuous byte = 1
	docIDsDelta      byte = 2
	docIDsRaw        byte = 3
)

func appendDocIDs(dst []byte, docIDs []int32) []byte {
	continuous := true
	sorted := true
	for i := 1; i < len(docIDs); i++ {
		if docIDs[i] != docIDs[i-1]+1 {
			continuous = false
		}
		if docIDs[i] < docIDs[i-1] {
			sorted = false
			break
		}
	}

	switch {
	case continuous:
		dst = append(dst, docIDsContinuous)
		base := int32(0)
		if len(docIDs) > 0 {
			base = docIDs[0]
		}
		dst = binary.AppendUvarint(dst, uint64(uint32(base)))
	case sorted:
		dst = append(dst, docIDsDelta)
		prev := int32(0)
		for _, id := range docIDs {
			dst = binary.AppendUvarint(dst, uint64(uint32(id-prev)))
			prev = id
		}
	default:
		dst = append(dst, docIDsRaw)
		for _, id := range docIDs {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(id))
		}
	}
	return dst
}

func decodeDocIDs(r *byteReader, count int, out []int32) ([]int32, error) {
	mode, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if cap(out) < count {
		out = make([]int32, count)
	}
	out = out[:count]

	switch mode {
	case docIDsContinuous:
		base, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i] = int32(uint32(base)) + int32(i)
		}
	case docIDsDelta:
		prev := int32(0)
		for i := range out {
			d, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			prev += int32(uint32(d))
			out[i] = prev
		}
	case docIDsRaw:
		for i := range out {
			b, err := r.read(4)
			if err != nil {
				return nil, err
			}
			out[i] = int32(binary.LittleEndian.Uint32(b))
		}
	default:
		return nil, fmt.Errorf("unknown docID encoding 0x%02x", mode)
	}
	return out, nil
}
