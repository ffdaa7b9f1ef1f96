package protocol

// FragmentGroup scopes a fragmented message to a logical category, carried
// in the fragment header's Group field.
type FragmentGroup uint16

const (
	FragmentGroupObject FragmentGroup = 0
	FragmentGroupEvent  FragmentGroup = 1
)

// BuildFragmentPayload lays out one fragment's wire bytes: the 16-byte
// fragment header followed by its chunk of data.
func BuildFragmentPayload(hdr FragmentHeader, data []byte) []byte {
	out := make([]byte, FragmentHeaderSize+len(data))
	hdr.Size = uint16(FragmentHeaderSize + len(data))
	hdr.Put(out[0:FragmentHeaderSize])
	copy(out[FragmentHeaderSize:], data)
	return out
}

// SplitIntoFragments splits msg into chunks of at most maxChunk bytes of
// data each (not counting the fragment header), returning one
// FragmentHeader+data pair per chunk with Index/Count/Sequence/Group
// filled in.
func SplitIntoFragments(sequence, objectID uint32, group FragmentGroup, msg []byte, maxChunk int) []struct {
	Header FragmentHeader
	Data   []byte
} {
	if maxChunk <= 0 {
		maxChunk = 1024
	}
	count := (len(msg) + maxChunk - 1) / maxChunk
	if count == 0 {
		count = 1
	}
	out := make([]struct {
		Header FragmentHeader
		Data   []byte
	}, 0, count)

	for i := 0; i < count; i++ {
		start := i * maxChunk
		end := start + maxChunk
		if end > len(msg) {
			end = len(msg)
		}
		out = append(out, struct {
			Header FragmentHeader
			Data   []byte
		}{
			Header: FragmentHeader{
				Sequence: sequence,
				ObjectID: objectID,
				Count:    uint16(count),
				Index:    uint16(i),
				Group:    uint16(group),
			},
			Data: msg[start:end],
		})
	}
	return out
}
