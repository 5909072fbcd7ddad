package divvy

import "github.com/vmihailenco/msgpack/v5"

// MaxFrameSize is the largest encoded item the wire protocol allows:
// max item size is 16384 bytes. One connection carries exactly one
// item; close ends the item. An item whose encoding exceeds this is
// rejected at the master rather than written and truncated at the
// worker.
const MaxFrameSize = 16384

// encodeItem serializes a work item using the canonical wire format,
// MessagePack.
func encodeItem(item Item) ([]byte, error) {
	return msgpack.Marshal([]interface{}(item))
}

// decodeItem reverses encodeItem.
func decodeItem(data []byte) (Item, error) {
	var raw []interface{}
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return Item(raw), nil
}
