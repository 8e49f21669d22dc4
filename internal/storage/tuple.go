package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Infomask bits carried on every tuple header, named after the fields
// spec §3 requires: visibility hints plus the move-protocol flags the
// compaction engine uses to keep moved-off/moved-in pairs atomic.
const (
	InfoXminCommitted   = 1 << iota // xmin's transaction is known committed (hint bit)
	InfoXminInvalid                 // tuple is permanently dead regardless of xmin
	InfoXmaxCommitted               // xmax's transaction is known committed (hint bit)
	InfoXmaxInvalid                 // tuple was never deleted regardless of xmax
	InfoMarkedForUpdate             // xmax records a row lock, not a delete
	InfoMovedOff                    // tuple's contents were relocated to Ctid by vacuum
	InfoMovedIn                     // tuple is a vacuum-relocated copy of some source tuple
	InfoUpdated                     // tuple was replaced in place by a newer version at Ctid
)

// TupleHeader carries the MVCC metadata a tuple needs for visibility
// reasoning, update-chain navigation and the compaction move protocol.
//
// Cmin/Cmax double as the vacuum transaction identifier stamped onto a
// tuple's copy during a move (spec §4.3): the command-identifier
// namespace and the move-transaction namespace never collide because a
// command identifier only has meaning within the transaction named by
// Xmin/Xmax.
type TupleHeader struct {
	Length     uint16
	NullBitmap uint16
	Xmin       uint32
	Xmax       uint32
	Cmin       uint32
	Cmax       uint32
	Ctid       TupleID // self-pointer; differs from the tuple's own TID only once updated
	Infomask   uint16
}

// TupleHeaderSize is the on-disk header size: 2+2+4+4+4+4+(4+2)+2 bytes.
const TupleHeaderSize = 28

// Tuple represents a row with header and data.
type Tuple struct {
	Header TupleHeader
	Data   Row
}

// Row is a column name -> value map.
type Row map[string]interface{}

// Column describes one column of a relation's schema.
type Column struct {
	Name     string
	Type     string
	Default  interface{}
	Nullable bool
}

// HasInfomask reports whether every bit in mask is set.
func (h TupleHeader) HasInfomask(mask uint16) bool {
	return h.Infomask&mask == mask
}

// SerializeTuple serializes a fresh tuple: no xmax, ctid pointing at
// itself.
func SerializeTuple(row Row, columns []Column, xmin, cmin uint32, self TupleID) ([]byte, error) {
	return SerializeTupleWithHeader(row, columns, TupleHeader{Xmin: xmin, Cmin: cmin, Ctid: self})
}

// SerializeTupleWithHeader serializes a row with a caller-supplied
// header. Used when copying a tuple during compaction, where the
// header already carries Infomask/Cmin/Ctid state that must survive
// the copy.
func SerializeTupleWithHeader(row Row, columns []Column, header TupleHeader) ([]byte, error) {
	dataBytes, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("marshal tuple: %w", err)
	}

	nullBitmap := uint16(0)
	for i, col := range columns {
		if i >= 16 {
			break // bitmap only supports 16 columns
		}
		if val, exists := row[col.Name]; !exists || val == nil {
			nullBitmap |= 1 << uint(i)
		}
	}
	header.NullBitmap = nullBitmap
	header.Length = uint16(TupleHeaderSize + len(dataBytes))

	result := make([]byte, header.Length)
	putTupleHeader(result, header)
	copy(result[TupleHeaderSize:], dataBytes)

	return result, nil
}

func putTupleHeader(buf []byte, h TupleHeader) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Length)
	binary.LittleEndian.PutUint16(buf[2:4], h.NullBitmap)
	binary.LittleEndian.PutUint32(buf[4:8], h.Xmin)
	binary.LittleEndian.PutUint32(buf[8:12], h.Xmax)
	binary.LittleEndian.PutUint32(buf[12:16], h.Cmin)
	binary.LittleEndian.PutUint32(buf[16:20], h.Cmax)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Ctid.PageID))
	binary.LittleEndian.PutUint16(buf[24:26], h.Ctid.SlotNum)
	binary.LittleEndian.PutUint16(buf[26:28], h.Infomask)
}

func getTupleHeader(buf []byte) TupleHeader {
	return TupleHeader{
		Length:     binary.LittleEndian.Uint16(buf[0:2]),
		NullBitmap: binary.LittleEndian.Uint16(buf[2:4]),
		Xmin:       binary.LittleEndian.Uint32(buf[4:8]),
		Xmax:       binary.LittleEndian.Uint32(buf[8:12]),
		Cmin:       binary.LittleEndian.Uint32(buf[12:16]),
		Cmax:       binary.LittleEndian.Uint32(buf[16:20]),
		Ctid: TupleID{
			PageID:  PageID(binary.LittleEndian.Uint32(buf[20:24])),
			SlotNum: binary.LittleEndian.Uint16(buf[24:26]),
		},
		Infomask: binary.LittleEndian.Uint16(buf[26:28]),
	}
}

// PeekHeader decodes just the header prefix of an on-disk tuple,
// without paying for a full JSON unmarshal of its body. The vacuum
// scanner uses this to classify a tuple before deciding whether it is
// worth deserializing the body at all.
func PeekHeader(data []byte) (TupleHeader, error) {
	if len(data) < TupleHeaderSize {
		return TupleHeader{}, fmt.Errorf("tuple data too short: %d bytes", len(data))
	}
	return getTupleHeader(data), nil
}

// PatchHeader returns a copy of an on-disk tuple with its header
// rewritten by mutate, body untouched. Used for hint-bit writes (spec
// §4.2) and for stamping moved-off/moved-in state during compaction
// (spec §4.3), both of which change only header fields and must leave
// the tuple's length unchanged so it still fits in its slot.
func PatchHeader(data []byte, mutate func(h *TupleHeader)) ([]byte, error) {
	if len(data) < TupleHeaderSize {
		return nil, fmt.Errorf("tuple data too short: %d bytes", len(data))
	}
	h := getTupleHeader(data)
	mutate(&h)
	h.Length = uint16(len(data))

	out := make([]byte, len(data))
	copy(out, data)
	putTupleHeader(out, h)
	return out, nil
}

// DeserializeTuple converts bytes back to a tuple.
func DeserializeTuple(data []byte) (*Tuple, error) {
	if len(data) < TupleHeaderSize {
		return nil, fmt.Errorf("tuple data too short: %d bytes", len(data))
	}

	header := getTupleHeader(data)
	if int(header.Length) != len(data) {
		return nil, fmt.Errorf("tuple length mismatch: header=%d, actual=%d", header.Length, len(data))
	}

	var row Row
	if err := json.Unmarshal(data[TupleHeaderSize:], &row); err != nil {
		return nil, fmt.Errorf("unmarshal tuple: %w", err)
	}

	return &Tuple{Header: header, Data: row}, nil
}

// IsNull checks if a column is null based on the null bitmap.
func (t *Tuple) IsNull(columnIndex int) bool {
	if columnIndex >= 16 {
		return false
	}
	return (t.Header.NullBitmap & (1 << uint(columnIndex))) != 0
}

// Clone creates a deep copy of the tuple.
func (t *Tuple) Clone() *Tuple {
	newRow := make(Row, len(t.Data))
	for k, v := range t.Data {
		newRow[k] = v
	}
	return &Tuple{Header: t.Header, Data: newRow}
}
