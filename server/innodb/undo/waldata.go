package undo

import "encoding/binary"

// BufDataFlag is the per-buffer flag set assembled in a WAL record (§4.9).
type BufDataFlag uint16

const (
	BufInsert BufDataFlag = 1 << iota
	BufCreate
	BufAddChunk
	BufAddPage
	BufCloseChunk
	BufClose
	BufCloseMultiChunk
)

func (f BufDataFlag) has(bit BufDataFlag) bool { return f&bit != 0 }

// BufData is the auxiliary per-buffer payload carried in a WAL record
// (§4.9). Only the fields relevant to the set flags are populated/consumed;
// the encoding must be stable across versions, so fields are always
// serialized in the same order regardless of which flags are set.
type BufData struct {
	Flags BufDataFlag

	InsertPageOffset            uint16
	ChunkHeaderLocation         URP
	PreviousChunkHeaderLocation URP
	URSType                     URSType
	TypeHeader                  []byte
	ChunkSizePageOffset         uint16
	ChunkSize                   uint64
	FirstChunkHeaderLocation    URP
}

func encodeURPBytes(p URP) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], p.LogNo)
	binary.LittleEndian.PutUint64(buf[4:12], p.Offset)
	return buf
}

func decodeURPBytes(buf []byte) URP {
	return URP{
		LogNo:  binary.LittleEndian.Uint32(buf[0:4]),
		Offset: binary.LittleEndian.Uint64(buf[4:12]),
	}
}

// EncodeBufData packs the flag word first, followed by each present field
// in the fixed order: insert_page_offset, chunk_header_location,
// previous_chunk_header_location, urs_type+type_header, chunk_size fields,
// first_chunk_header_location.
func EncodeBufData(d BufData) []byte {
	buf := make([]byte, 2, 64)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(d.Flags))

	if d.Flags.has(BufInsert) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], d.InsertPageOffset)
		buf = append(buf, b[:]...)
	}
	if d.Flags.has(BufAddPage) {
		buf = append(buf, encodeURPBytes(d.ChunkHeaderLocation)...)
	}
	if d.Flags.has(BufAddChunk) {
		buf = append(buf, encodeURPBytes(d.PreviousChunkHeaderLocation)...)
	}
	if d.Flags.has(BufCreate) || d.Flags.has(BufClose) {
		buf = append(buf, byte(d.URSType))
		var sz [2]byte
		binary.LittleEndian.PutUint16(sz[:], uint16(len(d.TypeHeader)))
		buf = append(buf, sz[:]...)
		buf = append(buf, d.TypeHeader...)
	}
	if d.Flags.has(BufCloseChunk) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], d.ChunkSizePageOffset)
		buf = append(buf, b[:]...)
		var s [8]byte
		binary.LittleEndian.PutUint64(s[:], d.ChunkSize)
		buf = append(buf, s[:]...)
	}
	if d.Flags.has(BufCloseMultiChunk) {
		buf = append(buf, encodeURPBytes(d.FirstChunkHeaderLocation)...)
	}
	return buf
}

// DecodeBufData is EncodeBufData's inverse, reading the flag word and
// consuming fields in the same fixed order.
func DecodeBufData(buf []byte) (BufData, error) {
	var d BufData
	if len(buf) < 2 {
		return d, ErrCorruptBufData
	}
	d.Flags = BufDataFlag(binary.LittleEndian.Uint16(buf[0:2]))
	pos := 2

	need := func(n int) error {
		if pos+n > len(buf) {
			return ErrCorruptBufData
		}
		return nil
	}

	if d.Flags.has(BufInsert) {
		if err := need(2); err != nil {
			return d, err
		}
		d.InsertPageOffset = binary.LittleEndian.Uint16(buf[pos : pos+2])
		pos += 2
	}
	if d.Flags.has(BufAddPage) {
		if err := need(12); err != nil {
			return d, err
		}
		d.ChunkHeaderLocation = decodeURPBytes(buf[pos : pos+12])
		pos += 12
	}
	if d.Flags.has(BufAddChunk) {
		if err := need(12); err != nil {
			return d, err
		}
		d.PreviousChunkHeaderLocation = decodeURPBytes(buf[pos : pos+12])
		pos += 12
	}
	if d.Flags.has(BufCreate) || d.Flags.has(BufClose) {
		if err := need(3); err != nil {
			return d, err
		}
		d.URSType = URSType(buf[pos])
		pos++
		sz := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if err := need(sz); err != nil {
			return d, err
		}
		d.TypeHeader = append([]byte(nil), buf[pos:pos+sz]...)
		pos += sz
	}
	if d.Flags.has(BufCloseChunk) {
		if err := need(10); err != nil {
			return d, err
		}
		d.ChunkSizePageOffset = binary.LittleEndian.Uint16(buf[pos : pos+2])
		pos += 2
		d.ChunkSize = binary.LittleEndian.Uint64(buf[pos : pos+8])
		pos += 8
	}
	if d.Flags.has(BufCloseMultiChunk) {
		if err := need(12); err != nil {
			return d, err
		}
		d.FirstChunkHeaderLocation = decodeURPBytes(buf[pos : pos+12])
		pos += 12
	}
	return d, nil
}
