package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// RecordSize is the fixed length of the bootstrap record.
const RecordSize = 8 + 4 + 4 + 2 + 16 + 4

const barrierByte byte = 0x5A

var (
	ErrShortRecord = errors.New("session: short bootstrap record")
	ErrBadBarrier  = errors.New("session: bad barrier byte")
)

// Record is what each side tells the other before the data plane opens.
// All integers travel big-endian.
type Record struct {
	BaseAddress uint64
	AccessKey   uint32
	EndpointID  uint32
	PathAddress uint16
	RoutingID   [16]byte
	BufferSize  uint32
}

func (r Record) String() string {
	return fmt.Sprintf("addr=%#x key=%#x qpn=%d port=%d size=%d", r.BaseAddress, r.AccessKey, r.EndpointID, r.PathAddress, r.BufferSize)
}

func (r Record) Encode() []byte {
	buf := make([]byte, RecordSize)
	binary.BigEndian.PutUint64(buf[0:8], r.BaseAddress)
	binary.BigEndian.PutUint32(buf[8:12], r.AccessKey)
	binary.BigEndian.PutUint32(buf[12:16], r.EndpointID)
	binary.BigEndian.PutUint16(buf[16:18], r.PathAddress)
	copy(buf[18:34], r.RoutingID[:])
	binary.BigEndian.PutUint32(buf[34:38], r.BufferSize)
	return buf
}

func DecodeRecord(buf []byte) (Record, error) {
	if len(buf) != RecordSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(buf))
	}
	var r Record
	r.BaseAddress = binary.BigEndian.Uint64(buf[0:8])
	r.AccessKey = binary.BigEndian.Uint32(buf[8:12])
	r.EndpointID = binary.BigEndian.Uint32(buf[12:16])
	r.PathAddress = binary.BigEndian.Uint16(buf[16:18])
	copy(r.RoutingID[:], buf[18:34])
	r.BufferSize = binary.BigEndian.Uint32(buf[34:38])
	return r, nil
}

// WriteRecord sends r in one write.
func WriteRecord(w io.Writer, r Record) error {
	buf := r.Encode()
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadRecord reads exactly one record. A short read is an error.
func ReadRecord(r io.Reader) (Record, error) {
	buf := make([]byte, RecordSize)
	if n, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Record{}, fmt.Errorf("%w: got %d of %d bytes", ErrShortRecord, n, RecordSize)
		}
		return Record{}, err
	}
	return DecodeRecord(buf)
}
