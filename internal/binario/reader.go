package binario

import (
	"encoding/binary"
	"io"
)

type Reader struct {
	byteOrder binary.ByteOrder
	reader    io.Reader
}

func NewReader(reader io.Reader, byteOrder binary.ByteOrder) *Reader {
	return &Reader{
		reader:    reader,
		byteOrder: byteOrder,
	}
}

func (r *Reader) ReadUint8() (uint8, error) {
	var bs [1]byte
	if _, err := io.ReadFull(r.reader, bs[:]); err != nil {
		return 0, err
	}

	return bs[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	var bs [2]byte
	if _, err := io.ReadFull(r.reader, bs[:]); err != nil {
		return 0, err
	}

	return r.byteOrder.Uint16(bs[:]), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	var bs [4]byte
	if _, err := io.ReadFull(r.reader, bs[:]); err != nil {
		return 0, err
	}

	return r.byteOrder.Uint32(bs[:]), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	var bs [8]byte
	if _, err := io.ReadFull(r.reader, bs[:]); err != nil {
		return 0, err
	}

	return r.byteOrder.Uint64(bs[:]), nil
}

// ReadBytes reads a uint32 length prefix followed by that many bytes.
func (r *Reader) ReadBytes() ([]byte, error) {
	length, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}

	bs := make([]byte, length)
	if _, err := io.ReadFull(r.reader, bs); err != nil {
		return nil, err
	}

	return bs, nil
}

func (r *Reader) ReadString() (string, error) {
	bs, err := r.ReadBytes()
	return string(bs), err
}
