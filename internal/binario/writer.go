// Package binario is a small length-prefixed binary encoder/decoder used
// for the wire messages that cross the network in this module. It trades
// schema flexibility for zero generated code and a fixed, auditable byte
// layout — appropriate for a handful of fixed-shape SWIM messages.
package binario

import (
	"encoding/binary"
	"io"
)

type Writer struct {
	writer    io.Writer
	byteOrder binary.ByteOrder
}

func NewWriter(writer io.Writer, byteOrder binary.ByteOrder) *Writer {
	return &Writer{
		writer:    writer,
		byteOrder: byteOrder,
	}
}

func (w *Writer) WriteUint8(value uint8) error {
	_, err := w.writer.Write([]byte{value})
	return err
}

func (w *Writer) WriteUint16(value uint16) error {
	bf := make([]byte, 2)
	w.byteOrder.PutUint16(bf, value)
	_, err := w.writer.Write(bf)

	return err
}

func (w *Writer) WriteUint32(value uint32) error {
	bf := make([]byte, 4)
	w.byteOrder.PutUint32(bf, value)
	_, err := w.writer.Write(bf)

	return err
}

func (w *Writer) WriteUint64(value uint64) error {
	bf := make([]byte, 8)
	w.byteOrder.PutUint64(bf, value)
	_, err := w.writer.Write(bf)

	return err
}

// WriteBytes writes a uint32 length prefix followed by value.
func (w *Writer) WriteBytes(value []byte) error {
	if err := w.WriteUint32(uint32(len(value))); err != nil {
		return err
	}

	_, err := w.writer.Write(value)

	return err
}

func (w *Writer) WriteString(value string) error {
	return w.WriteBytes([]byte(value))
}
