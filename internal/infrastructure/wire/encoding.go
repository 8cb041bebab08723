package wire

import (
	"fmt"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

// encoder appends protobuf fields to a buffer. Zero values are omitted like
// proto3 scalar fields.
type encoder struct {
	buf []byte
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) <= 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

func (e *encoder) repeatedBytes(num protowire.Number, list [][]byte) {
	for _, v := range list {
		e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
		e.buf = protowire.AppendBytes(e.buf, v)
	}
}

func (e *encoder) string(num protowire.Number, v string) {
	e.bytes(num, []byte(v))
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *encoder) int(num protowire.Number, v int64) {
	e.uint(num, protowire.EncodeZigZag(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if v {
		e.uint(num, 1)
	}
}

func (e *encoder) decimal(num protowire.Number, v decimal.Decimal) {
	if v.IsZero() {
		return
	}
	e.string(num, v.String())
}

// message encodes a nested message, always emitted even if empty so that
// repeated messages keep their count.
func (e *encoder) message(num protowire.Number, fn func(e *encoder)) {
	nested := &encoder{}
	fn(nested)
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, nested.buf)
}

// field is a decoded protobuf field.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	data   []byte
}

func (f field) string() string {
	return string(f.data)
}

func (f field) bytes() []byte {
	return append([]byte{}, f.data...)
}

func (f field) int() int64 {
	return protowire.DecodeZigZag(f.varint)
}

func (f field) decimal() (decimal.Decimal, error) {
	return decimal.NewFromString(f.string())
}

// decodeFields calls fn for every field of the buffer. Fields of unknown
// wire types are skipped.
func decodeFields(buf []byte, fn func(f field) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: %s", ErrMalformedMessage, protowire.ParseError(n))
		}
		buf = buf[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(buf)
		case protowire.BytesType:
			f.data, n = protowire.ConsumeBytes(buf)
		default:
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if n < 0 {
			return fmt.Errorf("%w: %s", ErrMalformedMessage, protowire.ParseError(n))
		}
		buf = buf[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
