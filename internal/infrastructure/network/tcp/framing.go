package tcp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Every envelope is prefixed by its length, encoded as a protobuf varint.

func writeFrame(w io.Writer, payload []byte) error {
	buf := protowire.AppendVarint(make([]byte, 0, len(payload)+4), uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func readFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size == 0 || size > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidFrameSize, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
