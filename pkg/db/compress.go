package db

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Compressed rows carry a fixed header so a fetch can tell packed values
// from raw ones left behind by older writers: a magic word followed by the
// uncompressed and compressed lengths, then the zlib stream.
const (
	compressMagic  = uint32(0xc0ffeeee)
	compressHdrLen = 12
)

func compressValue(raw []byte) ([]byte, error) {
	var body bytes.Buffer
	zw := zlib.NewWriter(&body)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}

	out := make([]byte, compressHdrLen+body.Len())
	binary.LittleEndian.PutUint32(out[0:4], compressMagic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[8:12], uint32(body.Len()))
	copy(out[compressHdrLen:], body.Bytes())
	return out, nil
}

// decompressValue unpacks a stored value. Values without the magic header
// are returned unchanged.
func decompressValue(t Table, val []byte) ([]byte, error) {
	if len(val) < compressHdrLen || binary.LittleEndian.Uint32(val[0:4]) != compressMagic {
		return val, nil
	}

	ulen := binary.LittleEndian.Uint32(val[4:8])
	clen := binary.LittleEndian.Uint32(val[8:12])
	if int(clen) != len(val)-compressHdrLen {
		return nil, &StoreError{
			Code:    ErrCorrupt,
			Table:   t,
			Message: fmt.Sprintf("compressed length %d does not match stored %d", clen, len(val)-compressHdrLen),
		}
	}

	zr, err := zlib.NewReader(bytes.NewReader(val[compressHdrLen:]))
	if err != nil {
		return nil, &StoreError{Code: ErrCorrupt, Table: t, Message: err.Error()}
	}
	defer zr.Close()

	out := make([]byte, 0, ulen)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, zr); err != nil {
		return nil, &StoreError{Code: ErrCorrupt, Table: t, Message: err.Error()}
	}
	if uint32(buf.Len()) != ulen {
		return nil, &StoreError{
			Code:    ErrCorrupt,
			Table:   t,
			Message: fmt.Sprintf("uncompressed length %d does not match header %d", buf.Len(), ulen),
		}
	}
	return buf.Bytes(), nil
}
