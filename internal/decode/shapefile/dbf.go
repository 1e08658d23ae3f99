package shapefile

import (
	"encoding/binary"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/sonmap/geoimport/internal/decode"
	"github.com/sonmap/geoimport/internal/model"
)

// dbfField is one column descriptor from the DBF header.
type dbfField struct {
	name     string
	kind     byte // C, N, F, L, D
	length   int
	decimals int
}

// dbfTable holds the attribute sidecar of a shapefile. Rows are
// decoded lazily on access.
type dbfTable struct {
	fields     []dbfField
	records    []byte
	numRecords int
	recordSize int
}

func parseDBF(buf []byte) (*dbfTable, error) {
	if len(buf) < 32 {
		return nil, &decode.StructuralError{Format: "dbf", Reason: "buffer too small for header"}
	}

	numRecords := int(binary.LittleEndian.Uint32(buf[4:8]))
	headerSize := int(binary.LittleEndian.Uint16(buf[8:10]))
	recordSize := int(binary.LittleEndian.Uint16(buf[10:12]))
	if headerSize < 33 || headerSize > len(buf) || recordSize < 1 {
		return nil, &decode.StructuralError{Format: "dbf", Reason: "invalid header geometry"}
	}

	t := &dbfTable{
		records:    buf[headerSize:],
		numRecords: numRecords,
		recordSize: recordSize,
	}

	for off := 32; off+32 <= headerSize; off += 32 {
		if buf[off] == 0x0d {
			break
		}
		desc := buf[off : off+32]
		name := strings.TrimRight(string(desc[0:11]), "\x00")
		t.fields = append(t.fields, dbfField{
			name:     name,
			kind:     desc[11],
			length:   int(desc[16]),
			decimals: int(desc[17]),
		})
	}
	if len(t.fields) == 0 {
		return nil, &decode.StructuralError{Format: "dbf", Reason: "no field descriptors"}
	}

	return t, nil
}

// row decodes the attributes of record i (0-based). Deleted or
// out-of-range records return nil.
func (t *dbfTable) row(i int) map[string]model.AttrValue {
	if i < 0 || i >= t.numRecords {
		return nil
	}
	start := i * t.recordSize
	if start+t.recordSize > len(t.records) {
		return nil
	}
	rec := t.records[start : start+t.recordSize]
	if rec[0] == '*' {
		return nil // deleted
	}

	attrs := make(map[string]model.AttrValue, len(t.fields))
	off := 1
	for _, f := range t.fields {
		if off+f.length > len(rec) {
			break
		}
		raw := strings.TrimSpace(trimNUL(string(rec[off : off+f.length])))
		off += f.length
		if raw == "" {
			attrs[f.name] = model.NullAttr()
			continue
		}
		attrs[f.name] = convertDBFValue(f, raw)
	}
	return attrs
}

func convertDBFValue(f dbfField, raw string) model.AttrValue {
	switch f.kind {
	case 'N':
		if f.decimals == 0 {
			if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return model.IntAttr(i)
			}
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return model.FloatAttr(v)
		}
		return model.NullAttr()
	case 'F':
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return model.FloatAttr(v)
		}
		return model.NullAttr()
	case 'L':
		switch raw[0] {
		case 'T', 't', 'Y', 'y':
			return model.BoolAttr(true)
		case 'F', 'f', 'N', 'n':
			return model.BoolAttr(false)
		}
		return model.NullAttr()
	default:
		// C, D and anything unrecognized: keep the text. DBF text is
		// commonly Windows-1252.
		if decoded, err := charmap.Windows1252.NewDecoder().String(raw); err == nil {
			return model.StringAttr(decoded)
		}
		return model.StringAttr(raw)
	}
}

func trimNUL(s string) string {
	return strings.TrimRight(s, "\x00")
}
