package zarr

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Supported Zarr v3 data types.
const (
	DTypeBool    = "bool"
	DTypeInt8    = "int8"
	DTypeInt16   = "int16"
	DTypeInt32   = "int32"
	DTypeInt64   = "int64"
	DTypeUint8   = "uint8"
	DTypeUint16  = "uint16"
	DTypeUint32  = "uint32"
	DTypeUint64  = "uint64"
	DTypeFloat32 = "float32"
	DTypeFloat64 = "float64"
	DTypeString  = "string"
)

func zarrDTypeSize(dataType string) (int, error) {
	switch dataType {
	case DTypeBool, DTypeInt8, DTypeUint8:
		return 1, nil
	case DTypeInt16, DTypeUint16:
		return 2, nil
	case DTypeFloat32, DTypeInt32, DTypeUint32:
		return 4, nil
	case DTypeFloat64, DTypeInt64, DTypeUint64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

// IsInteger reports whether dataType is a signed or unsigned integer type.
func IsInteger(dataType string) bool {
	switch dataType {
	case DTypeInt8, DTypeInt16, DTypeInt32, DTypeInt64,
		DTypeUint8, DTypeUint16, DTypeUint32, DTypeUint64:
		return true
	}
	return false
}

// fillFloat interprets a JSON fill_value as a float64.
func fillFloat(fill interface{}) (float64, error) {
	switch t := fill.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		switch t {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	return 0, fmt.Errorf("unsupported fill_value: %v (%T)", fill, fill)
}

// zarrFillValueBytes encodes an array's fill value as one little-endian element.
func zarrFillValueBytes(meta *ArrayMeta) ([]byte, error) {
	size, err := zarrDTypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	if meta.FillValue == nil {
		return make([]byte, size), nil
	}

	v, err := fillFloat(meta.FillValue)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	putElement(out, meta.DataType, v)
	return out, nil
}

// putElement writes v into buf as one little-endian element of dataType.
func putElement(buf []byte, dataType string, v float64) {
	switch dataType {
	case DTypeBool:
		if v != 0 {
			buf[0] = 1
		} else {
			buf[0] = 0
		}
	case DTypeInt8:
		buf[0] = byte(int8(v))
	case DTypeUint8:
		buf[0] = byte(uint8(v))
	case DTypeInt16:
		binary.LittleEndian.PutUint16(buf, uint16(int16(v)))
	case DTypeUint16:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case DTypeInt32:
		binary.LittleEndian.PutUint32(buf, uint32(int32(v)))
	case DTypeUint32:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case DTypeInt64:
		binary.LittleEndian.PutUint64(buf, uint64(int64(v)))
	case DTypeUint64:
		binary.LittleEndian.PutUint64(buf, uint64(v))
	case DTypeFloat32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
	case DTypeFloat64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	}
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, len(fill)*n)
	// Fast path: fill is all zeros; make() already zero-initializes.
	allZero := true
	for _, b := range fill {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return out
	}
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):(i+1)*len(fill)], fill)
	}
	return out
}

// decodeFloat64 converts little-endian elements of dataType to float64.
func decodeFloat64(raw []byte, dataType string) ([]float64, error) {
	size, err := zarrDTypeSize(dataType)
	if err != nil {
		return nil, err
	}
	n := len(raw) / size
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		switch dataType {
		case DTypeBool, DTypeUint8:
			out[i] = float64(b[0])
		case DTypeInt8:
			out[i] = float64(int8(b[0]))
		case DTypeInt16:
			out[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case DTypeUint16:
			out[i] = float64(binary.LittleEndian.Uint16(b))
		case DTypeInt32:
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case DTypeUint32:
			out[i] = float64(binary.LittleEndian.Uint32(b))
		case DTypeInt64:
			out[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		case DTypeUint64:
			out[i] = float64(binary.LittleEndian.Uint64(b))
		case DTypeFloat32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case DTypeFloat64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	}
	return out, nil
}

// decodeInt64 converts little-endian integer elements to int64.
func decodeInt64(raw []byte, dataType string) ([]int64, error) {
	if !IsInteger(dataType) && dataType != DTypeBool {
		return nil, fmt.Errorf("data_type %s is not an integer type", dataType)
	}
	size, err := zarrDTypeSize(dataType)
	if err != nil {
		return nil, err
	}
	n := len(raw) / size
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		switch dataType {
		case DTypeBool, DTypeUint8:
			out[i] = int64(b[0])
		case DTypeInt8:
			out[i] = int64(int8(b[0]))
		case DTypeInt16:
			out[i] = int64(int16(binary.LittleEndian.Uint16(b)))
		case DTypeUint16:
			out[i] = int64(binary.LittleEndian.Uint16(b))
		case DTypeInt32:
			out[i] = int64(int32(binary.LittleEndian.Uint32(b)))
		case DTypeUint32:
			out[i] = int64(binary.LittleEndian.Uint32(b))
		case DTypeInt64:
			out[i] = int64(binary.LittleEndian.Uint64(b))
		case DTypeUint64:
			out[i] = int64(binary.LittleEndian.Uint64(b))
		}
	}
	return out, nil
}

// encodeElements converts a typed slice to little-endian bytes and reports
// its Zarr data type.
func encodeElements(data any) ([]byte, string, error) {
	switch v := data.(type) {
	case []bool:
		out := make([]byte, len(v))
		for i, b := range v {
			if b {
				out[i] = 1
			}
		}
		return out, DTypeBool, nil
	case []int8:
		out := make([]byte, len(v))
		for i, x := range v {
			out[i] = byte(x)
		}
		return out, DTypeInt8, nil
	case []int16:
		out := make([]byte, 2*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(x))
		}
		return out, DTypeInt16, nil
	case []int32:
		out := make([]byte, 4*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint32(out[4*i:], uint32(x))
		}
		return out, DTypeInt32, nil
	case []int64:
		out := make([]byte, 8*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint64(out[8*i:], uint64(x))
		}
		return out, DTypeInt64, nil
	case []uint32:
		out := make([]byte, 4*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint32(out[4*i:], x)
		}
		return out, DTypeUint32, nil
	case []float32:
		out := make([]byte, 4*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
		}
		return out, DTypeFloat32, nil
	case []float64:
		out := make([]byte, 8*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(x))
		}
		return out, DTypeFloat64, nil
	default:
		return nil, "", fmt.Errorf("unsupported element type %T", data)
	}
}

// swapEndian reverses the byte order of every element in place.
func swapEndian(buf []byte, size int) {
	if size <= 1 {
		return
	}
	for off := 0; off+size <= len(buf); off += size {
		e := buf[off : off+size]
		for i, j := 0, size-1; i < j; i, j = i+1, j-1 {
			e[i], e[j] = e[j], e[i]
		}
	}
}
