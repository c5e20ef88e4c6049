package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/loradb/loradb/internal/errs"
)

// Encode serializes a frame to its binary wire form, used by both the WAL
// record payload and the SSTable data section (spec.md §3: "every frame
// must round-trip through the binary serializer used by WAL and SSTable
// without loss"). The format is hand-framed with encoding/binary, matching
// the teacher's manual-framing style rather than a generic codec.
func Encode(f Frame) []byte {
	var buf bytes.Buffer

	buf.WriteByte(byte(f.Kind))
	writeFixedString(&buf, f.DeviceID, 16)
	writeInt64(&buf, f.Timestamp.UnixMicro())

	writeString(&buf, f.ApplicationID)
	writeOptString(&buf, f.DeviceName)
	writeUint32(&buf, f.FrameCounter)
	buf.WriteByte(f.Port)
	writeBool(&buf, f.Confirmed)
	writeBool(&buf, f.ADR)

	writeString(&buf, f.DataRate.Modulation)
	writeFloat64(&buf, f.DataRate.BandwidthKHz)
	writeInt32(&buf, int32(f.DataRate.SpreadingFactor))
	writeFloat64(&buf, f.FrequencyHz)

	writeUint32(&buf, uint32(len(f.GatewayRx)))
	for _, gw := range f.GatewayRx {
		writeString(&buf, gw.GatewayID)
		writeFloat64(&buf, gw.RSSI)
		writeFloat64(&buf, gw.SNR)
		writeInt32(&buf, int32(gw.Channel))
		writeInt32(&buf, int32(gw.RFChain))
		if gw.Location != nil {
			writeBool(&buf, true)
			writeFloat64(&buf, gw.Location.Latitude)
			writeFloat64(&buf, gw.Location.Longitude)
			writeFloat64(&buf, gw.Location.Altitude)
		} else {
			writeBool(&buf, false)
		}
	}

	if f.DecodedPayload != nil {
		writeBool(&buf, true)
		payload, _ := json.Marshal(f.DecodedPayload.Object)
		writeBytes(&buf, payload)
	} else {
		writeBool(&buf, false)
	}
	writeOptString(&buf, f.RawPayload)

	writeOptFloat64(&buf, f.BatteryLevel)
	if f.Margin != nil {
		writeBool(&buf, true)
		writeInt32(&buf, *f.Margin)
	} else {
		writeBool(&buf, false)
	}

	return buf.Bytes()
}

// Decode parses a frame back from its binary wire form.
func Decode(data []byte) (Frame, error) {
	r := bytes.NewReader(data)
	var f Frame

	kindByte, err := r.ReadByte()
	if err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode kind", err)
	}
	f.Kind = Kind(kindByte)

	deviceID, err := readFixedString(r, 16)
	if err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode device id", err)
	}
	f.DeviceID = deviceID

	tsMicros, err := readInt64(r)
	if err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode timestamp", err)
	}
	f.Timestamp = time.UnixMicro(tsMicros).UTC()

	if f.ApplicationID, err = readString(r); err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode application id", err)
	}
	if f.DeviceName, err = readOptString(r); err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode device name", err)
	}
	if f.FrameCounter, err = readUint32(r); err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode frame counter", err)
	}
	port, err := r.ReadByte()
	if err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode port", err)
	}
	f.Port = port
	if f.Confirmed, err = readBool(r); err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode confirmed", err)
	}
	if f.ADR, err = readBool(r); err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode adr", err)
	}

	if f.DataRate.Modulation, err = readString(r); err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode modulation", err)
	}
	if f.DataRate.BandwidthKHz, err = readFloat64(r); err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode bandwidth", err)
	}
	sf, err := readInt32(r)
	if err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode spreading factor", err)
	}
	f.DataRate.SpreadingFactor = int(sf)
	if f.FrequencyHz, err = readFloat64(r); err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode frequency", err)
	}

	gwCount, err := readUint32(r)
	if err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode gateway count", err)
	}
	if gwCount > 0 {
		f.GatewayRx = make([]GatewayRxInfo, 0, gwCount)
	}
	for i := uint32(0); i < gwCount; i++ {
		var gw GatewayRxInfo
		if gw.GatewayID, err = readString(r); err != nil {
			return f, errs.Wrap(errs.Storage, "frame: decode gateway id", err)
		}
		if gw.RSSI, err = readFloat64(r); err != nil {
			return f, errs.Wrap(errs.Storage, "frame: decode rssi", err)
		}
		if gw.SNR, err = readFloat64(r); err != nil {
			return f, errs.Wrap(errs.Storage, "frame: decode snr", err)
		}
		ch, err := readInt32(r)
		if err != nil {
			return f, errs.Wrap(errs.Storage, "frame: decode channel", err)
		}
		gw.Channel = int(ch)
		rf, err := readInt32(r)
		if err != nil {
			return f, errs.Wrap(errs.Storage, "frame: decode rf chain", err)
		}
		gw.RFChain = int(rf)
		hasLoc, err := readBool(r)
		if err != nil {
			return f, errs.Wrap(errs.Storage, "frame: decode location flag", err)
		}
		if hasLoc {
			loc := &Location{}
			if loc.Latitude, err = readFloat64(r); err != nil {
				return f, errs.Wrap(errs.Storage, "frame: decode latitude", err)
			}
			if loc.Longitude, err = readFloat64(r); err != nil {
				return f, errs.Wrap(errs.Storage, "frame: decode longitude", err)
			}
			if loc.Altitude, err = readFloat64(r); err != nil {
				return f, errs.Wrap(errs.Storage, "frame: decode altitude", err)
			}
			gw.Location = loc
		}
		f.GatewayRx = append(f.GatewayRx, gw)
	}

	hasPayload, err := readBool(r)
	if err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode payload flag", err)
	}
	if hasPayload {
		raw, err := readBytes(r)
		if err != nil {
			return f, errs.Wrap(errs.Storage, "frame: decode payload bytes", err)
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return f, errs.Wrap(errs.Storage, "frame: decode payload json", err)
		}
		f.DecodedPayload = &DecodedPayload{Object: obj}
	}
	if f.RawPayload, err = readOptString(r); err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode raw payload", err)
	}

	if f.BatteryLevel, err = readOptFloat64(r); err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode battery", err)
	}
	hasMargin, err := readBool(r)
	if err != nil {
		return f, errs.Wrap(errs.Storage, "frame: decode margin flag", err)
	}
	if hasMargin {
		m, err := readInt32(r)
		if err != nil {
			return f, errs.Wrap(errs.Storage, "frame: decode margin", err)
		}
		f.Margin = &m
	}

	return f, nil
}

// --- primitive helpers, matching the teacher's manual binary.LittleEndian framing ---

func writeFixedString(buf *bytes.Buffer, s string, n int) {
	b := make([]byte, n)
	copy(b, s)
	buf.Write(b)
}

func readFixedString(r *bytes.Reader, n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(b, "\x00")), nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeOptString(buf *bytes.Buffer, s *string) {
	if s == nil {
		writeBool(buf, false)
		return
	}
	writeBool(buf, true)
	writeString(buf, *s)
}

func readOptString(r *bytes.Reader) (*string, error) {
	present, err := readBool(r)
	if err != nil || !present {
		return nil, err
	}
	s, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > 64<<20 {
		return nil, fmt.Errorf("frame: implausible length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeInt32(buf *bytes.Buffer, v int32) { writeUint32(buf, uint32(v)) }

func readInt32(r *bytes.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func writeFloat64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func readFloat64(r *bytes.Reader) (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
}

func writeOptFloat64(buf *bytes.Buffer, v *float64) {
	if v == nil {
		writeBool(buf, false)
		return
	}
	writeBool(buf, true)
	writeFloat64(buf, *v)
}

func readOptFloat64(r *bytes.Reader) (*float64, error) {
	present, err := readBool(r)
	if err != nil || !present {
		return nil, err
	}
	v, err := readFloat64(r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}
