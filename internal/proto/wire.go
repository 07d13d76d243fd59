package proto

import (
	"encoding/binary"
	"fmt"
)

// The payload encoding is deterministic and position-based: a one-byte
// variant discriminant, then the message fields in declaration order.
// Strings and byte arrays are uvarint-length-prefixed, fixed-width integers
// are little-endian, bools are a single byte and optional fields carry a
// presence byte. Both halves of the tunnel must agree on these rules, so
// there is no room for a self-describing codec here.

func protoError(fmtstr string, args ...interface{}) error {
	return fmt.Errorf("protocol error: "+fmtstr, args...)
}

func appendUvarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

func appendBytes(b, p []byte) []byte {
	b = appendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

func appendString(b []byte, s string) []byte {
	b = appendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendU64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

// A nil pointer (or nil byte slice) encodes as absent.
func appendOptString(b []byte, s *string) []byte {
	if s == nil {
		return append(b, 0)
	}
	b = append(b, 1)
	return appendString(b, *s)
}

func appendOptBytes(b, p []byte) []byte {
	if p == nil {
		return append(b, 0)
	}
	b = append(b, 1)
	return appendBytes(b, p)
}

// appendMessage serializes m in wire order, without the frame header.
func appendMessage(b []byte, m Message) []byte {
	b = append(b, byte(m.Type()))
	switch v := m.(type) {
	case Auth:
		b = appendBytes(b, v.EncToken)
		b = appendString(b, v.ClientID)
		b = appendOptString(b, v.Name)
	case AuthResponse:
		b = appendBool(b, v.Success)
		b = appendOptBytes(b, v.SessionKey)
		b = appendOptString(b, v.Name)
		b = appendOptString(b, v.Error)
	case ProxyConfig:
		b = appendString(b, v.LocalIP)
		b = appendU16(b, v.LocalPort)
		b = appendU16(b, v.RemotePort)
	case ProxyConfigResponse:
		b = appendBool(b, v.Success)
		b = appendOptString(b, v.ProxyID)
		b = appendOptString(b, v.Error)
	case Heartbeat:
		b = appendU64(b, v.Timestamp)
	case HeartbeatResponse:
		b = appendU64(b, v.Timestamp)
	case NewConnection:
		b = appendString(b, v.ProxyID)
		b = appendString(b, v.ConnectionID)
	case ConnectionResponse:
		b = appendString(b, v.ConnectionID)
		b = appendBool(b, v.Success)
		b = appendOptString(b, v.Error)
	case Data:
		b = appendString(b, v.ConnectionID)
		b = appendBytes(b, v.Data)
	case CloseConnection:
		b = appendString(b, v.ConnectionID)
	case Error:
		b = appendString(b, v.Message)
	default:
		panic(fmt.Sprintf("proto: unknown message type %T", m))
	}
	return b
}

type decoder struct {
	b []byte
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.b)
	if n <= 0 {
		return 0, protoError("truncated or oversized varint")
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.b)) {
		return nil, protoError("byte field length %d exceeds remaining payload %d", n, len(d.b))
	}
	p := make([]byte, n)
	copy(p, d.b[:n])
	d.b = d.b[n:]
	return p, nil
}

func (d *decoder) string() (string, error) {
	p, err := d.bytes()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (d *decoder) bool() (bool, error) {
	if len(d.b) < 1 {
		return false, protoError("truncated bool")
	}
	v := d.b[0]
	d.b = d.b[1:]
	if v > 1 {
		return false, protoError("invalid bool byte 0x%x", v)
	}
	return v == 1, nil
}

func (d *decoder) u16() (uint16, error) {
	if len(d.b) < 2 {
		return 0, protoError("truncated u16")
	}
	v := binary.LittleEndian.Uint16(d.b)
	d.b = d.b[2:]
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if len(d.b) < 8 {
		return 0, protoError("truncated u64")
	}
	v := binary.LittleEndian.Uint64(d.b)
	d.b = d.b[8:]
	return v, nil
}

func (d *decoder) optString() (*string, error) {
	present, err := d.bool()
	if err != nil || !present {
		return nil, err
	}
	s, err := d.string()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *decoder) optBytes() ([]byte, error) {
	present, err := d.bool()
	if err != nil || !present {
		return nil, err
	}
	return d.bytes()
}

// decodeMessage parses one complete payload. Unknown discriminants,
// truncated fields and trailing garbage are all decode errors.
func decodeMessage(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, protoError("empty payload")
	}
	d := &decoder{b: payload[1:]}
	var (
		m   Message
		err error
	)
	switch Type(payload[0]) {
	case TypeAuth:
		var v Auth
		if v.EncToken, err = d.bytes(); err == nil {
			if v.ClientID, err = d.string(); err == nil {
				v.Name, err = d.optString()
			}
		}
		m = v
	case TypeAuthResponse:
		var v AuthResponse
		if v.Success, err = d.bool(); err == nil {
			if v.SessionKey, err = d.optBytes(); err == nil {
				if v.Name, err = d.optString(); err == nil {
					v.Error, err = d.optString()
				}
			}
		}
		m = v
	case TypeProxyConfig:
		var v ProxyConfig
		if v.LocalIP, err = d.string(); err == nil {
			if v.LocalPort, err = d.u16(); err == nil {
				v.RemotePort, err = d.u16()
			}
		}
		m = v
	case TypeProxyConfigResponse:
		var v ProxyConfigResponse
		if v.Success, err = d.bool(); err == nil {
			if v.ProxyID, err = d.optString(); err == nil {
				v.Error, err = d.optString()
			}
		}
		m = v
	case TypeHeartbeat:
		var v Heartbeat
		v.Timestamp, err = d.u64()
		m = v
	case TypeHeartbeatResponse:
		var v HeartbeatResponse
		v.Timestamp, err = d.u64()
		m = v
	case TypeNewConnection:
		var v NewConnection
		if v.ProxyID, err = d.string(); err == nil {
			v.ConnectionID, err = d.string()
		}
		m = v
	case TypeConnectionResponse:
		var v ConnectionResponse
		if v.ConnectionID, err = d.string(); err == nil {
			if v.Success, err = d.bool(); err == nil {
				v.Error, err = d.optString()
			}
		}
		m = v
	case TypeData:
		var v Data
		if v.ConnectionID, err = d.string(); err == nil {
			v.Data, err = d.bytes()
		}
		m = v
	case TypeCloseConnection:
		var v CloseConnection
		v.ConnectionID, err = d.string()
		m = v
	case TypeError:
		var v Error
		v.Message, err = d.string()
		m = v
	default:
		return nil, protoError("unknown message discriminant 0x%x", payload[0])
	}
	if err != nil {
		return nil, err
	}
	if len(d.b) != 0 {
		return nil, protoError("%d trailing bytes after %s payload", len(d.b), m.Type())
	}
	return m, nil
}
