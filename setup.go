package aiocore

// SetupPacketLen is the fixed size of a USB control transfer's setup prefix.
const SetupPacketLen = 8

// SetupPacket is the 8-byte little-endian prefix of a USB control transfer:
// bmRequestType, bRequest, wValue(lo,hi), wIndex(lo,hi), wLength(lo,hi).
type SetupPacket struct {
	BmRequestType byte
	BRequest      byte
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// ParseSetupPacket reads the 8-byte setup prefix from the front of buf and
// validates WLength against the remaining buffer capacity. buf must be at
// least SetupPacketLen bytes.
func ParseSetupPacket(buf []byte) (SetupPacket, error) {
	if len(buf) < SetupPacketLen {
		return SetupPacket{}, newError("parse_setup", CodeInvalidParam, "control buffer shorter than setup packet")
	}
	sp := SetupPacket{
		BmRequestType: buf[0],
		BRequest:      buf[1],
		WValue:        uint16(buf[2]) | uint16(buf[3])<<8,
		WIndex:        uint16(buf[4]) | uint16(buf[5])<<8,
		WLength:       uint16(buf[6]) | uint16(buf[7])<<8,
	}
	if int(sp.WLength) > len(buf)-SetupPacketLen {
		return SetupPacket{}, newError("parse_setup", CodeInvalidParam, "wLength exceeds buffer capacity")
	}
	return sp, nil
}

// PutSetupPacket encodes sp into the first SetupPacketLen bytes of buf. buf
// must be at least SetupPacketLen bytes.
func PutSetupPacket(buf []byte, sp SetupPacket) error {
	if len(buf) < SetupPacketLen {
		return newError("put_setup", CodeInvalidParam, "control buffer shorter than setup packet")
	}
	buf[0] = sp.BmRequestType
	buf[1] = sp.BRequest
	buf[2] = byte(sp.WValue)
	buf[3] = byte(sp.WValue >> 8)
	buf[4] = byte(sp.WIndex)
	buf[5] = byte(sp.WIndex >> 8)
	buf[6] = byte(sp.WLength)
	buf[7] = byte(sp.WLength >> 8)
	return nil
}

// IsDeviceToHost reports whether bmRequestType's direction bit (D7) marks
// this as a device-to-host (IN) control transfer.
func (sp SetupPacket) IsDeviceToHost() bool {
	return sp.BmRequestType&0x80 != 0
}
