package protocol

// direction is a bitmask of which roles may originate a given packet type.
type direction uint8

const (
	dirDeviceToGuest direction = 1 << iota
	dirGuestToDevice
	dirBoth = dirDeviceToGuest | dirGuestToDevice
)

// allowedDirections is the role-directed validation table: each packet
// type travels in a fixed direction except the five data types, which may
// travel either way; the codec does not check them against an endpoint's
// direction bit.
var allowedDirections = map[PacketType]direction{
	TypeHello:                    dirBoth,
	TypeDeviceConnect:            dirDeviceToGuest,
	TypeDeviceDisconnect:         dirDeviceToGuest,
	TypeDeviceDisconnectAck:      dirGuestToDevice,
	TypeReset:                    dirGuestToDevice,
	TypeInterfaceInfo:            dirDeviceToGuest,
	TypeEpInfo:                   dirDeviceToGuest,
	TypeSetConfiguration:         dirGuestToDevice,
	TypeConfigurationStatus:      dirDeviceToGuest,
	TypeGetConfiguration:         dirGuestToDevice,
	TypeSetAltSetting:            dirGuestToDevice,
	TypeAltSettingStatus:         dirDeviceToGuest,
	TypeGetAltSetting:            dirGuestToDevice,
	TypeStartIsoStream:           dirGuestToDevice,
	TypeStopIsoStream:            dirGuestToDevice,
	TypeIsoStreamStatus:          dirDeviceToGuest,
	TypeStartInterruptReceiving:  dirGuestToDevice,
	TypeStopInterruptReceiving:   dirGuestToDevice,
	TypeInterruptReceivingStatus: dirDeviceToGuest,
	TypeStartBulkReceiving:       dirGuestToDevice,
	TypeStopBulkReceiving:        dirGuestToDevice,
	TypeBulkReceivingStatus:      dirDeviceToGuest,
	TypeAllocBulkStreams:         dirGuestToDevice,
	TypeFreeBulkStreams:          dirGuestToDevice,
	TypeBulkStreamsStatus:        dirDeviceToGuest,
	TypeCancelDataPacket:         dirGuestToDevice,
	TypeFilterReject:             dirDeviceToGuest,
	TypeFilterFilter:             dirGuestToDevice,
	TypeControlPacket:            dirBoth,
	TypeBulkPacket:               dirBoth,
	TypeIsoPacket:                dirBoth,
	TypeInterruptPacket:          dirBoth,
	TypeBufferedBulkPacket:       dirBoth,
}

// sendDirection is the direction a packet travels when originated by role.
func sendDirection(role Role) direction {
	if role == RoleDevice {
		return dirDeviceToGuest
	}
	return dirGuestToDevice
}

// validDirection reports whether a packet of type t may be sent by role, or
// (for the reader) received by the opposite role.
func validDirection(t PacketType, d direction) bool {
	allowed, ok := allowedDirections[t]
	if !ok {
		return false
	}
	return allowed&d != 0
}

// EndpointDirIn is the USB endpoint-address direction bit (device-to-host).
const EndpointDirIn = 0x80

// endpointIsIn reports whether addr names an IN endpoint.
func endpointIsIn(addr uint8) bool {
	return addr&EndpointDirIn != 0
}
