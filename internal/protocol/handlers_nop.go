package protocol

// NopHandlers implements Handlers with no-op bodies. Device- and
// guest-side consumers embed it and override only the methods reachable
// for their role: unimplemented callbacks for unreachable types are never
// invoked because the codec's role-directed validation already rejects
// those packets on the wire.
type NopHandlers struct{}

func (NopHandlers) Hello(*HelloHeader)                                    {}
func (NopHandlers) DeviceConnect(*DeviceConnectHeader)                    {}
func (NopHandlers) DeviceDisconnect()                                     {}
func (NopHandlers) DeviceDisconnectAck()                                  {}
func (NopHandlers) Reset()                                                {}
func (NopHandlers) InterfaceInfo(*InterfaceInfoHeader)                    {}
func (NopHandlers) EpInfo(*EpInfoHeader)                                  {}
func (NopHandlers) SetConfiguration(*SetConfigurationHeader)              {}
func (NopHandlers) ConfigurationStatus(*ConfigurationStatusHeader)        {}
func (NopHandlers) GetConfiguration()                                     {}
func (NopHandlers) SetAltSetting(*SetAltSettingHeader)                    {}
func (NopHandlers) AltSettingStatus(*AltSettingStatusHeader)              {}
func (NopHandlers) GetAltSetting(*GetAltSettingHeader)                    {}
func (NopHandlers) StartIsoStream(*StartIsoStreamHeader)                  {}
func (NopHandlers) StopIsoStream(*StopIsoStreamHeader)                    {}
func (NopHandlers) IsoStreamStatus(*IsoStreamStatusHeader)                {}
func (NopHandlers) StartInterruptReceiving(*StartInterruptReceivingHeader) {}
func (NopHandlers) StopInterruptReceiving(*StopInterruptReceivingHeader)  {}
func (NopHandlers) InterruptReceivingStatus(*InterruptReceivingStatusHeader) {}
func (NopHandlers) StartBulkReceiving(*StartBulkReceivingHeader)          {}
func (NopHandlers) StopBulkReceiving(*StopBulkReceivingHeader)            {}
func (NopHandlers) BulkReceivingStatus(*BulkReceivingStatusHeader)        {}
func (NopHandlers) AllocBulkStreams(*AllocBulkStreamsHeader)              {}
func (NopHandlers) FreeBulkStreams(*FreeBulkStreamsHeader)                {}
func (NopHandlers) BulkStreamsStatus(*BulkStreamsStatusHeader)            {}
func (NopHandlers) CancelDataPacket(uint64)                               {}
func (NopHandlers) FilterReject()                                        {}
func (NopHandlers) FilterFilter(string)                                  {}
func (NopHandlers) ControlPacket(uint64, *ControlPacketHeader, []byte)   {}
func (NopHandlers) BulkPacket(uint64, *BulkPacketHeader, []byte)        {}
func (NopHandlers) IsoPacket(uint64, *IsoPacketHeader, []byte)          {}
func (NopHandlers) InterruptPacket(uint64, *InterruptPacketHeader, []byte) {}
func (NopHandlers) BufferedBulkPacket(uint64, *BufferedBulkPacketHeader, []byte) {}
func (NopHandlers) Log(LogLevel, string)                                 {}
