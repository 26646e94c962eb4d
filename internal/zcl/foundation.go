package zcl

import (
	"encoding/binary"
	"fmt"
)

// Foundation ZCL command IDs (global, not cluster-specific).
const (
	FoundationReadAttributes          uint8 = 0x00
	FoundationReadAttributesResponse  uint8 = 0x01
	FoundationWriteAttributes         uint8 = 0x02
	FoundationWriteAttributesResp     uint8 = 0x04
	FoundationConfigReporting         uint8 = 0x06
	FoundationConfigReportingResp     uint8 = 0x07
	FoundationReadReportingConfig     uint8 = 0x08
	FoundationReportAttributes        uint8 = 0x0A
	FoundationDefaultResponse         uint8 = 0x0B
	FoundationDiscoverAttributes      uint8 = 0x0C
	FoundationDiscoverAttributesResp  uint8 = 0x0D
	FoundationDiscoverCommandsRecv    uint8 = 0x11
	FoundationDiscoverCommandsRecvRsp uint8 = 0x12
	FoundationDiscoverCommandsGen     uint8 = 0x13
	FoundationDiscoverCommandsGenRsp  uint8 = 0x14
)

// ZCL status codes
const (
	StatusSuccess         uint8 = 0x00
	StatusFailure         uint8 = 0x01
	StatusUnsupClusterCmd uint8 = 0x81
	StatusUnsupAttribute  uint8 = 0x86
	StatusInvalidValue    uint8 = 0x87
	StatusReadOnly        uint8 = 0x88
	StatusNotFound        uint8 = 0x8B
	StatusUnreportable    uint8 = 0x8C
	StatusInvalidDataType uint8 = 0x8D
	StatusNoImage         uint8 = 0x98
)

var statusNames = map[uint8]string{
	StatusSuccess:         "SUCCESS",
	StatusFailure:         "FAILURE",
	StatusUnsupClusterCmd: "UNSUP_CLUSTER_COMMAND",
	StatusUnsupAttribute:  "UNSUPPORTED_ATTRIBUTE",
	StatusInvalidValue:    "INVALID_VALUE",
	StatusReadOnly:        "READ_ONLY",
	StatusNotFound:        "NOT_FOUND",
	StatusUnreportable:    "UNREPORTABLE_ATTRIBUTE",
	StatusInvalidDataType: "INVALID_DATA_TYPE",
	StatusNoImage:         "NO_IMAGE_AVAILABLE",
}

// StatusName returns the symbolic name of a ZCL status.
func StatusName(s uint8) string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("0x%02X", s)
}

// AttributeRecord is one attribute in a read response or report.
type AttributeRecord struct {
	ID       uint16
	Status   uint8
	DataType uint8
	Raw      []byte // encoded value including any length prefix
}

// Value decodes Raw according to DataType.
func (r AttributeRecord) Value() (interface{}, error) {
	if r.Status != StatusSuccess {
		return nil, fmt.Errorf("zcl: attribute 0x%04X status %s", r.ID, StatusName(r.Status))
	}
	v, _, err := DecodeValue(r.DataType, r.Raw)
	return v, err
}

// WriteRecord is a single attribute write.
type WriteRecord struct {
	ID       uint16
	DataType uint8
	Value    []byte
}

// ReportingConfig configures reporting for one attribute.
type ReportingConfig struct {
	AttrID       uint16
	DataType     uint8
	MinInterval  uint16
	MaxInterval  uint16
	ReportChange []byte
}

// AttributeStatus is a (status, attribute) pair from write and configure
// reporting responses.
type AttributeStatus struct {
	Status uint8
	AttrID uint16
}

// DiscoveredAttribute is one entry of a Discover Attributes response.
type DiscoveredAttribute struct {
	ID       uint16
	DataType uint8
}

// ReadAttributesPayload builds the payload of Read Attributes.
func ReadAttributesPayload(ids []uint16) []byte {
	buf := make([]byte, 0, 2*len(ids))
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint16(buf, id)
	}
	return buf
}

// ParseReadAttributesResponse decodes a Read Attributes Response payload.
// Parsing stops at the first record whose size cannot be determined.
func ParseReadAttributesResponse(data []byte) ([]AttributeRecord, error) {
	var out []AttributeRecord
	for len(data) > 0 {
		if len(data) < 3 {
			return out, fmt.Errorf("zcl: truncated read attributes record")
		}
		rec := AttributeRecord{ID: binary.LittleEndian.Uint16(data), Status: data[2]}
		data = data[3:]
		if rec.Status != StatusSuccess {
			out = append(out, rec)
			continue
		}
		if len(data) < 1 {
			return out, fmt.Errorf("zcl: attribute 0x%04X missing data type", rec.ID)
		}
		rec.DataType = data[0]
		n, err := ValueLength(rec.DataType, data[1:])
		if err != nil {
			return out, fmt.Errorf("zcl: attribute 0x%04X: %w", rec.ID, err)
		}
		rec.Raw = append([]byte(nil), data[1:1+n]...)
		data = data[1+n:]
		out = append(out, rec)
	}
	return out, nil
}

// ParseAttributeReports decodes a Report Attributes payload.
func ParseAttributeReports(data []byte) ([]AttributeRecord, error) {
	var out []AttributeRecord
	for len(data) > 0 {
		if len(data) < 3 {
			return out, fmt.Errorf("zcl: truncated report record")
		}
		rec := AttributeRecord{ID: binary.LittleEndian.Uint16(data), DataType: data[2]}
		n, err := ValueLength(rec.DataType, data[3:])
		if err != nil {
			return out, fmt.Errorf("zcl: report 0x%04X: %w", rec.ID, err)
		}
		rec.Raw = append([]byte(nil), data[3:3+n]...)
		data = data[3+n:]
		out = append(out, rec)
	}
	return out, nil
}

// WriteAttributesPayload builds the payload of Write Attributes.
func WriteAttributesPayload(records []WriteRecord) []byte {
	var buf []byte
	for _, r := range records {
		buf = binary.LittleEndian.AppendUint16(buf, r.ID)
		buf = append(buf, r.DataType)
		buf = append(buf, r.Value...)
	}
	return buf
}

// ParseWriteAttributesResponse decodes a Write Attributes Response. A
// single SUCCESS byte means every record succeeded.
func ParseWriteAttributesResponse(data []byte) ([]AttributeStatus, error) {
	return parseStatusRecords(data, 3)
}

// ParseConfigureReportingResponse decodes a Configure Reporting Response.
// Records carry a direction byte between status and attribute.
func ParseConfigureReportingResponse(data []byte) ([]AttributeStatus, error) {
	return parseStatusRecords(data, 4)
}

func parseStatusRecords(data []byte, recLen int) ([]AttributeStatus, error) {
	if len(data) == 1 {
		return []AttributeStatus{{Status: data[0]}}, nil
	}
	if len(data)%recLen != 0 {
		return nil, fmt.Errorf("zcl: bad status record length %d", len(data))
	}
	out := make([]AttributeStatus, 0, len(data)/recLen)
	for i := 0; i < len(data); i += recLen {
		out = append(out, AttributeStatus{
			Status: data[i],
			AttrID: binary.LittleEndian.Uint16(data[i+recLen-2:]),
		})
	}
	return out, nil
}

// ConfigureReportingPayload builds the payload of Configure Reporting.
// Reportable change is only sent for analog types, as the record layout
// requires.
func ConfigureReportingPayload(configs []ReportingConfig) []byte {
	var buf []byte
	for _, c := range configs {
		buf = append(buf, 0x00) // direction: reported
		buf = binary.LittleEndian.AppendUint16(buf, c.AttrID)
		buf = append(buf, c.DataType)
		buf = binary.LittleEndian.AppendUint16(buf, c.MinInterval)
		buf = binary.LittleEndian.AppendUint16(buf, c.MaxInterval)
		if IsAnalog(c.DataType) {
			buf = append(buf, c.ReportChange...)
		}
	}
	return buf
}

// IsAnalog reports whether reportable change applies to the type.
func IsAnalog(typeID uint8) bool {
	switch {
	case typeID >= TypeUint8 && typeID <= TypeInt64:
		return true
	case typeID >= TypeFloat16 && typeID <= TypeFloat64:
		return true
	case typeID == TypeToD, typeID == TypeDate, typeID == TypeUTC:
		return true
	}
	return false
}

// DiscoverAttributesPayload builds Discover Attributes.
func DiscoverAttributesPayload(start uint16, max uint8) []byte {
	buf := binary.LittleEndian.AppendUint16(nil, start)
	return append(buf, max)
}

// ParseDiscoverAttributesResponse returns the discovered attributes and
// whether discovery is complete.
func ParseDiscoverAttributesResponse(data []byte) ([]DiscoveredAttribute, bool, error) {
	if len(data) < 1 {
		return nil, false, ErrShortFrame
	}
	complete := data[0] != 0
	data = data[1:]
	if len(data)%3 != 0 {
		return nil, complete, fmt.Errorf("zcl: discover attributes: bad record length %d", len(data))
	}
	out := make([]DiscoveredAttribute, 0, len(data)/3)
	for i := 0; i+3 <= len(data); i += 3 {
		out = append(out, DiscoveredAttribute{
			ID:       binary.LittleEndian.Uint16(data[i:]),
			DataType: data[i+2],
		})
	}
	return out, complete, nil
}

// DiscoverCommandsPayload builds Discover Commands Received/Generated.
func DiscoverCommandsPayload(start, max uint8) []byte {
	return []byte{start, max}
}

// ParseDiscoverCommandsResponse returns command IDs and completeness.
func ParseDiscoverCommandsResponse(data []byte) ([]uint8, bool, error) {
	if len(data) < 1 {
		return nil, false, ErrShortFrame
	}
	ids := append([]uint8(nil), data[1:]...)
	return ids, data[0] != 0, nil
}

// DefaultResponse is the payload of a Default Response.
type DefaultResponse struct {
	CommandID uint8
	Status    uint8
}

// ParseDefaultResponse decodes a Default Response payload.
func ParseDefaultResponse(data []byte) (DefaultResponse, error) {
	if len(data) < 2 {
		return DefaultResponse{}, ErrShortFrame
	}
	return DefaultResponse{CommandID: data[0], Status: data[1]}, nil
}
