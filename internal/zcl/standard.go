package zcl

// Cluster IDs used by the command handlers.
const (
	ClusterBasic         uint16 = 0x0000
	ClusterPowerConfig   uint16 = 0x0001
	ClusterIdentify      uint16 = 0x0003
	ClusterGroups        uint16 = 0x0004
	ClusterScenes        uint16 = 0x0005
	ClusterOnOff         uint16 = 0x0006
	ClusterLevelControl  uint16 = 0x0008
	ClusterOTA           uint16 = 0x0019
	ClusterPollControl   uint16 = 0x0020
	ClusterThermostat    uint16 = 0x0201
	ClusterColorControl  uint16 = 0x0300
	ClusterIlluminance   uint16 = 0x0400
	ClusterTemperature   uint16 = 0x0402
	ClusterPressure      uint16 = 0x0403
	ClusterHumidity      uint16 = 0x0405
	ClusterOccupancy     uint16 = 0x0406
	ClusterIASZone       uint16 = 0x0500
	ClusterMetering      uint16 = 0x0702
	ClusterElectrical    uint16 = 0x0B04
	ClusterZLLCommission uint16 = 0x1000
)

// Groups cluster commands.
const (
	CmdAddGroup           uint8 = 0x00
	CmdViewGroup          uint8 = 0x01
	CmdGetGroupMembership uint8 = 0x02
	CmdRemoveGroup        uint8 = 0x03
	CmdRemoveAllGroups    uint8 = 0x04
)

// OTA cluster commands.
const (
	CmdOTAImageNotify        uint8 = 0x00
	CmdOTAQueryNextImage     uint8 = 0x01
	CmdOTAQueryNextImageResp uint8 = 0x02
)

// ZLL commissioning utility commands.
const CmdZLLGetGroupIdentifiers uint8 = 0x41

func ro(id uint16, name string, t uint8) AttributeDef {
	return AttributeDef{ID: id, Name: name, Type: t, Access: AccessRead}
}

func rw(id uint16, name string, t uint8) AttributeDef {
	return AttributeDef{ID: id, Name: name, Type: t, Access: AccessRead | AccessWrite}
}

func rp(id uint16, name string, t uint8) AttributeDef {
	return AttributeDef{ID: id, Name: name, Type: t, Access: AccessRead | AccessReport}
}

func toServer(id uint8, name string) CommandDef {
	return CommandDef{ID: id, Name: name, Direction: DirectionToServer}
}

func toClient(id uint8, name string) CommandDef {
	return CommandDef{ID: id, Name: name, Direction: DirectionToClient}
}

// StandardClusters returns the cluster definitions the toolkit resolves
// names against.
func StandardClusters() []ClusterDef {
	return []ClusterDef{
		{ID: ClusterBasic, Name: "Basic",
			Attributes: []AttributeDef{
				ro(0x0000, "ZCLVersion", TypeUint8),
				ro(0x0001, "ApplicationVersion", TypeUint8),
				ro(0x0002, "StackVersion", TypeUint8),
				ro(0x0003, "HWVersion", TypeUint8),
				ro(0x0004, "ManufacturerName", TypeCharStr),
				ro(0x0005, "ModelIdentifier", TypeCharStr),
				ro(0x0006, "DateCode", TypeCharStr),
				ro(0x0007, "PowerSource", TypeEnum8),
				rw(0x0010, "LocationDescription", TypeCharStr),
				ro(0x4000, "SWBuildID", TypeCharStr),
			},
			Commands: []CommandDef{toServer(0x00, "ResetToFactoryDefaults")}},
		{ID: ClusterPowerConfig, Name: "PowerConfiguration",
			Attributes: []AttributeDef{
				rp(0x0020, "BatteryVoltage", TypeUint8),
				rp(0x0021, "BatteryPercentageRemaining", TypeUint8),
			}},
		{ID: ClusterIdentify, Name: "Identify",
			Attributes: []AttributeDef{rw(0x0000, "IdentifyTime", TypeUint16)},
			Commands:   []CommandDef{toServer(0x00, "Identify"), toServer(0x01, "IdentifyQuery")}},
		{ID: ClusterGroups, Name: "Groups",
			Attributes: []AttributeDef{ro(0x0000, "NameSupport", TypeBitmap8)},
			Commands: []CommandDef{
				toServer(CmdAddGroup, "AddGroup"),
				toServer(CmdViewGroup, "ViewGroup"),
				toServer(CmdGetGroupMembership, "GetGroupMembership"),
				toServer(CmdRemoveGroup, "RemoveGroup"),
				toServer(CmdRemoveAllGroups, "RemoveAllGroups"),
				toServer(0x05, "AddGroupIfIdentifying"),
				toClient(0x00, "AddGroupResponse"),
				toClient(0x01, "ViewGroupResponse"),
				toClient(0x02, "GetGroupMembershipResponse"),
				toClient(0x03, "RemoveGroupResponse"),
			}},
		{ID: ClusterScenes, Name: "Scenes",
			Attributes: []AttributeDef{
				ro(0x0000, "SceneCount", TypeUint8),
				ro(0x0001, "CurrentScene", TypeUint8),
				ro(0x0002, "CurrentGroup", TypeUint16),
			}},
		{ID: ClusterOnOff, Name: "OnOff",
			Attributes: []AttributeDef{
				rp(0x0000, "OnOff", TypeBool),
				rw(0x4003, "StartUpOnOff", TypeEnum8),
			},
			Commands: []CommandDef{toServer(0x00, "Off"), toServer(0x01, "On"), toServer(0x02, "Toggle")}},
		{ID: ClusterLevelControl, Name: "LevelControl",
			Attributes: []AttributeDef{
				rp(0x0000, "CurrentLevel", TypeUint8),
				rw(0x0010, "OnOffTransitionTime", TypeUint16),
				rw(0x0011, "OnLevel", TypeUint8),
				rw(0x4000, "StartUpCurrentLevel", TypeUint8),
			},
			Commands: []CommandDef{toServer(0x00, "MoveToLevel"), toServer(0x04, "MoveToLevelWithOnOff")}},
		{ID: ClusterOTA, Name: "OTAUpgrade",
			Attributes: []AttributeDef{
				ro(0x0000, "UpgradeServerID", TypeEUI64),
				ro(0x0002, "CurrentFileVersion", TypeUint32),
				ro(0x0006, "ImageUpgradeStatus", TypeEnum8),
			},
			Commands: []CommandDef{
				toClient(CmdOTAImageNotify, "ImageNotify"),
				toServer(CmdOTAQueryNextImage, "QueryNextImageRequest"),
				toClient(CmdOTAQueryNextImageResp, "QueryNextImageResponse"),
			}},
		{ID: ClusterPollControl, Name: "PollControl",
			Attributes: []AttributeDef{
				rw(0x0000, "CheckInInterval", TypeUint32),
				ro(0x0001, "LongPollInterval", TypeUint32),
			}},
		{ID: ClusterThermostat, Name: "Thermostat",
			Attributes: []AttributeDef{
				rp(0x0000, "LocalTemperature", TypeInt16),
				rw(0x0012, "OccupiedHeatingSetpoint", TypeInt16),
				rw(0x001C, "SystemMode", TypeEnum8),
			}},
		{ID: ClusterColorControl, Name: "ColorControl",
			Attributes: []AttributeDef{
				rp(0x0000, "CurrentHue", TypeUint8),
				rp(0x0001, "CurrentSaturation", TypeUint8),
				rp(0x0003, "CurrentX", TypeUint16),
				rp(0x0004, "CurrentY", TypeUint16),
				rp(0x0007, "ColorTemperatureMireds", TypeUint16),
				ro(0x0008, "ColorMode", TypeEnum8),
				ro(0x400A, "ColorCapabilities", TypeBitmap16),
			}},
		{ID: ClusterIlluminance, Name: "IlluminanceMeasurement",
			Attributes: []AttributeDef{rp(0x0000, "MeasuredValue", TypeUint16)}},
		{ID: ClusterTemperature, Name: "TemperatureMeasurement",
			Attributes: []AttributeDef{rp(0x0000, "MeasuredValue", TypeInt16)}},
		{ID: ClusterPressure, Name: "PressureMeasurement",
			Attributes: []AttributeDef{rp(0x0000, "MeasuredValue", TypeInt16)}},
		{ID: ClusterHumidity, Name: "RelativeHumidity",
			Attributes: []AttributeDef{rp(0x0000, "MeasuredValue", TypeUint16)}},
		{ID: ClusterOccupancy, Name: "OccupancySensing",
			Attributes: []AttributeDef{rp(0x0000, "Occupancy", TypeBitmap8)}},
		{ID: ClusterIASZone, Name: "IASZone",
			Attributes: []AttributeDef{
				ro(0x0000, "ZoneState", TypeEnum8),
				ro(0x0001, "ZoneType", TypeEnum16),
				ro(0x0002, "ZoneStatus", TypeBitmap16),
				rw(0x0010, "IASCIEAddress", TypeEUI64),
			}},
		{ID: ClusterMetering, Name: "Metering",
			Attributes: []AttributeDef{
				rp(0x0000, "CurrentSummationDelivered", TypeUint48),
				rp(0x0400, "InstantaneousDemand", TypeInt24),
			}},
		{ID: ClusterElectrical, Name: "ElectricalMeasurement",
			Attributes: []AttributeDef{
				rp(0x0505, "RMSVoltage", TypeUint16),
				rp(0x0508, "RMSCurrent", TypeUint16),
				rp(0x050B, "ActivePower", TypeInt16),
			}},
		{ID: ClusterZLLCommission, Name: "LightLink",
			Commands: []CommandDef{
				toServer(CmdZLLGetGroupIdentifiers, "GetGroupIdentifiers"),
				toClient(CmdZLLGetGroupIdentifiers, "GetGroupIdentifiersResponse"),
				toServer(0x42, "GetEndpointList"),
			}},
	}
}
