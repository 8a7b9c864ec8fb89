package fmxxx

// names maps a subset of well-known permanent IO element IDs to a short
// label, for use in metric labels and enriched event payloads. Only the
// IDs a real fleet operator actually looks at are named; everything else
// is reported by its bare numeric key.
var names = map[int]string{
	Ignition:    "ignition",
	Movement:    "movement",
	DataMode:    "data_mode",
	GSMSignal:   "gsm_signal",
	SleepMode:   "sleep_mode",
	GnssStatus:  "gnss_status",
	DIn1:        "digital_input_1",
	DIn2:        "digital_input_2",
	DIn3:        "digital_input_3",
	DOut1:       "digital_output_1",
	DOut2:       "digital_output_2",
	DOut3:       "digital_output_3",
	SDStatus:    "sd_status",
	BattLevel:   "battery_level",
	NetworkType: "network_type",
	BTStatus:    "bluetooth_status",
	ExtVolt:     "external_voltage",
	BatteryVolt: "battery_voltage",
	BattCurrent: "battery_current",
	VehicleSpeed: "vehicle_speed",
	GnssPDOP:    "gnss_pdop",
	GnssHDOP:    "gnss_hdop",
	AxisX:       "axis_x",
	AxisY:       "axis_y",
	AxisZ:       "axis_z",
	TotalOd:     "total_odometer",
	TripOdometer: "trip_odometer",
}

// Name returns the human-readable label for a permanent IO element id, or
// ok=false when the id is not one of the well-known ones this catalog
// carries labels for.
func Name(id int) (name string, ok bool) {
	name, ok = names[id]
	return
}
