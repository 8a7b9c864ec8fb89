package fmxxx

const (
	GnssPDOP     = 181
	GnssHDOP     = 182
	ExtVolt      = 66
	VehicleSpeed = 24
	GsmCellId    = 205
	GsmAreCode   = 206
	BatteryVolt  = 67
	BattCurrent  = 68
	AIn1         = 9
	FuelRateGPS  = 13
	AxisX        = 17
	AxisY        = 18
	AxisZ        = 19
	AIn2         = 6
	LLS1FuelLvl  = 201
	LLS2FuelLvl  = 203
	LLS3FuelLvl  = 210
	LLS4FuelLvl  = 212
	LLS5FuelLvl  = 214
	EcoScore     = 15 //  Average amount of events on some distance
	UL20202SFl   = 327
	AINSpeed     = 329
	BLETemp1     = 25
	BLEHumidity1 = 86
)
