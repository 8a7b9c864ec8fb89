package fmxxx

const (
	Ignition       = 239
	Movement       = 240
	DataMode       = 80
	GSMSignal      = 21
	SleepMode      = 200
	GnssStatus     = 69
	DIn1           = 1
	DOut1          = 179
	SDStatus       = 10
	DIn2           = 2
	DIn3           = 3
	DOut2          = 180
	LLS1Temp       = 202
	LLS2Temp       = 204
	LLS3Temp       = 211
	LLS4Temp       = 213
	LLS5Temp       = 215
	BattLevel      = 113
	NetworkType    = 237
	BTStatus       = 263
	InstantMov     = 303
	UL20202SensSts = 483
	DOut3          = 380
	GNDSense       = 381
	Dvrcardlcstp   = 404
	DriverGender   = 405
	DrvrcardExpDt  = 407
	DriverStsEvt   = 409
	BLEBatt1       = 29
	MSP500Spdsen   = 502
	WakeReason     = 637
)
