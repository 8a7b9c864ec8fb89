package fmxxx

const (
	ActiveGsmOPe   = 241
	TripOdometer   = 199
	TotalOd        = 16
	FuelUsedGPS    = 12
	DallasTemp1    = 72
	DallasTemp2    = 73
	DallasTemp3    = 74
	DallasTemp4    = 75
	PulseCountDin1 = 4
	PulseCountDin2 = 5
	UMTSLTECelID   = 636
	DriverCardID   = 406
	DvrCrdplcIssue = 408
	PulseCntDI1    = 4
	PulseCntDI2    = 5
	ConnQuality    = 1148
)
