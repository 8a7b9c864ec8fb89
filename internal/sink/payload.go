package sink

import (
	"strconv"
	"time"

	"github.com/aarongabrielcy/codec-gateway/internal/codec"
	"github.com/aarongabrielcy/codec-gateway/internal/codec/fmxxx"
)

// TrackingObject is the JSON shape published for every AVL record, the
// successor of the teacher's internal/pipeline.TrackingObject — the same
// fields, but fed from a typed codec.AVLRecord instead of untyped ad hoc
// parser output, and with IO keys resolved to names where the catalog
// knows them.
type TrackingObject struct {
	IMEI     string `json:"imei"`
	Datetime string `json:"dt"`

	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Spd  int     `json:"spd"`
	Crs  int     `json:"crs"`
	Sats int     `json:"sats"`

	PermIO map[string]uint64 `json:"perm_io"`

	EventID int `json:"event_id"`
	MsgType int `json:"msg_type"` // 1=live, 0=buffered/stale
	Fix     int `json:"fix"`      // 1 if sats>3 and coordinates are plausible
}

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// CalcFix reports whether a record's GPS fix should be trusted for
// display: enough satellites and coordinates inside the valid range.
func CalcFix(sats int, lat, lon float64) int {
	if sats > 3 && coordsValid(lat, lon) {
		return 1
	}
	return 0
}

// DecideMsgType distinguishes a record streamed live from one a device is
// replaying out of its internal buffer after reconnecting — anything more
// than two minutes old is treated as buffered.
func DecideMsgType(ts time.Time) int {
	if !ts.IsZero() && time.Since(ts) > 120*time.Second {
		return 0
	}
	return 1
}

// BuildTracking converts a decoded AVL record into the wire payload
// shape, resolving IO ids through fmxxx.Name where the catalog has a
// label and falling back to the bare numeric key otherwise.
func BuildTracking(imei string, rec *codec.AVLRecord) *TrackingObject {
	perm := make(map[string]uint64, len(rec.IO))
	for id, elem := range rec.IO {
		key, ok := fmxxx.Name(int(id))
		if !ok {
			key = strconv.Itoa(int(id))
		}
		perm[key] = elem.AsUint64()
	}

	return &TrackingObject{
		IMEI:     imei,
		Datetime: rec.Timestamp.UTC().Format(time.RFC3339),
		Lat:      rec.GPS.Latitude,
		Lon:      rec.GPS.Longitude,
		Spd:      int(rec.GPS.SpeedKPH),
		Crs:      int(rec.GPS.Angle),
		Sats:     int(rec.GPS.Satellites),
		PermIO:   perm,
		EventID:  int(rec.EventID),
		MsgType:  DecideMsgType(rec.Timestamp),
		Fix:      CalcFix(int(rec.GPS.Satellites), rec.GPS.Latitude, rec.GPS.Longitude),
	}
}

