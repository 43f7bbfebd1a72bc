package util

import "time"

// Trigger is sent by a sensor whenever its tripped state flips.
type Trigger struct {
	// Position of the sensor along the line
	Index     int
	Distance  float64
	Tripped   bool
	Timestamp time.Time
}

func NewTrigger(index int, distance float64, tripped bool, ts time.Time) Trigger {
	return Trigger{
		Index:     index,
		Distance:  distance,
		Tripped:   tripped,
		Timestamp: ts,
	}
}
