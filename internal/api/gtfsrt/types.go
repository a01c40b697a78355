package gtfsrt

// StopTimeUpdate is one upcoming stop event extracted from a trip update.
// Epoch fields are zero when the feed omits them.
type StopTimeUpdate struct {
	TripID    string
	RouteID   string
	StopID    string
	Sequence  uint32
	Arrival   int64
	Departure int64
	Delay     int32
}

// EffectiveDeparture returns the moment a rider would leave the platform:
// the departure when present, otherwise the arrival. ok is false when the
// update carries neither.
func (u StopTimeUpdate) EffectiveDeparture() (int64, bool) {
	if u.Departure > 0 {
		return u.Departure, true
	}
	if u.Arrival > 0 {
		return u.Arrival, true
	}
	return 0, false
}
