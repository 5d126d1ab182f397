package model

// Subscription names one (instrument, timeframe) series a client receives.
type Subscription struct {
	Instrument string `json:"instrument"`
	Timeframe  string `json:"timeframe"`
}

// Key returns "instrument:timeframe", the subscription map key used across
// the service.
func (s Subscription) Key() string {
	return s.Instrument + ":" + s.Timeframe
}
