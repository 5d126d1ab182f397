package model

// Trade is a single print from the vendor's trades schema.
type Trade struct {
	Instrument string  `json:"instrument"`
	TS         int64   `json:"timestamp"` // epoch ms UTC
	Price      float64 `json:"price"`
	Size       int64   `json:"size"`
}
