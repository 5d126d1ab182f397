package model

import "encoding/json"

// Annotation is a client-authored chart object (line, zone, note) keyed by
// (client, unique id). Object is an opaque JSON blob.
type Annotation struct {
	ClientID   string `json:"clientid"`
	UniqueID   string `json:"unique_id"`
	Instrument string `json:"instrument"`
	Timeframe  string `json:"timeframe"`
	Annotype   string `json:"annotype"`
	Object     string `json:"object"`
}

// Strategy is a publisher row: one per publishing client. Parameters is an
// opaque JSON blob; Subscribers is the JSON document
// {"subscribers":[clientId,...]} consulted at fan-out dispatch time.
type Strategy struct {
	ClientID     string `json:"clientid"`
	StrategyName string `json:"strategy_name"`
	Description  string `json:"description"`
	Parameters   string `json:"parameters"`
	Subscribers  string `json:"subscribers"`
}

// SubscriberIDs decodes the Subscribers document. A malformed or empty
// document yields no ids.
func (s *Strategy) SubscriberIDs() []string {
	var doc struct {
		Subscribers []string `json:"subscribers"`
	}
	if err := json.Unmarshal([]byte(s.Subscribers), &doc); err != nil {
		return nil
	}
	return doc.Subscribers
}
