package session

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"chartfeed/internal/logger"
	"chartfeed/internal/model"
)

// AncillaryStore persists chart settings, annotations and strategies.
// *sqlite.Store satisfies it.
type AncillaryStore interface {
	SetSettings(ctx context.Context, kv map[string]string) error
	GetSettings(ctx context.Context, names []string) (map[string]string, error)
	SetClientSettings(ctx context.Context, clientID, settings string) error
	GetClientSettings(ctx context.Context, clientID string) (string, error)
	SaveAnnotation(ctx context.Context, a model.Annotation) error
	DeleteAnnotation(ctx context.Context, clientID, uniqueID string) error
	GetAnnotations(ctx context.Context, clientID, instrument, tfLabel string) ([]model.Annotation, error)
	SaveStrategy(ctx context.Context, st model.Strategy) error
	GetStrategy(ctx context.Context, clientID string) (model.Strategy, bool, error)
	GetStrategies(ctx context.Context) ([]model.Strategy, error)
	DeleteStrategy(ctx context.Context, clientID string) error
}

// handleAncillary serves the settings/annotation/strategy actions. These are
// valid in every session state; failures answer the client and log with the
// action's trace ID.
func (s *Session) handleAncillary(act *Action) {
	store := s.deps.Ancillary
	if store == nil {
		s.out.Error("storage unavailable")
		return
	}
	ctx := act.ctx
	if ctx == nil {
		ctx = s.ctx
	}
	fail := func(stage string, err error) {
		log.Printf("[session %s] %s: %v (trace %s)", s.ID(), stage, err, logger.TraceID(ctx))
		s.out.Error(stage + ": " + err.Error())
	}

	switch act.Action {
	case "save_settings":
		var kv map[string]json.RawMessage
		if len(act.Settings) == 0 || json.Unmarshal(act.Settings, &kv) != nil || len(kv) == 0 {
			s.out.Error("save_settings requires a settings object")
			return
		}
		flat := make(map[string]string, len(kv))
		for name, v := range kv {
			flat[name] = string(v)
		}
		if err := store.SetSettings(ctx, flat); err != nil {
			fail("save_settings", err)
			return
		}
		s.out.Ctrl("settings_saved", nil)

	case "get_settings":
		vals, err := store.GetSettings(ctx, act.Names)
		if err != nil {
			fail("get_settings", err)
			return
		}
		out := make(map[string]json.RawMessage, len(vals))
		for name, v := range vals {
			out[name] = rawOrNull(v)
		}
		s.out.Ctrl("settings", map[string]any{"settings": out})

	case "save_client_settings":
		if len(act.Settings) == 0 {
			s.out.Error("save_client_settings requires settings")
			return
		}
		if err := store.SetClientSettings(ctx, s.ID(), string(act.Settings)); err != nil {
			fail("save_client_settings", err)
			return
		}
		s.out.Ctrl("client_settings_saved", nil)

	case "get_client_settings":
		v, err := store.GetClientSettings(ctx, s.ID())
		if err != nil {
			fail("get_client_settings", err)
			return
		}
		s.out.Ctrl("client_settings", map[string]any{"settings": rawOrNull(v)})

	case "save_annotation":
		if act.UniqueID == "" {
			// New annotation: mint an id and echo it in the reply.
			act.UniqueID = uuid.NewString()
		}
		a := model.Annotation{
			ClientID:   s.ID(),
			UniqueID:   act.UniqueID,
			Instrument: act.Instrument,
			Timeframe:  act.Timeframe,
			Annotype:   act.Annotype,
			Object:     string(act.Object),
		}
		if err := store.SaveAnnotation(ctx, a); err != nil {
			fail("save_annotation", err)
			return
		}
		s.out.Ctrl("annotation_saved", map[string]any{"unique_id": a.UniqueID})
		s.fanoutAnnotation(ctx, "anno_saved", a)

	case "delete_annotation":
		if act.UniqueID == "" {
			s.out.Error("delete_annotation requires unique_id")
			return
		}
		if err := store.DeleteAnnotation(ctx, s.ID(), act.UniqueID); err != nil {
			fail("delete_annotation", err)
			return
		}
		s.out.Ctrl("annotation_deleted", map[string]any{"unique_id": act.UniqueID})
		s.fanoutAnnotation(ctx, "anno_deleted", model.Annotation{
			ClientID: s.ID(),
			UniqueID: act.UniqueID,
		})

	case "get_annotations":
		list, err := store.GetAnnotations(ctx, s.ID(), act.Instrument, act.Timeframe)
		if err != nil {
			fail("get_annotations", err)
			return
		}
		wire := make([]map[string]any, 0, len(list))
		for _, a := range list {
			wire = append(wire, annotationWire(a))
		}
		s.out.Ctrl("annotations", map[string]any{"annotations": wire})

	case "save_strategy":
		if act.StrategyName == "" {
			s.out.Error("save_strategy requires strategy_name")
			return
		}
		st := model.Strategy{
			ClientID:     s.ID(),
			StrategyName: act.StrategyName,
			Description:  act.Description,
			Parameters:   string(act.Parameters),
			Subscribers:  wrapSubscribers(act.Subscribers),
		}
		if err := store.SaveStrategy(ctx, st); err != nil {
			fail("save_strategy", err)
			return
		}
		s.out.Ctrl("strategy_saved", map[string]any{"strategy_name": st.StrategyName})

	case "get_strategies":
		list, err := store.GetStrategies(ctx)
		if err != nil {
			fail("get_strategies", err)
			return
		}
		wire := make([]map[string]any, 0, len(list))
		for _, st := range list {
			wire = append(wire, strategyWire(st))
		}
		s.out.Ctrl("strategies", map[string]any{"strategies": wire})

	case "delete_strategy":
		if err := store.DeleteStrategy(ctx, s.ID()); err != nil {
			fail("delete_strategy", err)
			return
		}
		s.out.Ctrl("strategy_deleted", nil)
	}
}

// fanoutAnnotation pushes an annotation change to the subscribers of the
// publishing client's strategy. Membership is read at dispatch time, so
// subscriber edits take effect on the next save. Disconnected subscribers
// are skipped.
func (s *Session) fanoutAnnotation(ctx context.Context, action string, a model.Annotation) {
	if s.deps.SendTo == nil || s.deps.Ancillary == nil {
		return
	}
	st, ok, err := s.deps.Ancillary.GetStrategy(ctx, s.ID())
	if err != nil {
		log.Printf("[session %s] strategy lookup: %v (trace %s)", s.ID(), err, logger.TraceID(ctx))
		return
	}
	if !ok {
		return // not a publisher
	}
	ids := st.SubscriberIDs()
	if len(ids) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"mtyp":          "strategy",
		"action":        action,
		"publisher":     s.ID(),
		"strategy_name": st.StrategyName,
		"annotation":    annotationWire(a),
	})
	if err != nil {
		return
	}
	n := s.deps.SendTo(ids, payload)
	log.Printf("[session %s] %s fanned out to %d/%d subscribers", s.ID(), action, n, len(ids))
}

// annotationWire renders an annotation with its stored JSON blob inlined
// rather than string-escaped.
func annotationWire(a model.Annotation) map[string]any {
	return map[string]any{
		"clientid":   a.ClientID,
		"unique_id":  a.UniqueID,
		"instrument": a.Instrument,
		"timeframe":  a.Timeframe,
		"annotype":   a.Annotype,
		"object":     rawOrNull(a.Object),
	}
}

func strategyWire(st model.Strategy) map[string]any {
	return map[string]any{
		"clientid":      st.ClientID,
		"strategy_name": st.StrategyName,
		"description":   st.Description,
		"parameters":    rawOrNull(st.Parameters),
		"subscribers":   rawOrNull(st.Subscribers),
	}
}

// rawOrNull treats a stored string as pre-validated JSON; empty or invalid
// documents render as null instead of breaking the whole envelope.
func rawOrNull(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

// wrapSubscribers accepts either a bare JSON array of client IDs or the full
// {"subscribers":[...]} document and stores the document form.
func wrapSubscribers(raw json.RawMessage) string {
	if len(raw) == 0 {
		return `{"subscribers":[]}`
	}
	var arr []string
	if json.Unmarshal(raw, &arr) == nil {
		doc, err := json.Marshal(map[string][]string{"subscribers": arr})
		if err != nil {
			return `{"subscribers":[]}`
		}
		return string(doc)
	}
	return string(raw)
}
