package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"chartfeed/internal/model"
)

var errSentinel = errors.New("store offline")

// fakeAncillary is an in-memory AncillaryStore with insertion-ordered reads.
type fakeAncillary struct {
	mu             sync.Mutex
	err            error
	settings       map[string]string
	clientSettings map[string]string
	annotations    []model.Annotation
	strategies     map[string]model.Strategy
	stratOrder     []string
}

func newFakeAncillary() *fakeAncillary {
	return &fakeAncillary{
		settings:       make(map[string]string),
		clientSettings: make(map[string]string),
		strategies:     make(map[string]model.Strategy),
	}
}

func (f *fakeAncillary) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeAncillary) SetSettings(_ context.Context, kv map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for k, v := range kv {
		f.settings[k] = v
	}
	return nil
}

func (f *fakeAncillary) GetSettings(_ context.Context, names []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string)
	if len(names) == 0 {
		for k, v := range f.settings {
			out[k] = v
		}
		return out, nil
	}
	for _, name := range names {
		if v, ok := f.settings[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

func (f *fakeAncillary) SetClientSettings(_ context.Context, clientID, settings string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.clientSettings[clientID] = settings
	return nil
}

func (f *fakeAncillary) GetClientSettings(_ context.Context, clientID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.clientSettings[clientID], nil
}

func (f *fakeAncillary) SaveAnnotation(_ context.Context, a model.Annotation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for i := range f.annotations {
		if f.annotations[i].ClientID == a.ClientID && f.annotations[i].UniqueID == a.UniqueID {
			f.annotations[i] = a
			return nil
		}
	}
	f.annotations = append(f.annotations, a)
	return nil
}

func (f *fakeAncillary) DeleteAnnotation(_ context.Context, clientID, uniqueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	kept := f.annotations[:0]
	for _, a := range f.annotations {
		if a.ClientID == clientID && a.UniqueID == uniqueID {
			continue
		}
		kept = append(kept, a)
	}
	f.annotations = kept
	return nil
}

func (f *fakeAncillary) GetAnnotations(_ context.Context, clientID, instrument, tfLabel string) ([]model.Annotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Annotation
	for _, a := range f.annotations {
		if a.ClientID != clientID {
			continue
		}
		if instrument != "" && a.Instrument != instrument {
			continue
		}
		if tfLabel != "" && a.Timeframe != tfLabel {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAncillary) SaveStrategy(_ context.Context, st model.Strategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.strategies[st.ClientID]; !ok {
		f.stratOrder = append(f.stratOrder, st.ClientID)
	}
	f.strategies[st.ClientID] = st
	return nil
}

func (f *fakeAncillary) GetStrategy(_ context.Context, clientID string) (model.Strategy, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Strategy{}, false, f.err
	}
	st, ok := f.strategies[clientID]
	return st, ok, nil
}

func (f *fakeAncillary) GetStrategies(_ context.Context) ([]model.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.Strategy, 0, len(f.strategies))
	for _, id := range f.stratOrder {
		if st, ok := f.strategies[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeAncillary) DeleteStrategy(_ context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.strategies, clientID)
	return nil
}

// ─── tests ───

func TestSaveAndGetSettings(t *testing.T) {
	h := newHarness(t, serveBars(nil))

	h.send(`{"action":"save_settings","settings":{"chart":{"theme":"dark"},"grid":true}}`)
	h.waitCtrl("settings_saved")

	h.store.mu.Lock()
	stored := h.store.settings["chart"]
	h.store.mu.Unlock()
	if stored != `{"theme":"dark"}` {
		t.Errorf("stored chart = %q", stored)
	}

	h.send(`{"action":"get_settings","names":["chart","missing"]}`)
	fr := h.waitCtrl("settings")
	settings, _ := fr.raw["settings"].(map[string]any)
	chart, _ := settings["chart"].(map[string]any)
	if chart["theme"] != "dark" {
		t.Errorf("settings.chart = %v", settings["chart"])
	}
	if _, ok := settings["missing"]; ok {
		t.Error("unset name should be omitted")
	}
}

func TestSaveSettingsValidation(t *testing.T) {
	h := newHarness(t, serveBars(nil))
	h.send(`{"action":"save_settings"}`)
	h.waitError("requires a settings object")
	h.send(`{"action":"save_settings","settings":{}}`)
	h.waitError("requires a settings object")
}

func TestClientSettingsRoundTrip(t *testing.T) {
	h := newHarness(t, serveBars(nil))
	h.send(`{"action":"set_client_id","clientid":"cfg-client"}`)
	h.waitCtrl("client_id_set")

	h.send(`{"action":"get_client_settings"}`)
	fr := h.waitCtrl("client_settings")
	if fr.raw["settings"] != nil {
		t.Errorf("unset client settings = %v, want null", fr.raw["settings"])
	}

	h.send(`{"action":"save_client_settings","settings":{"layout":[1,2]}}`)
	h.waitCtrl("client_settings_saved")

	h.send(`{"action":"get_client_settings"}`)
	waitFor(t, "stored client settings", func() bool {
		for _, fr := range h.sink.snapshot() {
			if fr.mtyp != "ctrl" || fr.str("ctrl") != "client_settings" {
				continue
			}
			if m, ok := fr.raw["settings"].(map[string]any); ok {
				layout, _ := m["layout"].([]any)
				return len(layout) == 2
			}
		}
		return false
	})
}

func TestAnnotationLifecycle(t *testing.T) {
	h := newHarness(t, serveBars(nil))
	h.send(`{"action":"set_client_id","clientid":"annot"}`)
	h.waitCtrl("client_id_set")

	h.send(`{"action":"save_annotation","unique_id":"a1","instrument":"ESU5","timeframe":"5m",
		"annotype":"trendline","object":{"p1":[1,100.5],"p2":[9,104.0]}}`)
	fr := h.waitCtrl("annotation_saved")
	if fr.str("unique_id") != "a1" {
		t.Errorf("annotation_saved unique_id = %q", fr.str("unique_id"))
	}
	h.send(`{"action":"save_annotation","unique_id":"a2","instrument":"NQU5","timeframe":"1m","annotype":"note","object":{"text":"gap"}}`)
	h.waitCtrl("annotation_saved")

	h.send(`{"action":"get_annotations"}`)
	all := h.waitCtrl("annotations")
	list, _ := all.raw["annotations"].([]any)
	if len(list) != 2 {
		t.Fatalf("annotations = %d, want 2", len(list))
	}
	first, _ := list[0].(map[string]any)
	if first["unique_id"] != "a1" || first["clientid"] != "annot" {
		t.Errorf("first annotation = %v", first)
	}
	if obj, ok := first["object"].(map[string]any); !ok || obj["p1"] == nil {
		t.Errorf("object not inlined: %v", first["object"])
	}

	h.send(`{"action":"get_annotations","instrument":"NQU5"}`)
	waitFor(t, "filtered annotations", func() bool {
		for _, fr := range h.sink.snapshot() {
			if fr.mtyp != "ctrl" || fr.str("ctrl") != "annotations" {
				continue
			}
			if list, ok := fr.raw["annotations"].([]any); ok && len(list) == 1 {
				m, _ := list[0].(map[string]any)
				return m["unique_id"] == "a2"
			}
		}
		return false
	})

	h.send(`{"action":"delete_annotation","unique_id":"a1"}`)
	del := h.waitCtrl("annotation_deleted")
	if del.str("unique_id") != "a1" {
		t.Errorf("annotation_deleted unique_id = %q", del.str("unique_id"))
	}
}

func TestSaveAnnotationMintsMissingID(t *testing.T) {
	h := newHarness(t, serveBars(nil))

	h.send(`{"action":"save_annotation","instrument":"ESU5","annotype":"note","object":{"text":"gap"}}`)
	fr := h.waitCtrl("annotation_saved")
	minted := fr.str("unique_id")
	if minted == "" {
		t.Fatal("annotation_saved carries no unique_id for an id-less save")
	}

	// The minted id addresses the row from then on.
	h.send(`{"action":"delete_annotation","unique_id":"` + minted + `"}`)
	h.waitCtrl("annotation_deleted")
	h.store.mu.Lock()
	left := len(h.store.annotations)
	h.store.mu.Unlock()
	if left != 0 {
		t.Errorf("annotations left after delete = %d, want 0", left)
	}
}

func TestStrategyLifecycle(t *testing.T) {
	h := newHarness(t, serveBars(nil))
	h.send(`{"action":"set_client_id","clientid":"pub"}`)
	h.waitCtrl("client_id_set")

	h.send(`{"action":"save_strategy","strategy_name":"breakout","description":"opening range",
		"parameters":{"window":5},"subscribers":["sub-a","sub-b"]}`)
	fr := h.waitCtrl("strategy_saved")
	if fr.str("strategy_name") != "breakout" {
		t.Errorf("strategy_saved name = %q", fr.str("strategy_name"))
	}

	h.send(`{"action":"get_strategies"}`)
	got := h.waitCtrl("strategies")
	list, _ := got.raw["strategies"].([]any)
	if len(list) != 1 {
		t.Fatalf("strategies = %d, want 1", len(list))
	}
	st, _ := list[0].(map[string]any)
	if st["clientid"] != "pub" {
		t.Errorf("strategy clientid = %v", st["clientid"])
	}
	subsDoc, _ := st["subscribers"].(map[string]any)
	ids, _ := subsDoc["subscribers"].([]any)
	if len(ids) != 2 || ids[0] != "sub-a" {
		t.Errorf("subscribers = %v", st["subscribers"])
	}
	params, _ := st["parameters"].(map[string]any)
	if params["window"].(float64) != 5 {
		t.Errorf("parameters = %v", st["parameters"])
	}

	h.send(`{"action":"delete_strategy"}`)
	h.waitCtrl("strategy_deleted")
	h.store.mu.Lock()
	n := len(h.store.strategies)
	h.store.mu.Unlock()
	if n != 0 {
		t.Errorf("strategies left after delete = %d", n)
	}

	h.send(`{"action":"save_strategy"}`)
	h.waitError("save_strategy requires strategy_name")
}

func TestAncillaryStoreFailureAnswersClient(t *testing.T) {
	h := newHarness(t, serveBars(nil))
	h.store.failWith(errSentinel)
	h.send(`{"action":"save_settings","settings":{"a":1}}`)
	h.waitError("save_settings: store offline")
}

func TestAncillaryAllowedDuringLive(t *testing.T) {
	bars := map[string][]model.Bar{"ESU5": mkBars("ESU5", baseMs, 2)}
	h := newHarness(t, serveBars(bars))

	h.send(`{"action":"get_data","subscriptions":[{"instrument":"ESU5","timeframe":"1m"}],"live_data":"all"}`)
	h.waitState(StateLiveActive)

	h.send(`{"action":"save_settings","settings":{"theme":"dark"}}`)
	h.waitCtrl("settings_saved")
	if h.sess.State() != StateLiveActive {
		t.Errorf("state = %s after ancillary action, want live_active", h.sess.State())
	}
}
