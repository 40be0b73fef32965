package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vrdavis/signalling-server/internal/metrics"
	"github.com/vrdavis/signalling-server/internal/pairstore"
	"github.com/vrdavis/signalling-server/internal/registry"
)

// captureSender records every frame written to a connection.
type captureSender struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (s *captureSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sender closed")
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *captureSender) envelopes(t *testing.T) []Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, 0, len(s.frames))
	for _, frame := range s.frames {
		env, err := ParseEnvelope(frame)
		if err != nil {
			t.Fatalf("sent frame does not parse: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (s *captureSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

func lastOfType(t *testing.T, s *captureSender, typ MessageType) Envelope {
	t.Helper()
	envs := s.envelopes(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == typ {
			return envs[i]
		}
	}
	t.Fatalf("no %s envelope sent; got %v", typ, typesOf(envs))
	return Envelope{}
}

func hasType(t *testing.T, s *captureSender, typ MessageType) bool {
	t.Helper()
	for _, env := range s.envelopes(t) {
		if env.Type == typ {
			return true
		}
	}
	return false
}

func typesOf(envs []Envelope) []MessageType {
	out := make([]MessageType, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

func newTestHandler(t *testing.T, pairingTimeout time.Duration) (*Handler, *pairstore.Store, *metrics.Metrics) {
	t.Helper()
	store, err := pairstore.Open(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	met := metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(log, registry.New(), store, met, pairingTimeout)
	return h, store, met
}

func connect(t *testing.T, h *Handler) (*registry.Connection, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	conn := registry.NewConnection(sender)
	if err := h.Connect(conn); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return conn, sender
}

func sendJSON(t *testing.T, h *Handler, conn *registry.Connection, typ MessageType, data string) {
	t.Helper()
	frame := fmt.Sprintf(`{"type":%q,"data":%s}`, typ, data)
	if err := h.HandleMessage(conn, []byte(frame)); err != nil {
		t.Fatalf("handling %s: %v", typ, err)
	}
}

func open(t *testing.T, h *Handler, conn *registry.Connection, uuid string, vr bool, name string) {
	t.Helper()
	sendJSON(t, h, conn, TypeOpen, fmt.Sprintf(`{"uuid":%q,"vr":%t,"name":%q}`, uuid, vr, name))
}

func TestOpenUnpairedSendsDevicesThenPairs(t *testing.T) {
	h, _, _ := newTestHandler(t, time.Minute)

	vrConn, _ := connect(t, h)
	open(t, h, vrConn, "vr-1", true, "Headset")

	deskConn, deskSender := connect(t, h)
	open(t, h, deskConn, "desk-1", false, "Workstation")

	envs := deskSender.envelopes(t)
	if len(envs) != 2 || envs[0].Type != TypeDevices || envs[1].Type != TypePairs {
		t.Fatalf("got %v, want [devices pairs]", typesOf(envs))
	}

	var deviceList struct {
		Devices []pairstore.Device `json:"devices"`
	}
	if err := json.Unmarshal(envs[0].Data, &deviceList); err != nil {
		t.Fatalf("decoding devices: %v", err)
	}
	if len(deviceList.Devices) != 1 || deviceList.Devices[0].UUID != "vr-1" || deviceList.Devices[0].Name != "Headset" {
		t.Errorf("devices = %+v, want the open headset", deviceList.Devices)
	}

	if got := deskConn.State(); got != registry.StateAwaitingCodeEntry {
		t.Errorf("state = %v, want awaiting-code-entry", got)
	}
}

func TestOpenAlreadyPaired(t *testing.T) {
	h, store, _ := newTestHandler(t, time.Minute)
	pair := pairstore.Pair{
		VRDevice:      pairstore.Device{UUID: "vr-1", Name: "Headset"},
		DesktopDevice: pairstore.Device{UUID: "desk-1", Name: "Workstation"},
	}
	if err := store.AddPair(pair); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	conn, sender := connect(t, h)
	open(t, h, conn, "vr-1", true, "Headset")

	env := lastOfType(t, sender, TypePaired)
	var data struct {
		Paired bool           `json:"paired"`
		Pair   pairstore.Pair `json:"pair"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decoding paired: %v", err)
	}
	if !data.Paired || data.Pair.DesktopDevice.UUID != "desk-1" {
		t.Errorf("paired data = %+v", data)
	}
	if !hasType(t, sender, TypeICECredentialsRequest) {
		t.Error("expected ice-credentials-request after reconnect of a paired device")
	}
	if !hasType(t, sender, TypePairs) {
		t.Error("expected pairs envelope")
	}
	if got := conn.State(); got != registry.StateAlreadyPaired {
		t.Errorf("state = %v, want already-paired", got)
	}
}

func TestOpenRejectsReidentification(t *testing.T) {
	h, _, met := newTestHandler(t, time.Minute)
	conn, sender := connect(t, h)
	open(t, h, conn, "vr-1", true, "Headset")
	sender.reset()

	open(t, h, conn, "vr-2", true, "Other")

	env := lastOfType(t, sender, TypeError)
	assertErrorCode(t, env, ErrCodeProtocolViolation)
	if conn.ID() != "vr-1" {
		t.Errorf("identity changed to %q", conn.ID())
	}
	if met.Get(metrics.ProtocolViolations) == 0 {
		t.Error("protocol violation not counted")
	}
}

func TestFullPairingFlow(t *testing.T) {
	h, store, met := newTestHandler(t, time.Minute)

	vrConn, vrSender := connect(t, h)
	open(t, h, vrConn, "vr-1", true, "Headset")
	deskConn, deskSender := connect(t, h)
	open(t, h, deskConn, "desk-1", false, "Workstation")
	vrSender.reset()
	deskSender.reset()

	sendJSON(t, h, deskConn, TypePairCode, `{"uuid":"desk-1","name":"Workstation","code":"1234"}`)

	if !hasType(t, vrSender, TypePairCodeConfirmationRequest) {
		t.Fatal("headset did not receive a confirmation request")
	}
	if got := deskConn.State(); got != registry.StateAwaitingCodeConfirmation {
		t.Errorf("initiator state = %v, want awaiting-code-confirmation", got)
	}
	if got := vrConn.State(); got != registry.StateAwaitingCodeConfirmation {
		t.Errorf("headset state = %v, want awaiting-code-confirmation", got)
	}

	sendJSON(t, h, vrConn, TypePairCodeConfirmationResponse, `{"code":"1234"}`)

	for name, sender := range map[string]*captureSender{"vr": vrSender, "desktop": deskSender} {
		env := lastOfType(t, sender, TypePaired)
		var data struct {
			Paired bool           `json:"paired"`
			Pair   pairstore.Pair `json:"pair"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("%s: decoding paired: %v", name, err)
		}
		if data.Pair.VRDevice.UUID != "vr-1" || data.Pair.DesktopDevice.UUID != "desk-1" {
			t.Errorf("%s: pair = %+v", name, data.Pair)
		}
	}
	if !hasType(t, vrSender, TypeICECredentialsRequest) {
		t.Error("headset did not receive ice-credentials-request")
	}
	if hasType(t, deskSender, TypeICECredentialsRequest) {
		t.Error("desktop unexpectedly received ice-credentials-request")
	}

	if !store.IsPaired("vr-1") || !store.IsPaired("desk-1") {
		t.Error("pair not persisted")
	}
	if vrConn.State() != registry.StatePaired || deskConn.State() != registry.StatePaired {
		t.Errorf("states = %v/%v, want paired/paired", vrConn.State(), deskConn.State())
	}
	if met.Get(metrics.PairsAdded) != 1 {
		t.Errorf("pairs_added = %d, want 1", met.Get(metrics.PairsAdded))
	}
}

func TestPairCodeIdentityMismatch(t *testing.T) {
	h, _, _ := newTestHandler(t, time.Minute)
	conn, sender := connect(t, h)
	open(t, h, conn, "desk-1", false, "Workstation")
	sender.reset()

	sendJSON(t, h, conn, TypePairCode, `{"uuid":"someone-else","name":"Workstation","code":"1234"}`)

	assertErrorCode(t, lastOfType(t, sender, TypeError), ErrCodeProtocolViolation)
	if got := conn.State(); got != registry.StateAwaitingCodeEntry {
		t.Errorf("state = %v, want awaiting-code-entry", got)
	}
}

func TestPairCodeDuplicateCode(t *testing.T) {
	h, _, _ := newTestHandler(t, time.Minute)
	first, _ := connect(t, h)
	open(t, h, first, "desk-1", false, "One")
	second, secondSender := connect(t, h)
	open(t, h, second, "desk-2", false, "Two")
	secondSender.reset()

	sendJSON(t, h, first, TypePairCode, `{"uuid":"desk-1","name":"One","code":"1234"}`)
	sendJSON(t, h, second, TypePairCode, `{"uuid":"desk-2","name":"Two","code":"1234"}`)

	assertErrorCode(t, lastOfType(t, secondSender, TypeError), ErrCodeCodeInUse)
	if got := second.State(); got != registry.StateAwaitingCodeEntry {
		t.Errorf("state = %v, want awaiting-code-entry", got)
	}
}

func TestConfirmationCodeMismatch(t *testing.T) {
	h, store, met := newTestHandler(t, time.Minute)
	vrConn, vrSender := connect(t, h)
	open(t, h, vrConn, "vr-1", true, "Headset")
	deskConn, _ := connect(t, h)
	open(t, h, deskConn, "desk-1", false, "Workstation")

	sendJSON(t, h, deskConn, TypePairCode, `{"uuid":"desk-1","name":"Workstation","code":"1234"}`)
	vrSender.reset()
	sendJSON(t, h, vrConn, TypePairCodeConfirmationResponse, `{"code":"9999"}`)

	assertErrorCode(t, lastOfType(t, vrSender, TypeError), ErrCodeCodeMismatch)
	if store.IsPaired("vr-1") {
		t.Error("mismatching code still produced a pair")
	}
	if met.Get(metrics.CodeMismatches) != 1 {
		t.Errorf("pairing_code_mismatches = %d, want 1", met.Get(metrics.CodeMismatches))
	}
}

func TestPairingNegotiationExpires(t *testing.T) {
	h, store, met := newTestHandler(t, 20*time.Millisecond)
	vrConn, _ := connect(t, h)
	open(t, h, vrConn, "vr-1", true, "Headset")
	deskConn, deskSender := connect(t, h)
	open(t, h, deskConn, "desk-1", false, "Workstation")
	deskSender.reset()

	sendJSON(t, h, deskConn, TypePairCode, `{"uuid":"desk-1","name":"Workstation","code":"1234"}`)

	deadline := time.Now().Add(2 * time.Second)
	for deskConn.State() != registry.StateAwaitingCodeEntry {
		if time.Now().After(deadline) {
			t.Fatalf("initiator still in %v after timeout", deskConn.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	assertErrorCode(t, lastOfType(t, deskSender, TypeError), ErrCodePairingExpired)
	if got := vrConn.State(); got != registry.StateAwaitingCodeEntry {
		t.Errorf("headset state = %v, want awaiting-code-entry", got)
	}
	if store.IsPaired("desk-1") {
		t.Error("expired negotiation produced a pair")
	}
	if met.Get(metrics.PairingsExpired) != 1 {
		t.Errorf("pairings_expired = %d, want 1", met.Get(metrics.PairingsExpired))
	}

	// A confirmation for the expired code must not pair anything.
	sendJSON(t, h, vrConn, TypePairCodeConfirmationResponse, `{"code":"1234"}`)
	if store.IsPaired("vr-1") {
		t.Error("expired code was accepted")
	}
}

func TestDisconnectCancelsNegotiation(t *testing.T) {
	h, store, _ := newTestHandler(t, time.Minute)
	vrConn, _ := connect(t, h)
	open(t, h, vrConn, "vr-1", true, "Headset")
	deskConn, _ := connect(t, h)
	open(t, h, deskConn, "desk-1", false, "Workstation")

	sendJSON(t, h, deskConn, TypePairCode, `{"uuid":"desk-1","name":"Workstation","code":"1234"}`)
	h.Disconnect(deskConn)

	if got := vrConn.State(); got != registry.StateAwaitingCodeEntry {
		t.Errorf("headset state = %v, want awaiting-code-entry after initiator left", got)
	}
	sendJSON(t, h, vrConn, TypePairCodeConfirmationResponse, `{"code":"1234"}`)
	if store.IsPaired("vr-1") {
		t.Error("cancelled negotiation produced a pair")
	}
}

func TestConcurrentNegotiationsStayIsolated(t *testing.T) {
	h, store, _ := newTestHandler(t, time.Minute)

	vr1, _ := connect(t, h)
	open(t, h, vr1, "vr-1", true, "Headset One")
	vr2, _ := connect(t, h)
	open(t, h, vr2, "vr-2", true, "Headset Two")
	desk1, _ := connect(t, h)
	open(t, h, desk1, "desk-1", false, "Workstation One")
	desk2, _ := connect(t, h)
	open(t, h, desk2, "desk-2", false, "Workstation Two")

	sendJSON(t, h, desk1, TypePairCode, `{"uuid":"desk-1","name":"Workstation One","code":"1111"}`)
	sendJSON(t, h, desk2, TypePairCode, `{"uuid":"desk-2","name":"Workstation Two","code":"2222"}`)

	sendJSON(t, h, vr1, TypePairCodeConfirmationResponse, `{"code":"1111"}`)
	sendJSON(t, h, vr2, TypePairCodeConfirmationResponse, `{"code":"2222"}`)

	pairs := store.Pairs()
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}
	byVR := map[string]string{}
	for _, p := range pairs {
		byVR[p.VRDevice.UUID] = p.DesktopDevice.UUID
	}
	if byVR["vr-1"] != "desk-1" || byVR["vr-2"] != "desk-2" {
		t.Errorf("pair memberships crossed over: %v", byVR)
	}
}

func seedPairedConnections(t *testing.T, h *Handler, store *pairstore.Store) (vr, desk *registry.Connection, vrSender, deskSender *captureSender) {
	t.Helper()
	pair := pairstore.Pair{
		VRDevice:      pairstore.Device{UUID: "vr-1", Name: "Headset"},
		DesktopDevice: pairstore.Device{UUID: "desk-1", Name: "Workstation"},
	}
	if err := store.AddPair(pair); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	vr, vrSender = connect(t, h)
	open(t, h, vr, "vr-1", true, "Headset")
	desk, deskSender = connect(t, h)
	open(t, h, desk, "desk-1", false, "Workstation")
	vrSender.reset()
	deskSender.reset()
	return vr, desk, vrSender, deskSender
}

func TestRelayOfferAndAnswer(t *testing.T) {
	h, store, met := newTestHandler(t, time.Minute)
	vr, desk, vrSender, deskSender := seedPairedConnections(t, h, store)

	offer := `{"type":"offer","sdp":"v=0 headset"}`
	sendJSON(t, h, vr, TypeICECredentialsResponse, `{"pairedId":"desk-1","offer":`+offer+`}`)

	env := lastOfType(t, deskSender, TypeRTCOffer)
	var offerData struct {
		Offer json.RawMessage `json:"offer"`
	}
	if err := json.Unmarshal(env.Data, &offerData); err != nil {
		t.Fatalf("decoding rtc-offer: %v", err)
	}
	var got, want map[string]any
	if err := json.Unmarshal(offerData.Offer, &got); err != nil {
		t.Fatalf("relayed offer does not parse: %v", err)
	}
	if err := json.Unmarshal([]byte(offer), &want); err != nil {
		t.Fatalf("test offer does not parse: %v", err)
	}
	if got["sdp"] != want["sdp"] {
		t.Errorf("relayed sdp = %v, want %v", got["sdp"], want["sdp"])
	}

	if hasType(t, vrSender, TypeRTCOffer) {
		t.Error("offer leaked back to the sender")
	}

	answer := `{"type":"answer","sdp":"v=0 workstation"}`
	sendJSON(t, h, desk, TypeRTCAnswer, `{"pairedId":"vr-1","answer":`+answer+`}`)
	if !hasType(t, vrSender, TypeRTCAnswer) {
		t.Error("headset did not receive the relayed answer")
	}
	if met.Get(metrics.RelayDelivered) != 2 {
		t.Errorf("relay_delivered = %d, want 2", met.Get(metrics.RelayDelivered))
	}
}

func TestRelayTargetOffline(t *testing.T) {
	h, store, met := newTestHandler(t, time.Minute)
	pair := pairstore.Pair{
		VRDevice:      pairstore.Device{UUID: "vr-1", Name: "Headset"},
		DesktopDevice: pairstore.Device{UUID: "desk-1", Name: "Workstation"},
	}
	if err := store.AddPair(pair); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	vr, vrSender := connect(t, h)
	open(t, h, vr, "vr-1", true, "Headset")
	vrSender.reset()

	sendJSON(t, h, vr, TypeICECredentialsResponse, `{"pairedId":"desk-1","offer":{"type":"offer","sdp":"x"}}`)

	assertErrorCode(t, lastOfType(t, vrSender, TypeError), ErrCodeTargetOffline)
	if met.Get(metrics.RelayTargetOffline) != 1 {
		t.Errorf("relay_target_offline = %d, want 1", met.Get(metrics.RelayTargetOffline))
	}
}

func TestRelayRejectsForeignTarget(t *testing.T) {
	h, store, _ := newTestHandler(t, time.Minute)
	vr, _, vrSender, _ := seedPairedConnections(t, h, store)

	other, _ := connect(t, h)
	open(t, h, other, "desk-2", false, "Intruder")
	vrSender.reset()

	sendJSON(t, h, vr, TypeICECredentialsResponse, `{"pairedId":"desk-2","offer":{"type":"offer","sdp":"x"}}`)
	assertErrorCode(t, lastOfType(t, vrSender, TypeError), ErrCodeProtocolViolation)
}

func TestRelayRequiresPairedState(t *testing.T) {
	h, _, _ := newTestHandler(t, time.Minute)
	conn, sender := connect(t, h)
	open(t, h, conn, "vr-1", true, "Headset")
	sender.reset()

	sendJSON(t, h, conn, TypeICECredentialsResponse, `{"pairedId":"desk-1","offer":{"type":"offer","sdp":"x"}}`)
	assertErrorCode(t, lastOfType(t, sender, TypeError), ErrCodeProtocolViolation)
}

func TestGetPairsAndClearPairs(t *testing.T) {
	h, store, met := newTestHandler(t, time.Minute)
	pair := pairstore.Pair{
		VRDevice:      pairstore.Device{UUID: "vr-1", Name: "Headset"},
		DesktopDevice: pairstore.Device{UUID: "desk-1", Name: "Workstation"},
	}
	if err := store.AddPair(pair); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	conn, sender := connect(t, h)

	sendJSON(t, h, conn, TypeGetPairs, `{}`)
	var pairList struct {
		Pairs []pairstore.Pair `json:"pairs"`
	}
	if err := json.Unmarshal(lastOfType(t, sender, TypePairs).Data, &pairList); err != nil {
		t.Fatalf("decoding pairs: %v", err)
	}
	if len(pairList.Pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairList.Pairs))
	}
	sender.reset()

	sendJSON(t, h, conn, TypeClearPairs, `{}`)
	if err := json.Unmarshal(lastOfType(t, sender, TypePairs).Data, &pairList); err != nil {
		t.Fatalf("decoding pairs: %v", err)
	}
	if len(pairList.Pairs) != 0 {
		t.Errorf("got %d pairs after clear, want 0", len(pairList.Pairs))
	}
	if len(store.Pairs()) != 0 {
		t.Error("store not cleared")
	}
	if met.Get(metrics.PairsCleared) != 1 {
		t.Errorf("pairs_cleared = %d, want 1", met.Get(metrics.PairsCleared))
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h, _, met := newTestHandler(t, time.Minute)
	conn, sender := connect(t, h)

	if err := h.HandleMessage(conn, []byte(`{"type":`)); err != nil {
		t.Fatalf("HandleMessage returned %v, want nil for malformed input", err)
	}
	assertErrorCode(t, lastOfType(t, sender, TypeError), ErrCodeMalformedMessage)
	if met.Get(metrics.MalformedEnvelopes) != 1 {
		t.Errorf("malformed_envelopes = %d, want 1", met.Get(metrics.MalformedEnvelopes))
	}

	// The connection keeps working afterwards.
	sender.reset()
	sendJSON(t, h, conn, TypeGetPairs, `{}`)
	if !hasType(t, sender, TypePairs) {
		t.Error("connection stopped responding after malformed frame")
	}
}

func TestUnknownMessageTypeIsDroppedSilently(t *testing.T) {
	h, _, met := newTestHandler(t, time.Minute)
	conn, sender := connect(t, h)

	sendJSON(t, h, conn, "teleport", `{}`)
	if envs := sender.envelopes(t); len(envs) != 0 {
		t.Fatalf("got %v, want no reply to an unknown type", typesOf(envs))
	}
	if met.Get(metrics.UnknownTypes) != 1 {
		t.Errorf("unknown_message_types = %d, want 1", met.Get(metrics.UnknownTypes))
	}

	// The connection keeps working afterwards.
	sendJSON(t, h, conn, TypeGetPairs, `{}`)
	if !hasType(t, sender, TypePairs) {
		t.Error("connection stopped responding after unknown type")
	}
}

func TestSendFailurePropagates(t *testing.T) {
	h, _, _ := newTestHandler(t, time.Minute)
	sender := &captureSender{fail: true}
	conn := registry.NewConnection(sender)
	if err := h.Connect(conn); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := h.HandleMessage(conn, []byte(`{"type":"get-pairs"}`))
	if err == nil {
		t.Fatal("HandleMessage succeeded, want transport error")
	}
}

func assertErrorCode(t *testing.T, env Envelope, want ErrorCode) {
	t.Helper()
	var data struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if data.Code != want {
		t.Fatalf("error code = %q (%s), want %q", data.Code, data.Message, want)
	}
	if data.Message == "" {
		t.Error("error envelope has no message")
	}
}
