// Package signaling implements the pairing and session-setup protocol
// spoken over the /signal WebSocket: device identification, code-based
// pairing backed by the durable pair store, and relay of SDP offers and
// answers between paired peers.
package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vrdavis/signalling-server/internal/metrics"
	"github.com/vrdavis/signalling-server/internal/pairstore"
	"github.com/vrdavis/signalling-server/internal/registry"
)

// negotiation is one in-flight pairing attempt, keyed by its code. It
// exists from pair-code until confirmation, expiry, or the initiator
// disconnecting.
type negotiation struct {
	code      string
	initiator *registry.Connection
	timer     *time.Timer
}

// Handler owns the protocol state machine. One Handler serves all
// connections; per-connection state lives on the registry entries and
// the negotiation table.
type Handler struct {
	log            *slog.Logger
	reg            *registry.Registry
	store          *pairstore.Store
	met            *metrics.Metrics
	pairingTimeout time.Duration

	mu           sync.Mutex
	negotiations map[string]*negotiation
}

func NewHandler(log *slog.Logger, reg *registry.Registry, store *pairstore.Store, met *metrics.Metrics, pairingTimeout time.Duration) *Handler {
	return &Handler{
		log:            log,
		reg:            reg,
		store:          store,
		met:            met,
		pairingTimeout: pairingTimeout,
		negotiations:   make(map[string]*negotiation),
	}
}

// Connect registers a freshly-accepted connection.
func (h *Handler) Connect(conn *registry.Connection) error {
	if err := h.reg.Register(conn); err != nil {
		return err
	}
	h.met.Inc(metrics.ConnectionsOpened)
	h.log.Info("connection opened", "handle", conn.Handle(), "connections", h.reg.Len())
	return nil
}

// Disconnect tears down a connection: it leaves the registry, any
// negotiation it initiated is cancelled, and its state becomes terminal.
func (h *Handler) Disconnect(conn *registry.Connection) {
	h.reg.Unregister(conn)
	conn.SetState(registry.StateDisconnected)

	h.mu.Lock()
	for code, neg := range h.negotiations {
		if neg.initiator == conn {
			neg.timer.Stop()
			delete(h.negotiations, code)
		}
	}
	none := len(h.negotiations) == 0
	h.mu.Unlock()

	if none {
		h.releaseAwaitingConfirmation()
	}

	h.met.Inc(metrics.ConnectionsClosed)
	h.log.Info("connection closed", "handle", conn.Handle(), "id", conn.ID(), "connections", h.reg.Len())
}

// HandleMessage processes one inbound frame. Protocol errors are
// reported to the client with an error envelope; the connection stays
// open. A non-nil return means the transport itself failed and the
// caller should drop the connection.
func (h *Handler) HandleMessage(conn *registry.Connection, raw []byte) error {
	h.met.Inc(metrics.EnvelopesReceived)

	env, err := ParseEnvelope(raw)
	if err != nil {
		h.met.Inc(metrics.MalformedEnvelopes)
		h.log.Warn("malformed envelope", "handle", conn.Handle(), "err", err)
		return h.sendError(conn, ErrCodeMalformedMessage, "malformed message envelope")
	}

	h.log.Debug("envelope received", "handle", conn.Handle(), "type", env.Type, "state", conn.State().String())

	switch env.Type {
	case TypeClearPairs:
		return h.handleClearPairs(conn)
	case TypeGetPairs:
		return h.sendPairs(conn)
	case TypeOpen:
		return h.handleOpen(conn, env)
	case TypePairCode:
		return h.handlePairCode(conn, env)
	case TypePairCodeConfirmationResponse:
		return h.handleConfirmationResponse(conn, env)
	case TypeICECredentialsResponse:
		return h.handleICECredentialsResponse(conn, env)
	case TypeRTCAnswer:
		return h.handleRTCAnswer(conn, env)
	default:
		// Unknown types are logged and dropped without a reply so newer
		// clients can speak newer messages to older servers.
		h.met.Inc(metrics.UnknownTypes)
		h.log.Warn("unknown message type", "handle", conn.Handle(), "type", env.Type)
		return nil
	}
}

func (h *Handler) handleClearPairs(conn *registry.Connection) error {
	if err := h.store.Clear(); err != nil {
		h.met.Inc(metrics.StoreWriteFailures)
		h.log.Error("clearing pair store failed", "handle", conn.Handle(), "err", err)
		return h.sendError(conn, ErrCodeStoreFailure, "could not clear pairs")
	}
	h.met.Inc(metrics.PairsCleared)
	h.log.Info("pair store cleared", "handle", conn.Handle())
	return h.sendPairs(conn)
}

func (h *Handler) handleOpen(conn *registry.Connection, env Envelope) error {
	var data OpenData
	if err := decodeData(env, &data); err != nil {
		h.met.Inc(metrics.MalformedEnvelopes)
		return h.sendError(conn, ErrCodeMalformedMessage, err.Error())
	}
	if data.UUID == "" {
		h.met.Inc(metrics.ProtocolViolations)
		return h.sendError(conn, ErrCodeProtocolViolation, "open requires a uuid")
	}
	if conn.State() != registry.StateConnected {
		h.met.Inc(metrics.ProtocolViolations)
		return h.sendError(conn, ErrCodeProtocolViolation, "connection is already identified")
	}

	role := registry.RoleDesktop
	if data.VR {
		role = registry.RoleVR
	}
	conn.Identify(data.UUID, role, data.Name)
	conn.SetState(registry.StateIdentified)
	h.log.Info("device identified", "handle", conn.Handle(), "id", data.UUID, "role", role, "name", data.Name)

	pair, paired := h.store.PairFor(data.UUID)
	if paired {
		conn.SetState(registry.StateAlreadyPaired)
		if err := h.sendPaired(conn, pair); err != nil {
			return err
		}
		// Nudge both sides of the pair so whichever end drives the
		// session can start producing an offer.
		h.nudgePairMembers(pair)
		return h.sendPairs(conn)
	}

	conn.SetState(registry.StateAwaitingCodeEntry)
	if err := h.sendDevices(conn); err != nil {
		return err
	}
	return h.sendPairs(conn)
}

func (h *Handler) handlePairCode(conn *registry.Connection, env Envelope) error {
	var data PairCodeData
	if err := decodeData(env, &data); err != nil {
		h.met.Inc(metrics.MalformedEnvelopes)
		return h.sendError(conn, ErrCodeMalformedMessage, err.Error())
	}
	if conn.State() != registry.StateAwaitingCodeEntry {
		h.met.Inc(metrics.ProtocolViolations)
		return h.sendError(conn, ErrCodeProtocolViolation, "pair-code requires an identified, unpaired connection")
	}
	if data.Code == "" {
		h.met.Inc(metrics.ProtocolViolations)
		return h.sendError(conn, ErrCodeProtocolViolation, "pair-code requires a code")
	}
	// The connection's open identity is authoritative; a mismatching
	// uuid in the payload means a confused client.
	if data.UUID != conn.ID() {
		h.met.Inc(metrics.ProtocolViolations)
		return h.sendError(conn, ErrCodeProtocolViolation, "pair-code uuid does not match the open identity")
	}
	if h.store.IsPaired(conn.ID()) {
		return h.sendError(conn, ErrCodeAlreadyPaired, "device is already paired")
	}

	h.mu.Lock()
	if _, exists := h.negotiations[data.Code]; exists {
		h.mu.Unlock()
		return h.sendError(conn, ErrCodeCodeInUse, "pairing code is already in use")
	}
	neg := &negotiation{code: data.Code, initiator: conn}
	neg.timer = time.AfterFunc(h.pairingTimeout, func() { h.expireNegotiation(data.Code) })
	h.negotiations[data.Code] = neg
	h.mu.Unlock()

	conn.SetState(registry.StateAwaitingCodeConfirmation)
	h.log.Info("pairing negotiation started", "handle", conn.Handle(), "id", conn.ID(), "code", data.Code)

	frame, err := encodeConfirmationRequest()
	if err != nil {
		return err
	}
	for _, vr := range h.reg.VRConnections() {
		if vr == conn {
			continue
		}
		if vr.State() != registry.StateAwaitingCodeEntry {
			continue
		}
		vr.SetState(registry.StateAwaitingCodeConfirmation)
		if err := vr.Send(frame); err != nil {
			h.log.Warn("delivering confirmation request failed", "handle", vr.Handle(), "err", err)
			continue
		}
		h.met.Inc(metrics.EnvelopesSent)
	}
	return nil
}

func (h *Handler) handleConfirmationResponse(conn *registry.Connection, env Envelope) error {
	var data ConfirmationData
	if err := decodeData(env, &data); err != nil {
		h.met.Inc(metrics.MalformedEnvelopes)
		return h.sendError(conn, ErrCodeMalformedMessage, err.Error())
	}
	if conn.Role() != registry.RoleVR || conn.State() != registry.StateAwaitingCodeConfirmation {
		h.met.Inc(metrics.ProtocolViolations)
		return h.sendError(conn, ErrCodeProtocolViolation, "confirmation requires a headset awaiting a code")
	}

	h.mu.Lock()
	neg, ok := h.negotiations[data.Code]
	if ok {
		neg.timer.Stop()
		delete(h.negotiations, data.Code)
	}
	h.mu.Unlock()

	if !ok || neg.initiator == conn {
		h.met.Inc(metrics.CodeMismatches)
		h.log.Info("pairing code mismatch", "handle", conn.Handle(), "id", conn.ID())
		return h.sendError(conn, ErrCodeCodeMismatch, "no pairing request matches that code")
	}

	pair := pairstore.Pair{
		VRDevice:      conn.Device(),
		DesktopDevice: neg.initiator.Device(),
	}
	if err := h.store.AddPair(pair); err != nil {
		neg.initiator.SetState(registry.StateAwaitingCodeEntry)
		conn.SetState(registry.StateAwaitingCodeEntry)
		if errors.Is(err, pairstore.ErrAlreadyPaired) {
			return h.sendError(conn, ErrCodeAlreadyPaired, "one of the devices is already paired")
		}
		h.met.Inc(metrics.StoreWriteFailures)
		h.log.Error("persisting pair failed", "handle", conn.Handle(), "err", err)
		return h.sendError(conn, ErrCodeStoreFailure, "could not persist the pair")
	}
	h.met.Inc(metrics.PairsAdded)

	conn.SetState(registry.StatePaired)
	neg.initiator.SetState(registry.StatePaired)
	h.log.Info("pair established",
		"vr", pair.VRDevice.UUID,
		"desktop", pair.DesktopDevice.UUID,
		"code", data.Code)

	h.releaseAwaitingConfirmation()

	if err := h.sendPaired(neg.initiator, pair); err != nil {
		h.log.Warn("notifying initiator failed", "handle", neg.initiator.Handle(), "err", err)
	}
	if err := h.sendPaired(conn, pair); err != nil {
		return err
	}
	// The headset produces the ICE credentials and offer.
	frame, err := encodeICECredentialsRequest()
	if err != nil {
		return err
	}
	return h.sendFrame(conn, frame)
}

func (h *Handler) handleICECredentialsResponse(conn *registry.Connection, env Envelope) error {
	var data ICECredentialsData
	if err := decodeData(env, &data); err != nil {
		h.met.Inc(metrics.MalformedEnvelopes)
		return h.sendError(conn, ErrCodeMalformedMessage, err.Error())
	}
	target, errCode, msg := h.relayTarget(conn, data.PairedID)
	if errCode != "" {
		return h.sendError(conn, errCode, msg)
	}
	frame, err := encodeRTCOffer(data.Offer)
	if err != nil {
		return err
	}
	return h.deliver(conn, target, frame)
}

func (h *Handler) handleRTCAnswer(conn *registry.Connection, env Envelope) error {
	var data RTCAnswerData
	if err := decodeData(env, &data); err != nil {
		h.met.Inc(metrics.MalformedEnvelopes)
		return h.sendError(conn, ErrCodeMalformedMessage, err.Error())
	}
	target, errCode, msg := h.relayTarget(conn, data.PairedID)
	if errCode != "" {
		return h.sendError(conn, errCode, msg)
	}
	frame, err := encodeRTCAnswer(data.Answer)
	if err != nil {
		return err
	}
	return h.deliver(conn, target, frame)
}

// relayTarget validates a relay request and resolves the destination
// connection. A non-empty ErrorCode describes why the relay is refused.
func (h *Handler) relayTarget(conn *registry.Connection, pairedID string) (*registry.Connection, ErrorCode, string) {
	if !conn.State().Paired() {
		h.met.Inc(metrics.ProtocolViolations)
		return nil, ErrCodeProtocolViolation, "relay requires a paired connection"
	}
	pair, ok := h.store.PairFor(conn.ID())
	if !ok {
		h.met.Inc(metrics.ProtocolViolations)
		return nil, ErrCodeProtocolViolation, "no stored pair for this device"
	}
	counterpart, ok := pair.Counterpart(conn.ID())
	if !ok || counterpart.UUID != pairedID {
		h.met.Inc(metrics.ProtocolViolations)
		return nil, ErrCodeProtocolViolation, "pairedId is not this device's counterpart"
	}
	target, online := h.reg.FindByIdentity(pairedID)
	if !online {
		h.met.Inc(metrics.RelayTargetOffline)
		h.log.Info("relay target offline", "handle", conn.Handle(), "target", pairedID)
		return nil, ErrCodeTargetOffline, "paired device is not connected"
	}
	return target, "", ""
}

func (h *Handler) deliver(from, to *registry.Connection, frame []byte) error {
	if err := to.Send(frame); err != nil {
		h.met.Inc(metrics.RelayTargetOffline)
		h.log.Warn("relay delivery failed", "from", from.Handle(), "to", to.Handle(), "err", err)
		return h.sendError(from, ErrCodeTargetOffline, "paired device is not reachable")
	}
	h.met.Inc(metrics.EnvelopesSent)
	h.met.Inc(metrics.RelayDelivered)
	return nil
}

// expireNegotiation runs from the negotiation's timer.
func (h *Handler) expireNegotiation(code string) {
	h.mu.Lock()
	neg, ok := h.negotiations[code]
	if ok {
		delete(h.negotiations, code)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.met.Inc(metrics.PairingsExpired)
	h.log.Info("pairing negotiation expired", "id", neg.initiator.ID(), "code", code)

	if neg.initiator.State() == registry.StateAwaitingCodeConfirmation {
		neg.initiator.SetState(registry.StateAwaitingCodeEntry)
		if err := h.sendError(neg.initiator, ErrCodePairingExpired, "pairing request expired"); err != nil {
			h.log.Warn("notifying initiator of expiry failed", "handle", neg.initiator.Handle(), "err", err)
		}
	}
	h.releaseAwaitingConfirmation()
}

// releaseAwaitingConfirmation moves headsets parked in the
// awaiting-code-confirmation state back to awaiting-code-entry once no
// negotiation remains that could use their confirmation.
func (h *Handler) releaseAwaitingConfirmation() {
	h.mu.Lock()
	pending := len(h.negotiations)
	h.mu.Unlock()
	if pending > 0 {
		return
	}
	for _, vr := range h.reg.VRConnections() {
		if vr.State() == registry.StateAwaitingCodeConfirmation {
			vr.SetState(registry.StateAwaitingCodeEntry)
		}
	}
}

// nudgePairMembers sends ice-credentials-request to every online member
// of the pair so a reconnecting device restarts session setup.
func (h *Handler) nudgePairMembers(pair pairstore.Pair) {
	frame, err := encodeICECredentialsRequest()
	if err != nil {
		h.log.Error("encoding ice-credentials-request failed", "err", err)
		return
	}
	for _, dev := range []pairstore.Device{pair.VRDevice, pair.DesktopDevice} {
		member, online := h.reg.FindByIdentity(dev.UUID)
		if !online {
			continue
		}
		if err := member.Send(frame); err != nil {
			h.log.Warn("nudging pair member failed", "handle", member.Handle(), "err", err)
			continue
		}
		h.met.Inc(metrics.EnvelopesSent)
	}
}

// availableDevices lists headsets a desktop could still pair with:
// open vr-role connections that are neither session-paired nor in the
// durable store.
func (h *Handler) availableDevices() []pairstore.Device {
	var out []pairstore.Device
	for _, dev := range h.reg.AvailableVRDevices() {
		if h.store.IsPaired(dev.UUID) {
			continue
		}
		out = append(out, dev)
	}
	return out
}

func (h *Handler) sendPairs(conn *registry.Connection) error {
	frame, err := encodePairs(h.store.Pairs())
	if err != nil {
		return err
	}
	return h.sendFrame(conn, frame)
}

func (h *Handler) sendDevices(conn *registry.Connection) error {
	frame, err := encodeDevices(h.availableDevices())
	if err != nil {
		return err
	}
	return h.sendFrame(conn, frame)
}

func (h *Handler) sendPaired(conn *registry.Connection, pair pairstore.Pair) error {
	frame, err := encodePaired(pair)
	if err != nil {
		return err
	}
	return h.sendFrame(conn, frame)
}

func (h *Handler) sendError(conn *registry.Connection, code ErrorCode, message string) error {
	frame, err := encodeError(code, message)
	if err != nil {
		return err
	}
	return h.sendFrame(conn, frame)
}

// sendFrame writes one marshalled envelope, propagating transport
// failures to the read loop.
func (h *Handler) sendFrame(conn *registry.Connection, frame []byte) error {
	if err := conn.Send(frame); err != nil {
		return err
	}
	h.met.Inc(metrics.EnvelopesSent)
	return nil
}
