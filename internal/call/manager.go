package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/notify"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/perm"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/rtc"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/storage"
)

var log = logging.Logger("call")

// DefaultRingTimeout is how long a ringing call waits before going missed.
const DefaultRingTimeout = 45 * time.Second

// Directory resolves the remote party of a chat. Calls only make sense on
// direct chats; anything else is a caller error.
type Directory interface {
	RemoteParty(chatID string) (userID, name string, err error)
}

// PeerDriver is the slice of the peer connection layer the call machine
// drives. Implemented by rtc.Manager; faked in tests.
type PeerDriver interface {
	GetLocalStream(mediaType string) error
	CreatePeerConnection(peerID, mediaType string) error
	CreateOffer(peerID string) error
	ClosePeerConnection(peerID, reason string)
	StopAllMediaStreams()
}

// Options wires a Manager.
type Options struct {
	Self        proto.Identity
	SelfName    string
	Router      *notify.Router
	Directory   Directory
	Peers       PeerDriver
	Perms       perm.Oracle
	DB          *storage.DB
	RingTimeout time.Duration
}

// Manager holds the single active-call slot and the call history.
type Manager struct {
	self        proto.Identity
	selfName    string
	router      *notify.Router
	dir         Directory
	peers       PeerDriver
	perms       perm.Oracle
	db          *storage.DB
	ringTimeout time.Duration

	mu        sync.Mutex
	active    *Call
	history   []Call
	ringTimer *time.Timer

	audioMuted    bool
	videoDisabled bool

	onIncoming []func(Call)
	onChange   []func(Call)

	cancel func()
	wg     sync.WaitGroup
}

// New builds the manager, restores call history and starts consuming call
// events from the router.
func New(opts Options) (*Manager, error) {
	if opts.Perms == nil {
		opts.Perms = perm.AllowAll{}
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	m := &Manager{
		self:        opts.Self,
		selfName:    opts.SelfName,
		router:      opts.Router,
		dir:         opts.Directory,
		peers:       opts.Peers,
		perms:       opts.Perms,
		db:          opts.DB,
		ringTimeout: opts.RingTimeout,
	}
	if err := m.restore(); err != nil {
		return nil, err
	}
	if m.router != nil {
		ch, cancel := m.router.Subscribe()
		m.cancel = cancel
		m.wg.Add(1)
		go m.dispatch(ch)
	}
	return m, nil
}

// Close stops the dispatch loop and ends any active call.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
	m.mu.Lock()
	c := m.active
	m.mu.Unlock()
	if c != nil && c.Status == StatusOngoing {
		if err := m.EndCall(c.ID); err != nil {
			log.Warnf("end call on close: %v", err)
		}
	}
}

// OnIncoming registers a callback fired when a call starts ringing locally.
func (m *Manager) OnIncoming(fn func(Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIncoming = append(m.onIncoming, fn)
}

// OnChange registers a callback fired on every call state transition.
func (m *Manager) OnChange(fn func(Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Active returns the call occupying the active slot, if any.
func (m *Manager) Active() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Call{}, false
	}
	return *m.active, true
}

// History returns past calls, oldest first.
func (m *Manager) History() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call{}, m.history...)
}

// InitiateCall rings the remote party of a direct chat. The new call takes
// the active slot; a second call while one is ringing or ongoing is refused.
func (m *Manager) InitiateCall(chatID, callType string) (*Call, error) {
	if !m.perms.HasPermission(perm.CapCallInitiate) {
		return nil, fmt.Errorf("initiate call: %w", perm.ErrDenied)
	}
	if callType != TypeAudio && callType != TypeVideo {
		return nil, fmt.Errorf("initiate call: unknown type %q: %w", callType, ErrStateConflict)
	}
	receiverID, _, err := m.dir.RemoteParty(chatID)
	if err != nil {
		return nil, fmt.Errorf("initiate call: %w", err)
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("call %s already active: %w", m.active.ID, ErrStateConflict)
	}
	c := &Call{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		CallerID:   m.self.UserID,
		CallerName: m.selfName,
		ReceiverID: receiverID,
		Type:       callType,
		Status:     StatusRinging,
		StartTime:  time.Now(),
	}
	m.active = c
	m.armRingTimerLocked(c.ID)
	snapshot := *c
	m.mu.Unlock()

	log.Infof("calling %s (%s call %s)", receiverID, callType, c.ID)
	if m.router != nil {
		if err := m.router.CallInitiated(callEvent(&snapshot)); err != nil {
			log.Warnf("announce call %s: %v", c.ID, err)
		}
	}
	m.notifyChange(snapshot)
	return &snapshot, nil
}

// AnswerCall picks up a ringing call addressed to the local client, moving it
// to ongoing and starting media setup. The caller produces the offer once it
// learns the call was answered.
func (m *Manager) AnswerCall(callID string) error {
	m.mu.Lock()
	c := m.active
	if c == nil || c.ID != callID {
		m.mu.Unlock()
		return fmt.Errorf("answer call %q: %w", callID, ErrNotFound)
	}
	if c.Status != StatusRinging {
		m.mu.Unlock()
		return fmt.Errorf("answer call in state %s: %w", c.Status, ErrStateConflict)
	}
	if c.ReceiverID != m.self.UserID {
		m.mu.Unlock()
		return fmt.Errorf("answer call not addressed to us: %w", ErrStateConflict)
	}
	c.Status = StatusOngoing
	m.stopRingTimerLocked()
	snapshot := *c
	m.mu.Unlock()

	log.Infof("answered call %s from %s", callID, snapshot.CallerID)
	if m.router != nil {
		if err := m.router.CallAnswered(snapshot.CallerID, callEvent(&snapshot)); err != nil {
			log.Warnf("announce answer for %s: %v", callID, err)
		}
	}
	m.notifyChange(snapshot)
	m.startMedia(snapshot, false)
	return nil
}

// RejectCall declines a ringing call.
func (m *Manager) RejectCall(callID string) error {
	snapshot, err := m.finish(callID, StatusRinging, StatusRejected, "")
	if err != nil {
		return fmt.Errorf("reject call: %w", err)
	}
	if m.router != nil {
		if err := m.router.CallRejected(snapshot.CallerID, callEvent(&snapshot)); err != nil {
			log.Warnf("announce reject for %s: %v", callID, err)
		}
	}
	return nil
}

// EndCall hangs up an ongoing call, computing its duration and releasing the
// peer connection and capture devices.
func (m *Manager) EndCall(callID string) error {
	snapshot, err := m.finish(callID, StatusOngoing, StatusEnded, "")
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	remote := snapshot.remoteOf(m.self.UserID)
	if m.router != nil {
		if err := m.router.CallEnded(remote, callEvent(&snapshot)); err != nil {
			log.Warnf("announce end for %s: %v", callID, err)
		}
	}
	if m.peers != nil {
		m.peers.ClosePeerConnection(remote, proto.HangupUserEnded)
		m.peers.StopAllMediaStreams()
	}
	log.Infof("call %s ended after %ds", callID, snapshot.Duration)
	return nil
}

// ToggleAudio flips the local mute state. Returns true when muted.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	m.audioMuted = !m.audioMuted
	muted := m.audioMuted
	m.mu.Unlock()
	log.Infof("audio muted=%v", muted)
	return muted
}

// ToggleVideo flips the local video state. Returns true when disabled.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	m.videoDisabled = !m.videoDisabled
	disabled := m.videoDisabled
	m.mu.Unlock()
	log.Infof("video disabled=%v", disabled)
	return disabled
}

// finish moves the active call from the required state into a terminal one,
// records end time and duration, and clears the slot.
func (m *Manager) finish(callID string, from Status, to Status, reason string) (Call, error) {
	m.mu.Lock()
	c := m.active
	if c == nil || c.ID != callID {
		m.mu.Unlock()
		return Call{}, fmt.Errorf("call %q: %w", callID, ErrNotFound)
	}
	if c.Status != from {
		m.mu.Unlock()
		return Call{}, fmt.Errorf("call %s is %s, want %s: %w", callID, c.Status, from, ErrStateConflict)
	}
	now := time.Now()
	c.Status = to
	c.EndTime = &now
	c.Reason = reason
	if to == StatusEnded {
		c.Duration = int(now.Sub(c.StartTime) / time.Second)
	}
	m.stopRingTimerLocked()
	m.history = append(m.history, *c)
	m.active = nil
	snapshot := *c
	m.persistLocked()
	m.mu.Unlock()

	m.notifyChange(snapshot)
	return snapshot, nil
}

// startMedia acquires capture, builds the peer connection and, on the
// initiating side, produces the offer. Media failure is fatal to the call,
// not to the process.
func (m *Manager) startMedia(c Call, initiator bool) {
	if m.peers == nil {
		return
	}
	remote := c.remoteOf(m.self.UserID)
	if err := m.peers.GetLocalStream(c.Type); err != nil {
		log.Errorf("media acquisition failed for call %s: %v", c.ID, err)
		m.abortOngoing(c.ID, remote, ReasonMedia)
		return
	}
	if err := m.peers.CreatePeerConnection(remote, c.Type); err != nil {
		log.Errorf("peer connection for call %s: %v", c.ID, err)
		m.abortOngoing(c.ID, remote, ReasonMedia)
		return
	}
	if initiator {
		if err := m.peers.CreateOffer(remote); err != nil {
			log.Errorf("offer for call %s: %v", c.ID, err)
			m.abortOngoing(c.ID, remote, ReasonMedia)
		}
	}
}

// abortOngoing terminates an ongoing call that cannot proceed.
func (m *Manager) abortOngoing(callID, remote, reason string) {
	snapshot, err := m.finish(callID, StatusOngoing, StatusEnded, reason)
	if err != nil {
		return // already moved on
	}
	if m.router != nil {
		ev := callEvent(&snapshot)
		ev.Reason = reason
		if err := m.router.CallEnded(remote, ev); err != nil {
			log.Warnf("announce abort for %s: %v", callID, err)
		}
	}
	if m.peers != nil {
		m.peers.StopAllMediaStreams()
	}
}

// armRingTimerLocked moves a still-ringing call to missed after the timeout.
func (m *Manager) armRingTimerLocked(callID string) {
	m.stopRingTimerLocked()
	m.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		snapshot, err := m.finish(callID, StatusRinging, StatusMissed, ReasonTimeout)
		if err != nil {
			return
		}
		log.Infof("call %s missed (ring timeout)", callID)
		remote := snapshot.remoteOf(m.self.UserID)
		if m.router != nil {
			ev := callEvent(&snapshot)
			ev.Reason = ReasonTimeout
			if err := m.router.CallEnded(remote, ev); err != nil {
				log.Warnf("announce timeout for %s: %v", callID, err)
			}
		}
	})
}

func (m *Manager) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// dispatch reacts to remote call lifecycle events.
func (m *Manager) dispatch(ch <-chan proto.Envelope) {
	defer m.wg.Done()
	for env := range ch {
		if env.Details.Call == nil {
			continue
		}
		ev := *env.Details.Call
		switch env.Type {
		case proto.NotifCall:
			m.handleIncoming(ev)
		case proto.NotifCallAnswer:
			m.handleAnswered(ev)
		case proto.NotifCallReject:
			m.handleRejected(ev)
		case proto.NotifCallEnd:
			m.handleEnded(ev)
		}
	}
}

// handleIncoming rings locally, or rejects with busy when the active slot is
// already occupied. A busy reject changes no local state.
func (m *Manager) handleIncoming(ev proto.CallEvent) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		log.Infof("busy, rejecting incoming call %s from %s", ev.CallID, ev.CallerID)
		if m.router != nil {
			ev.Reason = ReasonBusy
			if err := m.router.CallRejected(ev.CallerID, ev); err != nil {
				log.Warnf("announce busy reject for %s: %v", ev.CallID, err)
			}
		}
		return
	}
	c := &Call{
		ID:         ev.CallID,
		ChatID:     ev.ChatID,
		CallerID:   ev.CallerID,
		CallerName: ev.CallerName,
		ReceiverID: m.self.UserID,
		Type:       ev.CallType,
		Status:     StatusRinging,
		StartTime:  time.Now(),
	}
	m.active = c
	m.armRingTimerLocked(c.ID)
	snapshot := *c
	callbacks := append([]func(Call){}, m.onIncoming...)
	m.mu.Unlock()

	log.Infof("incoming %s call %s from %s", ev.CallType, ev.CallID, ev.CallerID)
	for _, fn := range callbacks {
		fn(snapshot)
	}
	m.notifyChange(snapshot)
}

// handleAnswered runs on the caller when the receiver picks up: the call goes
// ongoing and this side, as initiator, starts negotiation.
func (m *Manager) handleAnswered(ev proto.CallEvent) {
	m.mu.Lock()
	c := m.active
	if c == nil || c.ID != ev.CallID || c.Status != StatusRinging {
		m.mu.Unlock()
		log.Warnf("answer for unknown or non-ringing call %s, dropped", ev.CallID)
		return
	}
	c.Status = StatusOngoing
	m.stopRingTimerLocked()
	snapshot := *c
	m.mu.Unlock()

	log.Infof("call %s answered", ev.CallID)
	m.notifyChange(snapshot)
	m.startMedia(snapshot, true)
}

func (m *Manager) handleRejected(ev proto.CallEvent) {
	if _, err := m.finish(ev.CallID, StatusRinging, StatusRejected, ev.Reason); err != nil {
		log.Warnf("reject for call %s dropped: %v", ev.CallID, err)
		return
	}
	if ev.Reason == ReasonBusy {
		log.Infof("call %s rejected: receiver busy", ev.CallID)
	} else {
		log.Infof("call %s rejected", ev.CallID)
	}
}

func (m *Manager) handleEnded(ev proto.CallEvent) {
	snapshot, err := m.finish(ev.CallID, StatusOngoing, StatusEnded, ev.Reason)
	if err != nil {
		log.Warnf("end for call %s dropped: %v", ev.CallID, err)
		return
	}
	remote := snapshot.remoteOf(m.self.UserID)
	if m.peers != nil {
		m.peers.ClosePeerConnection(remote, proto.HangupUserEnded)
		m.peers.StopAllMediaStreams()
	}
	log.Infof("call %s ended by remote after %ds", ev.CallID, snapshot.Duration)
}

func (m *Manager) notifyChange(c Call) {
	m.mu.Lock()
	callbacks := append([]func(Call){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(c)
	}
}

// remoteOf returns the other party of the call.
func (c *Call) remoteOf(selfID string) string {
	if c.CallerID == selfID {
		return c.ReceiverID
	}
	return c.CallerID
}

func callEvent(c *Call) proto.CallEvent {
	return proto.CallEvent{
		CallID:     c.ID,
		ChatID:     c.ChatID,
		CallerID:   c.CallerID,
		CallerName: c.CallerName,
		ReceiverID: c.ReceiverID,
		CallType:   c.Type,
		Reason:     c.Reason,
	}
}

func (m *Manager) persistLocked() {
	if m.db == nil {
		return
	}
	raw, err := json.Marshal(m.history)
	if err != nil {
		log.Errorf("marshal call history: %v", err)
		return
	}
	if err := m.db.Put(storage.KeyCalls, raw); err != nil {
		log.Errorf("persist call history: %v", err)
	}
}

func (m *Manager) restore() error {
	if m.db == nil {
		return nil
	}
	raw, err := m.db.Get(storage.KeyCalls)
	if err != nil {
		return fmt.Errorf("restore call history: %w", err)
	}
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, &m.history); err != nil {
		return fmt.Errorf("restore call history: %w", err)
	}
	return nil
}

// Ensure rtc.Manager satisfies the driver contract.
var _ PeerDriver = (*rtc.Manager)(nil)
