// shard.go manages one gateway connection end to end.
//
// Lifecycle: dial → HELLO → IDENTIFY or RESUME → heartbeat → dispatch →
// close → reconnect. The shard owns a send scheduler (token-bucket paced,
// two priority classes), a persistent zlib-stream inflator, and the timers
// that police the handshake: hello timeout, jittered heartbeats with zombie
// detection, the READY guild-wait window, and the close watchdog that
// synthesizes a close event when the server never sends one.
//
// All shard state is guarded by mu. The socket write handle is additionally
// kept in an atomic pointer so the scheduler's dispatch callback can write
// without touching mu. Each dialed connection gets a generation number;
// timer callbacks and the read loop carry it and go inert when it goes
// stale, so a reconnect never races its predecessor's teardown.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"discord-session/internal/events"
	"discord-session/pkg/types"
)

const (
	helloTimeout     = 20 * time.Second
	writeTimeout     = 10 * time.Second
	maxOutboundFrame = 15 * 1024
	maxReconnectWait = 30 * time.Second
)

// ErrDestroyed is returned from Connect when the shard is torn down for good.
var ErrDestroyed = errors.New("shard destroyed")

// SchedulerConfig tunes the outbound send scheduler.
type SchedulerConfig struct {
	Capacity       int
	Window         time.Duration
	ImportantBurst int
}

// Properties describe the client build; they are sent in IDENTIFY and echoed
// by the REST super-properties header.
type Properties struct {
	OS      string
	Browser string
	Device  string
}

// Config is everything a shard needs to run. The client layer builds it from
// the loaded configuration.
type Config struct {
	Token      string
	GatewayURL string // base wss:// URL without query parameters
	Version    int
	Encoding   string // only "json" is supported
	Compress   bool   // negotiate zlib-stream transport compression
	Properties Properties
	Intents    *int64
	Presence   any

	UseQosHeartbeat  bool
	WaitGuildTimeout time.Duration
	CloseTimeout     time.Duration
	Scheduler        SchedulerConfig
}

// Shard is one gateway connection. Create with NewShard, start with Connect;
// after that the shard reconnects itself until Destroy is called.
type Shard struct {
	id     int
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	scheduler       *Scheduler
	identifyLimiter *rate.Limiter
	connPtr         atomic.Pointer[websocket.Conn]

	mu             sync.Mutex
	gen            int
	status         types.ConnectionStatus
	sequence       int64 // -1 until the first dispatch
	closeSequence  int64
	sessionID      string
	resumeURL      string
	expectedGuilds map[string]struct{}
	connectedAt    time.Time

	lastHeartbeatAcked bool
	lastPingSentAt     time.Time
	ping               time.Duration
	heartbeatInterval  time.Duration

	helloT     *time.Timer
	heartbeatT *time.Timer
	readyT     *time.Timer
	watchdogT  *time.Timer

	connectCh      chan error
	reconnectDelay time.Duration
	everConnected  bool
	destroyed      bool
}

// NewShard creates a shard. It does not connect.
func NewShard(id int, cfg Config, bus *events.Bus, logger *slog.Logger) *Shard {
	s := &Shard{
		id:            id,
		cfg:           cfg,
		bus:           bus,
		logger:        logger.With("component", "shard", "shard_id", id),
		sequence:      -1,
		closeSequence: -1,
		status:        types.StatusIdle,
		// One identify per five seconds, the gateway's session-start pace.
		identifyLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	s.scheduler = NewScheduler(cfg.Scheduler.Capacity, cfg.Scheduler.Window, cfg.Scheduler.ImportantBurst, s.writeRaw)
	return s
}

// ID returns the shard's identity.
func (s *Shard) ID() int { return s.id }

// Status returns the current connection status.
func (s *Shard) Status() types.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Ping returns the latency measured on the last heartbeat ack.
func (s *Shard) Ping() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ping
}

// Sequence returns the last dispatch sequence seen, -1 when none.
func (s *Shard) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// Connect opens the gateway connection and blocks until the session reaches
// READY or RESUMED, the handshake fails, or ctx is cancelled. After a
// successful Connect the shard keeps itself connected until Destroy.
func (s *Shard) Connect(ctx context.Context) error {
	ch := make(chan error, 1)
	if err := s.open(ctx, ch); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues an application frame. Important frames jump the normal queue.
func (s *Shard) Send(op Opcode, d any, important bool) error {
	return s.sendFrame(op, d, important)
}

// UpdatePresence queues an op 3 presence update on the important path.
func (s *Shard) UpdatePresence(d any) error {
	return s.sendFrame(OpPresenceUpdate, d, true)
}

// UpdateVoiceState queues an op 4 voice-state update on the important path.
func (s *Shard) UpdateVoiceState(d any) error {
	return s.sendFrame(OpVoiceStateUpdate, d, true)
}

// Destroy permanently tears the shard down. No reconnect follows.
func (s *Shard) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	gen := s.gen
	s.mu.Unlock()

	s.closeConnection(gen, CloseNormal)
	s.bus.Emit(types.EventDestroyed, s.id, nil)
	s.resolveConnect(ErrDestroyed)
}

// ————————————————————————————————————————————————————————————————————————
// Connecting
// ————————————————————————————————————————————————————————————————————————

func (s *Shard) open(ctx context.Context, ch chan error) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.everConnected {
		s.status = types.StatusReconnecting
	} else {
		s.status = types.StatusConnecting
	}
	if ch != nil {
		s.connectCh = ch
	}
	willIdentify := s.sessionID == ""
	target := s.resumeURL
	s.mu.Unlock()

	if willIdentify {
		if err := s.identifyLimiter.Wait(ctx); err != nil {
			return err
		}
		target = ""
	}
	if target == "" {
		target = s.cfg.GatewayURL
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.gatewayAddr(target), nil)
	if err != nil {
		s.mu.Lock()
		s.status = types.StatusDisconnected
		s.mu.Unlock()
		return fmt.Errorf("dial gateway: %w", err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.connPtr.Store(conn)
	s.status = types.StatusNearly
	s.connectedAt = time.Now()
	s.everConnected = true
	s.lastHeartbeatAcked = true
	s.helloT = time.AfterFunc(helloTimeout, func() { s.onHelloTimeout(gen) })
	s.mu.Unlock()

	s.logger.Info("gateway connected", "url", target)
	go s.readLoop(conn, gen)
	return nil
}

// gatewayAddr appends the protocol query parameters to the socket URL.
func (s *Shard) gatewayAddr(base string) string {
	q := url.Values{}
	q.Set("v", fmt.Sprint(s.cfg.Version))
	q.Set("encoding", s.cfg.Encoding)
	if s.cfg.Compress {
		q.Set("compress", "zlib-stream")
	}
	sep := "?"
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + sep + q.Encode()
}

func (s *Shard) reconnectLoop() {
	s.mu.Lock()
	delay := s.reconnectDelay
	s.reconnectDelay = 0
	s.mu.Unlock()

	backoff := time.Second
	for {
		if delay > 0 {
			time.Sleep(delay)
			delay = 0
		}
		s.mu.Lock()
		dead := s.destroyed
		s.mu.Unlock()
		if dead {
			return
		}
		err := s.open(context.Background(), nil)
		if err == nil {
			return
		}
		if errors.Is(err, ErrDestroyed) {
			return
		}
		s.emitError(fmt.Errorf("reconnect: %w", err))
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Reading
// ————————————————————————————————————————————————————————————————————————

func (s *Shard) readLoop(conn *websocket.Conn, gen int) {
	inflator := &Inflator{}
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			evt := types.CloseEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				evt = types.CloseEvent{Code: ce.Code, Reason: ce.Text, WasClean: true}
			}
			s.handleClose(gen, evt)
			return
		}

		payload := data
		if msgType == websocket.BinaryMessage && s.cfg.Compress {
			payload, err = inflator.Push(data)
			if err != nil {
				s.emitError(err)
				continue
			}
			if payload == nil {
				continue // partial fragment, keep buffering
			}
		}
		s.handleFrame(gen, payload)
	}
}

func (s *Shard) handleFrame(gen int, payload []byte) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		s.emitError(fmt.Errorf("decode frame: %w", err))
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if frame.Op == OpDispatch && frame.S > s.sequence {
		s.sequence = frame.S
	}
	s.mu.Unlock()

	if s.bus.HasSubscribers(types.EventRaw) {
		s.bus.Emit(types.EventRaw, s.id, frame)
	}

	switch frame.Op {
	case OpDispatch:
		s.handleDispatch(gen, frame)
	case OpHeartbeat:
		// The server may request an immediate beat.
		s.sendHeartbeat(gen, true)
	case OpReconnect:
		s.debugf("server requested reconnect")
		s.closeConnection(gen, CloseReconnect)
	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(frame.D, &resumable)
		s.handleInvalidSession(gen, resumable)
	case OpHello:
		var hello helloPayload
		if err := json.Unmarshal(frame.D, &hello); err != nil {
			s.emitError(fmt.Errorf("decode hello: %w", err))
			return
		}
		s.handleHello(gen, time.Duration(hello.HeartbeatInterval)*time.Millisecond)
	case OpHeartbeatAck:
		s.handleHeartbeatAck(gen)
	default:
		s.debugf("unhandled opcode %d", frame.Op)
	}
}

func (s *Shard) handleDispatch(gen int, frame Frame) {
	switch frame.T {
	case "READY":
		var ready readyPayload
		if err := json.Unmarshal(frame.D, &ready); err != nil {
			s.emitError(fmt.Errorf("decode ready: %w", err))
			return
		}
		s.handleReady(gen, ready)
	case "RESUMED":
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.status = types.StatusReady
		s.mu.Unlock()
		s.logger.Info("session resumed", "seq", s.Sequence())
		s.bus.Emit(types.EventResumed, s.id, nil)
		s.resolveConnect(nil)
	case "GUILD_CREATE":
		var guild guildCreatePayload
		if err := json.Unmarshal(frame.D, &guild); err != nil {
			return
		}
		s.handleGuildCreate(gen, guild.ID)
	}
}

func (s *Shard) handleReady(gen int, ready readyPayload) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.sessionID = ready.SessionID
	if ready.ResumeGatewayURL != "" {
		s.resumeURL = ready.ResumeGatewayURL
	}
	s.expectedGuilds = make(map[string]struct{}, len(ready.Guilds))
	guildIDs := make([]string, 0, len(ready.Guilds))
	for _, g := range ready.Guilds {
		s.expectedGuilds[g.ID] = struct{}{}
		guildIDs = append(guildIDs, g.ID)
	}
	s.status = types.StatusWaitingForGuilds

	wait := s.cfg.WaitGuildTimeout
	if s.cfg.Intents != nil && *s.cfg.Intents&1 == 0 {
		wait = 0 // no GUILDS intent, nothing will stream in
	}
	if len(s.expectedGuilds) > 0 && wait > 0 {
		s.readyT = time.AfterFunc(wait, func() { s.onReadyTimeout(gen) })
	}
	promote := len(s.expectedGuilds) == 0 || wait == 0
	s.mu.Unlock()

	s.logger.Info("session started", "session_id", ready.SessionID, "guilds", len(guildIDs))
	s.bus.Emit(types.EventReady, s.id, nil)
	s.resolveConnect(nil)

	frames, err := buildSubscriptionFrames(guildIDs)
	if err != nil {
		s.emitError(fmt.Errorf("plan subscriptions: %w", err))
	} else {
		for _, f := range frames {
			s.enqueueEncoded(f, false)
		}
	}

	if promote {
		s.promoteReady(gen)
	}
}

func (s *Shard) handleGuildCreate(gen int, id string) {
	s.mu.Lock()
	if gen != s.gen || s.status != types.StatusWaitingForGuilds {
		s.mu.Unlock()
		return
	}
	delete(s.expectedGuilds, id)
	done := len(s.expectedGuilds) == 0
	s.mu.Unlock()
	if done {
		s.promoteReady(gen)
	}
}

// promoteReady moves the shard to Ready and reports any guilds that never
// arrived.
func (s *Shard) promoteReady(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.status == types.StatusReady {
		s.mu.Unlock()
		return
	}
	if s.readyT != nil {
		s.readyT.Stop()
		s.readyT = nil
	}
	s.status = types.StatusReady
	var leftover []string
	for id := range s.expectedGuilds {
		leftover = append(leftover, id)
	}
	s.mu.Unlock()

	if len(leftover) > 0 {
		s.logger.Warn("promoting to ready with unavailable guilds", "count", len(leftover))
	}
	s.bus.Emit(types.EventAllReady, s.id, leftover)
}

func (s *Shard) onReadyTimeout(gen int) {
	s.promoteReady(gen)
}

// ————————————————————————————————————————————————————————————————————————
// Handshake
// ————————————————————————————————————————————————————————————————————————

func (s *Shard) handleHello(gen int, interval time.Duration) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.helloT != nil {
		s.helloT.Stop()
		s.helloT = nil
	}
	s.heartbeatInterval = interval
	// First heartbeat fires after a uniform jitter so a fleet of shards does
	// not beat in lockstep.
	jitter := time.Duration(rand.Float64() * float64(interval))
	s.heartbeatT = time.AfterFunc(jitter, func() { s.onHeartbeatTimer(gen) })

	resume := s.sessionID != "" && (s.sequence >= 0 || s.closeSequence >= 0)
	if resume {
		s.status = types.StatusResuming
	} else {
		s.status = types.StatusIdentifying
	}
	s.mu.Unlock()

	s.debugf("hello received, heartbeat interval %s", interval)
	if resume {
		s.sendResume()
	} else {
		s.sendIdentify()
	}
}

func (s *Shard) sendIdentify() {
	payload := identifyPayload{
		Token: s.cfg.Token,
		Properties: identifyProperties{
			OS:      s.cfg.Properties.OS,
			Browser: s.cfg.Properties.Browser,
			Device:  s.cfg.Properties.Device,
		},
		Intents:  s.cfg.Intents,
		Presence: s.cfg.Presence,
	}
	if err := s.sendFrame(OpIdentify, payload, true); err != nil {
		s.emitError(fmt.Errorf("identify: %w", err))
	}
}

func (s *Shard) sendResume() {
	s.mu.Lock()
	seq := s.sequence
	if seq < 0 {
		seq = s.closeSequence
	}
	payload := resumePayload{Token: s.cfg.Token, SessionID: s.sessionID, Seq: seq}
	s.mu.Unlock()
	if err := s.sendFrame(OpResume, payload, true); err != nil {
		s.emitError(fmt.Errorf("resume: %w", err))
	}
}

func (s *Shard) handleInvalidSession(gen int, resumable bool) {
	s.bus.Emit(types.EventInvalidSession, s.id, resumable)
	if resumable {
		s.logger.Warn("invalid session, resumable — retrying the handshake on this connection")
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.status = types.StatusIdentifying
		resume := s.sessionID != ""
		s.mu.Unlock()
		if resume {
			s.sendResume()
		} else {
			s.sendIdentify()
		}
		return
	}

	s.logger.Warn("invalid session, not resumable — starting over")
	s.resolveConnect(errors.New("invalid session"))
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.sessionID = ""
	s.resumeURL = ""
	s.sequence = -1
	s.closeSequence = -1
	// The server wants a cooldown before a fresh identify.
	s.reconnectDelay = time.Duration(1000+rand.IntN(4000)) * time.Millisecond
	s.mu.Unlock()
	s.closeConnection(gen, CloseNormal)
}

// ————————————————————————————————————————————————————————————————————————
// Heartbeats
// ————————————————————————————————————————————————————————————————————————

func (s *Shard) onHeartbeatTimer(gen int) {
	s.sendHeartbeat(gen, false)
}

// sendHeartbeat dispatches a heartbeat. When forced is false and the
// previous beat was never acked, the connection is declared a zombie and
// torn down with close code 4009 instead.
func (s *Shard) sendHeartbeat(gen int, forced bool) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	switch s.status {
	case types.StatusIdentifying, types.StatusResuming, types.StatusWaitingForGuilds:
		// Handshake states always beat; the ack may be parked behind READY.
		forced = true
	}
	if !s.lastHeartbeatAcked && !forced {
		s.mu.Unlock()
		s.logger.Warn("heartbeat ack missing, zombie connection")
		s.teardownZombie(gen)
		return
	}
	seq := s.sequence
	if seq < 0 {
		seq = s.closeSequence
	}
	s.lastHeartbeatAcked = false
	s.lastPingSentAt = time.Now()
	interval := s.heartbeatInterval
	if s.heartbeatT != nil {
		s.heartbeatT.Stop()
	}
	s.heartbeatT = time.AfterFunc(interval, func() { s.onHeartbeatTimer(gen) })
	s.mu.Unlock()

	var err error
	if s.cfg.UseQosHeartbeat {
		beat := qosHeartbeat{Seq: seq}
		beat.Qos.Ver = 1
		beat.Qos.Active = true
		beat.Qos.Reasons = []string{}
		err = s.sendFrame(OpQosHeartbeat, beat, true)
	} else {
		err = s.sendFrame(OpHeartbeat, seq, true)
	}
	if err != nil {
		s.emitError(fmt.Errorf("heartbeat: %w", err))
	}
}

func (s *Shard) handleHeartbeatAck(gen int) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.lastHeartbeatAcked = true
	s.ping = time.Since(s.lastPingSentAt)
	ping := s.ping
	s.mu.Unlock()
	s.debugf("heartbeat acked, ping %s", ping)
}

// teardownZombie closes a connection that stopped acking heartbeats. The
// session is kept so the next connection resumes.
func (s *Shard) teardownZombie(gen int) {
	s.handleClose(gen, types.CloseEvent{Code: CloseSessionTimedOut, Reason: "heartbeat ack timeout"})
}

func (s *Shard) onHelloTimeout(gen int) {
	s.logger.Warn("hello timeout, destroying connection")
	s.handleClose(gen, types.CloseEvent{Code: CloseSessionTimedOut, Reason: "hello timeout"})
}

// ————————————————————————————————————————————————————————————————————————
// Closing
// ————————————————————————————————————————————————————————————————————————

// closeConnection sends a close frame and arms the watchdog that synthesizes
// a close event if the server never completes the closing handshake.
func (s *Shard) closeConnection(gen int, code int) {
	conn := s.connPtr.Load()
	if conn == nil {
		s.handleClose(gen, types.CloseEvent{Code: code, Reason: "no connection"})
		return
	}
	deadline := time.Now().Add(writeTimeout)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline); err != nil {
		conn.Close()
		s.handleClose(gen, types.CloseEvent{Code: code, Reason: "close write failed"})
		return
	}

	closeWait := s.cfg.CloseTimeout
	if closeWait <= 0 {
		closeWait = 5 * time.Second
	}
	s.mu.Lock()
	if gen == s.gen {
		s.watchdogT = time.AfterFunc(closeWait, func() {
			s.handleClose(gen, types.CloseEvent{Code: CloseSessionTimedOut, Reason: "close timed out"})
		})
	}
	s.mu.Unlock()
}

// handleClose is the single funnel for connection teardown: real closes from
// the read loop, zombie teardown, hello timeout, and the close watchdog all
// land here. The first caller for a generation wins.
func (s *Shard) handleClose(gen int, evt types.CloseEvent) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++ // everything scoped to the old connection is now inert
	s.cancelTimersLocked()
	if s.sequence >= 0 {
		s.closeSequence = s.sequence
	}
	if conn := s.connPtr.Swap(nil); conn != nil {
		conn.Close()
	}
	s.status = types.StatusDisconnected
	destroyed := s.destroyed
	s.mu.Unlock()

	s.scheduler.Clear()
	s.logger.Warn("gateway closed", "code", evt.Code, "reason", evt.Reason, "clean", evt.WasClean)
	s.bus.Emit(types.EventClose, s.id, evt)
	s.resolveConnect(fmt.Errorf("gateway closed: %d %s", evt.Code, evt.Reason))

	if !destroyed {
		go s.reconnectLoop()
	}
}

func (s *Shard) cancelTimersLocked() {
	for _, t := range []**time.Timer{&s.helloT, &s.heartbeatT, &s.readyT, &s.watchdogT} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Sending
// ————————————————————————————————————————————————————————————————————————

func (s *Shard) sendFrame(op Opcode, d any, important bool) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	data, err := json.Marshal(Frame{Op: op, D: raw})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return s.enqueueEncoded(data, important)
}

func (s *Shard) enqueueEncoded(data []byte, important bool) error {
	if len(data) > maxOutboundFrame {
		err := fmt.Errorf("frame of %d bytes exceeds the %d byte limit", len(data), maxOutboundFrame)
		s.emitError(err)
		return err
	}
	s.scheduler.Enqueue(data, important)
	return nil
}

// writeRaw is the scheduler's dispatch callback. The scheduler serializes
// calls, satisfying the websocket single-writer requirement.
func (s *Shard) writeRaw(data []byte) {
	conn := s.connPtr.Load()
	if conn == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.emitError(fmt.Errorf("write frame: %w", err))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Plumbing
// ————————————————————————————————————————————————————————————————————————

func (s *Shard) resolveConnect(err error) {
	s.mu.Lock()
	ch := s.connectCh
	s.connectCh = nil
	s.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (s *Shard) emitError(err error) {
	s.logger.Error("shard error", "error", err)
	s.bus.Emit(types.EventShardError, s.id, types.ShardError{Err: err, ShardID: s.id})
}

func (s *Shard) debugf(format string, args ...any) {
	s.logger.Debug(fmt.Sprintf(format, args...))
	if s.bus.HasSubscribers(types.EventDebug) {
		s.bus.Emit(types.EventDebug, s.id, fmt.Sprintf(format, args...))
	}
}
