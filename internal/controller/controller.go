// Package controller implements the §4.3 Controller: the top-level
// coordinator holding R2 sessions, HA connection state, and the setup state
// machine. It is single-threaded cooperative — every handler runs to
// suspension-free completion on the Controller's own goroutine, and long
// waits (reconnect backoff, setup timers, HA Client dial/call_service
// round-trips) are expressed as self-notifications or scheduled timers,
// never a blocking read inside the mailbox loop. Grounded on controller.rs's
// Actix actor/ctx.notify(_later) shape, translated into a buffered
// self-channel and time.AfterFunc.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/tillwagner/r2ha-bridge/internal/bridgeerr"
	"github.com/tillwagner/r2ha-bridge/internal/config"
	"github.com/tillwagner/r2ha-bridge/internal/haclient"
	"github.com/tillwagner/r2ha-bridge/internal/model"
	"github.com/tillwagner/r2ha-bridge/internal/r2proto"
	"github.com/tillwagner/r2ha-bridge/internal/r2server"
	"github.com/tillwagner/r2ha-bridge/internal/settingsstore"
	"github.com/tillwagner/r2ha-bridge/internal/setupfsm"
	"github.com/tillwagner/r2ha-bridge/internal/translate"
)

const (
	otelScope = "r2ha-bridge/controller"

	metricSessions          = "r2ha_bridge.sessions.registered"
	metricEntityFanout      = "r2ha_bridge.entity_events.fanned_out"
	metricReconnectAttempts = "r2ha_bridge.reconnect.attempts"
	metricSetupCompletions  = "r2ha_bridge.setup.completions"

	apiVersion         = "0.4.0"
	integrationVersion = "0.1.0"

	ackDelay     = 100 * time.Millisecond
	setupTimeout = 5 * time.Minute
)

// Session mirrors §3's R2Session record. Only the Controller goroutine ever
// reads or mutates it.
type Session struct {
	wsID               string
	out                r2server.Sink
	standby            bool
	subscribedEntities map[string]struct{}
	haConnect          bool

	pendingAvailableEntitiesID *uint32
	pendingEntityStatesID      *uint32
}

// Controller is the session-multiplexing coordinator, §2 component 4.
type Controller struct {
	logger *slog.Logger
	dialer *websocket.Dialer

	mailbox chan any
	nextID  int

	sessions map[string]*Session

	deviceState model.DeviceState

	settings config.HASettings
	store    *settingsstore.Store

	haClient          *haclient.Client
	reconnectDuration time.Duration
	reconnectAttempt  int

	setup          *setupfsm.Machine
	setupOwnerWsID string
	setupTimer     *time.Timer

	tracer           trace.Tracer
	cntSessions      metric.Int64Counter
	cntEntityFanout  metric.Int64Counter
	cntReconnects    metric.Int64Counter
	cntSetupComplete metric.Int64Counter
}

// New constructs a Controller with the given initial HA settings (as
// collected by a prior setup flow, or [config.DefaultHASettings] on first
// run).
func New(settings config.HASettings, store *settingsstore.Store, dialer *websocket.Dialer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Controller{
		logger:   logger,
		dialer:   dialer,
		mailbox:  make(chan any, 256),
		sessions: make(map[string]*Session),

		deviceState: model.DeviceDisconnected,

		settings: settings,
		store:    store,

		reconnectDuration: settings.Reconnect.Duration,

		setup: setupfsm.New(),

		tracer:           tracer,
		cntSessions:      mustCounter(metricSessions, "R2 sessions registered"),
		cntEntityFanout:  mustCounter(metricEntityFanout, "Entity-change events fanned out to R2 sessions"),
		cntReconnects:    mustCounter(metricReconnectAttempts, "HA reconnect attempts"),
		cntSetupComplete: mustCounter(metricSetupCompletions, "Setup flow completions"),
	}
}

// Run processes the mailbox until ctx is cancelled, then closes the HA
// Client (if any) and returns.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if c.haClient != nil {
				c.haClient.Close()
			}
			if c.setupTimer != nil {
				c.setupTimer.Stop()
			}
			return
		case msg := <-c.mailbox:
			c.handle(ctx, msg)
		}
	}
}

// post is passed to haclient.Dial as its notification callback.
func (c *Controller) post(msg any) {
	c.selfNotify(msg)
}

// selfNotify enqueues msg without blocking the caller, mirroring
// ctx.notify/ctx.notify_later. The mailbox is large enough that this should
// never need the fallback goroutine in practice, but the fallback exists so
// a burst never deadlocks a producer (an HA Client reader goroutine, a
// scheduled timer).
func (c *Controller) selfNotify(msg any) {
	select {
	case c.mailbox <- msg:
	default:
		go func() { c.mailbox <- msg }()
	}
}

// --- r2server.Controller interface --------------------------------------

type newSessionMsg struct {
	wsID string
	out  r2server.Sink
}
type sessionDisconnectMsg struct{ wsID string }
type r2FrameMsg struct {
	wsID string
	raw  []byte
}

// NewSession implements r2server.Controller.
func (c *Controller) NewSession(wsID string, out r2server.Sink) {
	c.selfNotify(newSessionMsg{wsID: wsID, out: out})
}

// SessionDisconnect implements r2server.Controller.
func (c *Controller) SessionDisconnect(wsID string) {
	c.selfNotify(sessionDisconnectMsg{wsID: wsID})
}

// HandleFrame implements r2server.Controller.
func (c *Controller) HandleFrame(wsID string, raw []byte) {
	c.selfNotify(r2FrameMsg{wsID: wsID, raw: raw})
}

// --- self-notification message types ------------------------------------

type connectTickMsg struct{}
type connectResultMsg struct {
	client *haclient.Client
	err    error
}
type requestExpertOptionsMsg struct{ wsID string }
type finishSetupFlowMsg struct {
	wsID    string
	errCode r2proto.SetupError
}
type setupTimeoutMsg struct{}
type entityCommandResultMsg struct {
	wsID  string
	reqID uint32
	res   haclient.CallResult
}

// handle dispatches every mailbox message. It is the only place that
// mutates Controller state.
func (c *Controller) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case newSessionMsg:
		c.handleNewSession(m.wsID, m.out)
	case sessionDisconnectMsg:
		c.handleSessionDisconnect(m.wsID)
	case r2FrameMsg:
		c.handleFrame(m.wsID, m.raw)

	case connectTickMsg:
		c.handleConnectTick(ctx)
	case connectResultMsg:
		c.handleConnectResult(m)

	case model.ConnectionEvent:
		c.handleConnectionEvent(m)
	case model.EntityEvent:
		c.handleEntityEvent(m)
	case model.AvailableEntities:
		c.handleAvailableEntities(m)

	case requestExpertOptionsMsg:
		c.handleRequestExpertOptions(m.wsID)
	case finishSetupFlowMsg:
		c.handleFinishSetupFlow(m.wsID, m.errCode)
	case setupTimeoutMsg:
		c.handleSetupTimeout()

	case entityCommandResultMsg:
		c.handleEntityCommandResult(m)

	default:
		c.logger.Warn("controller: unhandled mailbox message", "type", fmt.Sprintf("%T", msg))
	}
}

func (c *Controller) handleNewSession(wsID string, out r2server.Sink) {
	c.sessions[wsID] = &Session{wsID: wsID, out: out, subscribedEntities: make(map[string]struct{})}
	c.cntSessions.Add(context.Background(), 1)
	raw, err := r2proto.EventFrame(r2proto.EmittedDeviceState, r2proto.CategoryDevice, r2proto.DeviceStatePayload{State: string(c.deviceState)})
	if err != nil {
		c.logger.Error("encoding initial device_state", "error", err)
		return
	}
	out.Send(raw)
}

func (c *Controller) handleSessionDisconnect(wsID string) {
	delete(c.sessions, wsID)
}

func (c *Controller) handleFrame(wsID string, raw []byte) {
	session, ok := c.sessions[wsID]
	if !ok {
		c.logger.Debug("frame from unknown session, dropping", "ws_id", wsID)
		return
	}

	kind, err := r2proto.ParseKind(raw)
	if err != nil {
		c.logger.Warn("unparsable r2 frame, dropping", "ws_id", wsID, "error", err)
		return
	}

	switch kind {
	case r2proto.KindRequest:
		req, err := r2proto.ParseRequest(raw)
		if err != nil {
			c.logger.Warn("unparsable r2 request, dropping", "ws_id", wsID, "error", err)
			return
		}
		// A live request proves the remote is active, §4.3.
		session.standby = false
		c.handleRequest(session, req)

	case r2proto.KindEvent:
		ev, err := r2proto.ParseEvent(raw)
		if err != nil {
			c.logger.Warn("unparsable r2 event, dropping", "ws_id", wsID, "error", err)
			return
		}
		c.handleR2Event(session, ev)

	default:
		c.logger.Warn("unexpected r2 frame kind, dropping", "ws_id", wsID, "kind", kind)
	}
}

// --- outbound send helpers -----------------------------------------------

// send delivers raw to wsID, honoring standby masking per §4.1's
// Registry.send semantics. Missing sessions are silently dropped.
func (c *Controller) send(wsID string, raw []byte, err error) {
	if err != nil {
		c.logger.Error("encoding r2 frame", "ws_id", wsID, "error", err)
		return
	}
	session, ok := c.sessions[wsID]
	if !ok {
		return
	}
	if session.standby {
		c.logger.Debug("send masked by standby", "ws_id", wsID)
		return
	}
	session.out.Send(raw)
}

func (c *Controller) sendError(wsID string, reqID uint32, svcErr *bridgeerr.ServiceError) {
	raw, err := r2proto.ErrorResponse(reqID, svcErr.Code(), svcErr.Label())
	c.send(wsID, raw, err)
}

// broadcast fans a frame out to every session not currently in standby,
// §4.1 Registry.broadcast.
func (c *Controller) broadcast(raw []byte, err error) {
	if err != nil {
		c.logger.Error("encoding broadcast frame", "error", err)
		return
	}
	for _, session := range c.sessions {
		if session.standby {
			continue
		}
		session.out.Send(raw)
	}
}

// broadcastDeviceState bypasses standby masking: the data model's explicit
// carve-out is "outbound traffic is dropped [while in standby] except
// explicit device_state".
func (c *Controller) broadcastDeviceState() {
	raw, err := r2proto.EventFrame(r2proto.EmittedDeviceState, r2proto.CategoryDevice, r2proto.DeviceStatePayload{State: string(c.deviceState)})
	if err != nil {
		c.logger.Error("encoding device_state", "error", err)
		return
	}
	for _, session := range c.sessions {
		session.out.Send(raw)
	}
}

func asServiceError(err error) *bridgeerr.ServiceError {
	if se, ok := err.(*bridgeerr.ServiceError); ok {
		return se
	}
	return bridgeerr.Internal("%v", err)
}

// --- R2 request dispatch ---------------------------------------------------

func (c *Controller) handleRequest(session *Session, req r2proto.Request) {
	switch req.Msg {
	case r2proto.MsgGetDriverVersion:
		raw, err := r2proto.Response(req.ID, req.Msg, r2proto.DriverVersion{APIVersion: apiVersion, IntegrationVersion: integrationVersion})
		c.send(session.wsID, raw, err)

	case r2proto.MsgGetDeviceState:
		raw, err := r2proto.EventFrame(r2proto.EmittedDeviceState, r2proto.CategoryDevice, r2proto.DeviceStatePayload{State: string(c.deviceState)})
		c.send(session.wsID, raw, err)

	case r2proto.MsgSetupDriver:
		c.handleSetupDriverRequest(session.wsID, req.ID, req.MsgData)

	case r2proto.MsgSetDriverUserData:
		c.handleSetDriverUserData(session.wsID, req.ID, req.MsgData)

	case r2proto.MsgGetAvailableEntities:
		if c.haClient == nil {
			c.sendError(session.wsID, req.ID, bridgeerr.NotConnected())
			return
		}
		id := req.ID
		session.pendingAvailableEntitiesID = &id
		c.haClient.GetStates()

	case r2proto.MsgGetEntityStates:
		if c.haClient == nil {
			c.sendError(session.wsID, req.ID, bridgeerr.NotConnected())
			return
		}
		id := req.ID
		session.pendingEntityStatesID = &id
		c.haClient.GetStates()

	case r2proto.MsgSubscribeEvents:
		c.handleSubscribeEvents(session, req)

	case r2proto.MsgUnsubscribeEvents:
		c.handleUnsubscribeEvents(session, req)

	case r2proto.MsgEntityCommand:
		c.handleEntityCommand(session, req)

	case r2proto.MsgAbortDriverSetup:
		c.transitionSetup(setupfsm.AbortSetup)
		raw, err := r2proto.Response(req.ID, req.Msg, nil)
		c.send(session.wsID, raw, err)

	default:
		c.sendError(session.wsID, req.ID, bridgeerr.NotYetImplemented())
	}
}

// handleSubscribeEvents unions payload.EntityIDs into session.subscribedEntities.
// A malformed payload only logs a warning and still acks: controller.rs's
// R2Request::SubscribeEvents handler never returns a ServiceError for it, it
// just skips the union and replies Ok(()).
func (c *Controller) handleSubscribeEvents(session *Session, req r2proto.Request) {
	if c.setup.State() != setupfsm.Running {
		c.sendError(session.wsID, req.ID, bridgeerr.ServiceUnavailable("setup required"))
		return
	}
	var payload r2proto.SubscribeEventsRequest
	if err := json.Unmarshal(req.MsgData, &payload); err != nil {
		c.logger.Warn("malformed subscribe_events payload, acking without change", "ws_id", session.wsID, "error", err)
	} else {
		for _, id := range payload.EntityIDs {
			session.subscribedEntities[id] = struct{}{}
		}
	}
	raw, err := r2proto.Response(req.ID, req.Msg, nil)
	c.send(session.wsID, raw, err)
}

// handleUnsubscribeEvents differences payload.EntityIDs out of
// session.subscribedEntities. Unlike subscribe, a malformed payload is a
// BadRequest here, matching controller.rs's R2Request::UnsubscribeEvents
// handler. An empty (but well-formed) list is a valid no-op difference, not
// an error.
func (c *Controller) handleUnsubscribeEvents(session *Session, req r2proto.Request) {
	if c.setup.State() != setupfsm.Running {
		c.sendError(session.wsID, req.ID, bridgeerr.ServiceUnavailable("setup required"))
		return
	}
	var payload r2proto.SubscribeEventsRequest
	if err := json.Unmarshal(req.MsgData, &payload); err != nil {
		c.sendError(session.wsID, req.ID, bridgeerr.SerializationError("%v", err))
		return
	}
	for _, id := range payload.EntityIDs {
		delete(session.subscribedEntities, id)
	}
	raw, err := r2proto.Response(req.ID, req.Msg, nil)
	c.send(session.wsID, raw, err)
}

func (c *Controller) handleEntityCommand(session *Session, req r2proto.Request) {
	if c.haClient == nil {
		c.sendError(session.wsID, req.ID, bridgeerr.NotConnected())
		return
	}

	var payload r2proto.EntityCommandRequest
	if err := json.Unmarshal(req.MsgData, &payload); err != nil {
		c.sendError(session.wsID, req.ID, bridgeerr.SerializationError("%v", err))
		return
	}

	cmd := model.EntityCommand{
		EntityType: payload.EntityType,
		EntityID:   payload.EntityID,
		CmdID:      payload.CmdID,
		Params:     payload.Params,
	}
	call, err := translate.Translate(cmd)
	if err != nil {
		c.sendError(session.wsID, req.ID, asServiceError(err))
		return
	}

	reply := c.haClient.CallService(call, cmd.EntityID)
	wsID, reqID := session.wsID, req.ID
	go func() {
		res := <-reply
		c.post(entityCommandResultMsg{wsID: wsID, reqID: reqID, res: res})
	}()
}

func (c *Controller) handleEntityCommandResult(m entityCommandResultMsg) {
	if m.res.Err != nil {
		c.sendError(m.wsID, m.reqID, bridgeerr.Internal("%v", m.res.Err))
		return
	}
	raw, err := r2proto.Response(m.reqID, r2proto.MsgEntityCommand, nil)
	c.send(m.wsID, raw, err)
}

// --- R2 event dispatch -----------------------------------------------------

func (c *Controller) handleR2Event(session *Session, ev r2proto.Event) {
	switch ev.Msg {
	case r2proto.EventConnect:
		session.haConnect = true
		if c.deviceState != model.DeviceConnected {
			c.deviceState = model.DeviceConnecting
			c.broadcastDeviceState()
			c.selfNotify(connectTickMsg{})
		}

	case r2proto.EventDisconnect:
		session.haConnect = false
		if c.haClient != nil {
			c.haClient.Close()
		}
		c.deviceState = model.DeviceDisconnected
		c.broadcastDeviceState()

	case r2proto.EventEnterStandby:
		session.standby = true

	case r2proto.EventExitStandby:
		session.standby = false

	default:
		c.logger.Debug("unrecognized r2 event, ignoring", "ws_id", session.wsID, "msg", ev.Msg)
	}
}

// --- HA connection lifecycle -------------------------------------------------

func (c *Controller) handleConnectTick(ctx context.Context) {
	if c.haClient != nil {
		return
	}
	if c.deviceState == model.DeviceDisconnected {
		return
	}

	settings := c.settings.Clone()
	dialer := c.dialer
	logger := c.logger
	clientID := fmt.Sprintf("ha-%d", time.Now().UnixNano())

	go func() {
		client, err := haclient.Dial(ctx, dialer, settings, clientID, c.post, logger)
		c.post(connectResultMsg{client: client, err: err})
	}()
}

func (c *Controller) handleConnectResult(m connectResultMsg) {
	if m.err == nil {
		c.haClient = m.client
		return
	}

	if _, ok := m.err.(haclient.AuthenticationFailedError); ok {
		// ConnectionEvent{AuthenticationFailed} already arrived via post()
		// before Dial returned, and is processed first (the mailbox is
		// FIFO), so deviceState is already Error. Nothing further to do.
		return
	}

	c.scheduleReconnect()
}

// scheduleReconnect implements the §8 invariant 3 backoff policy:
//
//	reconnect_duration_k = min(d0 · f^k, d_max)
//
// On each failure we increment the attempt counter and check the cap BEFORE
// scheduling the next attempt, using the CURRENT (pre-update)
// reconnectDuration; only then do we advance reconnectDuration for the
// following failure. A failure that pushes the attempt count past the
// configured cap transitions straight to Error with no further schedule.
func (c *Controller) scheduleReconnect() {
	if c.deviceState == model.DeviceDisconnected {
		return
	}

	c.reconnectAttempt++
	c.cntReconnects.Add(context.Background(), 1)

	if c.reconnectAttempt > c.settings.Reconnect.Attempts {
		c.deviceState = model.DeviceError
		c.broadcastDeviceState()
		return
	}

	delay := c.reconnectDuration
	time.AfterFunc(delay, func() { c.post(connectTickMsg{}) })

	next := time.Duration(float64(c.reconnectDuration) * c.settings.Reconnect.BackoffFactor)
	if next > c.settings.Reconnect.DurationMax {
		next = c.settings.Reconnect.DurationMax
	}
	c.reconnectDuration = next
}

func (c *Controller) handleConnectionEvent(ev model.ConnectionEvent) {
	switch ev.State {
	case model.ConnStateConnected:
		c.deviceState = model.DeviceConnected
		c.reconnectDuration = c.settings.Reconnect.Duration
		c.reconnectAttempt = 0
		c.broadcastDeviceState()

	case model.ConnStateAuthenticationFailed:
		c.deviceState = model.DeviceError
		c.broadcastDeviceState()

	case model.ConnStateClosed:
		c.haClient = nil
		if c.deviceState == model.DeviceConnecting || c.deviceState == model.DeviceConnected {
			c.deviceState = model.DeviceConnecting
			c.broadcastDeviceState()
			c.selfNotify(connectTickMsg{})
		}
	}
}

func (c *Controller) handleEntityEvent(ev model.EntityEvent) {
	raw, err := r2proto.EventFrame(r2proto.EmittedEntityChange, r2proto.CategoryEntity, r2proto.EntityPayload{
		EntityType: ev.Change.EntityType,
		EntityID:   ev.Change.EntityID,
		DeviceID:   ev.Change.DeviceID,
		Attributes: ev.Change.Attributes,
	})
	c.cntEntityFanout.Add(context.Background(), 1)
	c.broadcast(raw, err)
}

func (c *Controller) handleAvailableEntities(ev model.AvailableEntities) {
	payload := make([]r2proto.EntityPayload, 0, len(ev.Entities))
	for _, e := range ev.Entities {
		payload = append(payload, r2proto.EntityPayload{
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			DeviceID:   e.DeviceID,
			Attributes: e.Attributes,
		})
	}

	for _, session := range c.sessions {
		if session.standby {
			c.logger.Debug("available_entities/entity_states masked by standby", "ws_id", session.wsID)
			continue
		}
		switch {
		case session.pendingAvailableEntitiesID != nil:
			raw, err := r2proto.Response(*session.pendingAvailableEntitiesID, r2proto.MsgGetAvailableEntities, r2proto.AvailableEntitiesResponse{AvailableEntities: payload})
			c.send(session.wsID, raw, err)
			session.pendingAvailableEntitiesID = nil
		case session.pendingEntityStatesID != nil:
			raw, err := r2proto.Response(*session.pendingEntityStatesID, r2proto.MsgGetEntityStates, r2proto.EntityStatesResponse{EntityStates: payload})
			c.send(session.wsID, raw, err)
			session.pendingEntityStatesID = nil
		}
	}
}

// --- setup flow --------------------------------------------------------------

// transitionSetup applies input to the setup machine and, on acceptance,
// (re-)arms or cancels the §4.4 setup timeout timer based on the resulting
// state alone — sufficient to cover every table transition including
// re-entry into WaitSetupData/WaitUserInput, since each entry restarts the
// timer rather than relying on stale state.
func (c *Controller) transitionSetup(input setupfsm.Input) bool {
	if !c.setup.Consume(input) {
		return false
	}
	if c.setupTimer != nil {
		c.setupTimer.Stop()
		c.setupTimer = nil
	}
	if setupfsm.IsSetupTimerState(c.setup.State()) {
		c.setupTimer = time.AfterFunc(setupTimeout, func() { c.post(setupTimeoutMsg{}) })
	}
	return true
}

func (c *Controller) handleSetupDriverRequest(wsID string, reqID uint32, payload json.RawMessage) {
	var req r2proto.SetupDriverRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(wsID, reqID, bridgeerr.SerializationError("%v", err))
		return
	}

	normalized, err := config.NormalizeURL(req.URL)
	if err != nil {
		c.sendError(wsID, reqID, bridgeerr.BadRequest("%v", err))
		return
	}

	if !c.transitionSetup(setupfsm.SetupDriverRequest) {
		c.sendError(wsID, reqID, bridgeerr.BadRequest("invalid setup state"))
		return
	}

	c.settings.URL = normalized
	if token := req.Token; len(token) > 0 {
		c.settings.Token = token
	}
	c.setupOwnerWsID = wsID

	c.persistSettings()

	raw, rerr := r2proto.Response(reqID, r2proto.MsgSetupDriver, nil)
	c.send(wsID, raw, rerr)

	expert := req.Expert
	time.AfterFunc(ackDelay, func() {
		if expert {
			c.post(requestExpertOptionsMsg{wsID: wsID})
		} else {
			c.post(finishSetupFlowMsg{wsID: wsID, errCode: r2proto.SetupErrorNone})
		}
	})
}

func (c *Controller) handleRequestExpertOptions(wsID string) {
	if !c.transitionSetup(setupfsm.RequestUserInput) {
		c.logger.Warn("expert options requested outside WaitSetupData, dropping", "ws_id", wsID)
		return
	}

	s := c.settings
	fields := []r2proto.Field{
		{ID: "connection_timeout", Label: "Connection timeout", Min: 3, Max: 30, Value: float64(s.ConnectionTimeout), Unit: "s"},
		{ID: "max_frame_size_kb", Label: "Max frame size", Min: 1024, Max: 16384, Value: float64(s.MaxFrameSizeKB), Unit: "KB"},
		{ID: "reconnect.attempts", Label: "Reconnect attempts", Min: 1, Max: 65536, Value: float64(s.Reconnect.Attempts)},
		{ID: "reconnect.duration_ms", Label: "Reconnect initial delay", Min: 100, Max: 600000, Value: float64(s.Reconnect.Duration.Milliseconds()), Unit: "ms"},
		{ID: "reconnect.duration_max_ms", Label: "Reconnect max delay", Min: 1000, Max: 600000, Value: float64(s.Reconnect.DurationMax.Milliseconds()), Unit: "ms"},
		{ID: "reconnect.backoff_factor", Label: "Reconnect backoff factor", Min: 1, Max: 10, Value: s.Reconnect.BackoffFactor},
		{ID: "heartbeat_interval", Label: "Heartbeat interval", Min: 3, Max: 60, Value: s.Heartbeat.Interval.Seconds(), Unit: "s"},
		{ID: "heartbeat_timeout", Label: "Heartbeat timeout", Min: 6, Max: 300, Value: s.Heartbeat.Timeout.Seconds(), Unit: "s"},
	}

	raw, err := r2proto.EventFrame(r2proto.EmittedDriverSetupChange, r2proto.CategoryDevice, r2proto.DriverSetupChange{
		EventType: r2proto.SetupEventTypeSetup,
		State:     r2proto.SetupStateWaitUserAction,
		RequireUserAction: &r2proto.UserActionInput{
			Input: r2proto.InputForm{Title: "Expert options", Fields: fields},
		},
	})
	c.send(c.setupOwnerWsID, raw, err)
}

func (c *Controller) handleSetDriverUserData(wsID string, reqID uint32, payload json.RawMessage) {
	var req r2proto.SetDriverUserDataRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(wsID, reqID, bridgeerr.SerializationError("%v", err))
		return
	}

	applyIntMin := func(key string, min int, dst *int) {
		raw, ok := req.InputValues[key]
		if !ok {
			return
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < min {
			return
		}
		*dst = v
	}
	applyIntUnconditional := func(key string, dst *int) {
		raw, ok := req.InputValues[key]
		if !ok {
			return
		}
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
	applyDurationMsUnconditional := func(key string, dst *time.Duration) {
		raw, ok := req.InputValues[key]
		if !ok {
			return
		}
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = time.Duration(v) * time.Millisecond
		}
	}
	applySecondsMin := func(key string, min int, dst *time.Duration) {
		raw, ok := req.InputValues[key]
		if !ok {
			return
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < min {
			return
		}
		*dst = time.Duration(v) * time.Second
	}

	applyIntMin("connection_timeout", 3, &c.settings.ConnectionTimeout)
	applyIntMin("max_frame_size_kb", 1024, &c.settings.MaxFrameSizeKB)
	applyIntUnconditional("reconnect.attempts", &c.settings.Reconnect.Attempts)
	applyDurationMsUnconditional("reconnect.duration_ms", &c.settings.Reconnect.Duration)
	applyDurationMsUnconditional("reconnect.duration_max_ms", &c.settings.Reconnect.DurationMax)
	if raw, ok := req.InputValues["reconnect.backoff_factor"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 1.0 {
			c.settings.Reconnect.BackoffFactor = v
		}
	}
	applySecondsMin("heartbeat_interval", 3, &c.settings.Heartbeat.Interval)
	applySecondsMin("heartbeat_timeout", 6, &c.settings.Heartbeat.Timeout)

	if !c.transitionSetup(setupfsm.SetupUserData) {
		c.sendError(wsID, reqID, bridgeerr.BadRequest("invalid setup state"))
		return
	}

	c.persistSettings()

	raw, err := r2proto.Response(reqID, r2proto.MsgSetDriverUserData, nil)
	c.send(wsID, raw, err)

	time.AfterFunc(ackDelay, func() {
		c.post(finishSetupFlowMsg{wsID: wsID, errCode: r2proto.SetupErrorNone})
	})
}

func (c *Controller) handleFinishSetupFlow(wsID string, errCode r2proto.SetupError) {
	state := r2proto.SetupStateOk
	if errCode == r2proto.SetupErrorNone {
		c.transitionSetup(setupfsm.Successful)
	} else {
		c.transitionSetup(setupfsm.SetupError)
		state = r2proto.SetupStateError
	}
	c.cntSetupComplete.Add(context.Background(), 1)

	raw, err := r2proto.EventFrame(r2proto.EmittedDriverSetupChange, r2proto.CategoryDevice, r2proto.DriverSetupChange{
		EventType: r2proto.SetupEventTypeStop,
		State:     state,
		Error:     errCode,
	})
	c.send(wsID, raw, err)
}

func (c *Controller) handleSetupTimeout() {
	c.transitionSetup(setupfsm.SetupError)
	wsID := c.setupOwnerWsID
	c.post(finishSetupFlowMsg{wsID: wsID, errCode: r2proto.SetupErrorTimeout})
}

func (c *Controller) persistSettings() {
	if c.store == nil {
		return
	}
	blob, err := yaml.Marshal(c.settings)
	if err != nil {
		c.logger.Error("marshaling settings for persistence", "error", err)
		return
	}
	if err := c.store.Save(context.Background(), blob); err != nil {
		c.logger.Error("persisting settings", "error", err)
	}
}
