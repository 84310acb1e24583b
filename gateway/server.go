// Package gateway implements the GUI-Gateway Server: it fans control-plane
// traffic between interactive GUI clients and the distributed control
// fabric, owning per-client state, admission control, pipeline forwarding
// with differentiated QoS, ref-counted device monitors and asynchronous
// request/reply bridging.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/luminet/guigate/config"
	"github.com/luminet/guigate/errors"
	"github.com/luminet/guigate/fabric"
	"github.com/luminet/guigate/logger"
	"github.com/luminet/guigate/throttle"
	"github.com/luminet/guigate/version"
)

// deferredDisconnectDelay gives a refused client time to read the
// notification before the socket closes under it.
const deferredDisconnectDelay = 500 * time.Millisecond

// Server is the gateway singleton. It owns all mutable state; the
// channel-error cleanup acquires its mutexes in the fixed order
// clientsMu -> monitorsMu -> pipelinesMu -> projectMgrsMu ->
// timeoutIgnoredMu, and no other handler holds more than one of them at a
// time.
type Server struct {
	cfg *config.Config
	fab fabric.Client
	log *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	throttler *throttle.Throttler
	handlers  map[string]func(*Client, fabric.Hash)

	minClientVersion *semver.Version // nil disables the version gate
	readOnly         bool

	// reconfigurable at runtime
	timeoutSec   atomic.Int32
	forwardLevel atomic.Int32 // zapcore.Level under the hood

	clientsMu sync.RWMutex
	clients   map[*Client]struct{}

	monitorsMu sync.Mutex
	monitors   map[string]int

	pipelinesMu sync.Mutex
	pipelines   map[string]map[*Client]struct{}
	ready       map[string]map[*Client]bool

	pendingInitsMu sync.Mutex
	pendingInits   []deviceInstantiation

	pendingAttrsMu sync.Mutex
	pendingAttrs   map[string]*attributeUpdates

	loggerMapMu sync.Mutex
	loggerMap   map[string]string
	readerRR    atomic.Uint64

	projectMgrsMu sync.RWMutex
	projectMgrs   map[string]struct{}

	timeoutIgnoredMu sync.Mutex
	timeoutIgnored   map[string]struct{}
	ignoreClasses    []string

	logCacheMu sync.Mutex
	logCache   []fabric.Hash
}

// New builds a gateway server against a fabric client and registers all
// fabric-side handlers. Call Start to begin serving.
func New(cfg *config.Config, fab fabric.Client, log *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:            cfg,
		fab:            fab,
		log:            log.Named("gateway"),
		ctx:            ctx,
		cancel:         cancel,
		readOnly:       cfg.IsReadOnly,
		clients:        make(map[*Client]struct{}),
		monitors:       make(map[string]int),
		pipelines:      make(map[string]map[*Client]struct{}),
		ready:          make(map[string]map[*Client]bool),
		pendingAttrs:   make(map[string]*attributeUpdates),
		loggerMap:      make(map[string]string),
		projectMgrs:    make(map[string]struct{}),
		timeoutIgnored: make(map[string]struct{}),
		ignoreClasses:  append([]string{}, cfg.IgnoreTimeoutClasses...),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.timeoutSec.Store(int32(cfg.TimeoutSeconds))
	s.forwardLevel.Store(int32(logger.ParseLevel(cfg.LogForwardingLevel)))

	if v, err := semver.NewVersion(cfg.MinClientVersion); err == nil {
		s.minClientVersion = v
	} else {
		// A non-semver value disables the version check rather than
		// locking every client out.
		s.log.Warnw("min_client_version is not semver, version check disabled",
			"value", cfg.MinClientVersion,
		)
	}

	s.handlers = s.buildHandlerTable()

	s.throttler = throttle.New(
		s.broadcastTopologyUpdate,
		time.Duration(cfg.Throttler.CycleIntervalMS)*time.Millisecond,
		cfg.Throttler.MaxChangesPerCycle,
		s.log.Named("throttler"),
	)

	fab.SetDeviceMonitorInterval(time.Duration(cfg.PropertyUpdateIntervalMS) * time.Millisecond)

	fab.OnInstanceNew(s.instanceNewHandler)
	fab.OnInstanceUpdated(s.instanceUpdatedHandler)
	fab.OnInstanceGone(s.instanceGoneHandler)
	fab.OnDevicesChanged(s.devicesChangedHandler)
	fab.OnSchemaUpdated(s.schemaUpdatedHandler)
	fab.OnClassSchema(s.classSchemaHandler)
	fab.ReadLogs(s.ingestLogs)

	if err := fab.Subscribe(cfg.DataLogManagerID, "signalLoggerMap", s.onLoggerMap); err != nil {
		s.log.Warnw("Could not subscribe to logger map signal",
			"data_log_manager", cfg.DataLogManagerID,
			"error", err,
		)
	}
	s.requestLoggerMap()

	// Scan the current topology for alarm services and project managers
	// that joined before we registered the instance trackers.
	for typ, entry := range fab.Topology() {
		instances, ok := entry.(fabric.Hash)
		if !ok {
			continue
		}
		for id, info := range instances {
			inst := fabric.InstanceInfo{Type: typ, ID: id}
			if infoHash, isHash := info.(fabric.Hash); isHash {
				inst.Info = infoHash
			}
			s.connectPotentialAlarmService(inst)
			s.registerPotentialProjectManager(inst)
			s.trackTimeoutIgnored(inst)
		}
	}

	return s
}

// Start begins listening for GUI clients and arms the periodic timers.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", s.cfg.Port)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.startInstantiationTimer()
	s.startLogForwardTimer()
	s.startNetworkStatsTimer()

	s.fab.Set("connectedClientCount", 0)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Infow("GUI gateway is up and listening",
			"addr", listener.Addr().String(),
			"read_only", s.readOnly,
			"version", version.Get().Short(),
		)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("HTTP server failed", "error", err)
		}
	}()

	return nil
}

// Addr returns the listen address once Start succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the gateway: clients first, then timers, then the
// throttler, finally the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsMu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		c.close()
	}

	s.cancel()
	s.throttler.Close()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// ApplyConfig re-applies the reconfigurable subset after a config reload:
// request timeout, timeout-ignored classes, log forwarding level and the
// device monitor interval.
func (s *Server) ApplyConfig(cfg *config.Config) error {
	s.timeoutSec.Store(int32(cfg.TimeoutSeconds))
	s.forwardLevel.Store(int32(logger.ParseLevel(cfg.LogForwardingLevel)))
	s.fab.SetDeviceMonitorInterval(time.Duration(cfg.PropertyUpdateIntervalMS) * time.Millisecond)
	s.recalculateTimeoutIgnored(cfg.IgnoreTimeoutClasses)

	s.log.Infow("Applied reconfiguration",
		"timeout_seconds", cfg.TimeoutSeconds,
		"log_forwarding_level", cfg.LogForwardingLevel,
		"ignore_timeout_classes", cfg.IgnoreTimeoutClasses,
	)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// handleWebSocket upgrades an incoming client connection, sends the
// banner and arms the login-only phase.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	if len(s.clients) >= s.cfg.MaxClients {
		s.clientsMu.Unlock()
		s.log.Warnw("Max clients reached, rejecting connection",
			"max_clients", s.cfg.MaxClients,
		)
		conn.Close()
		return
	}
	client := newClient(s, conn, uuid.NewString())
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	s.fab.Set("connectedClientCount", total)
	s.log.Infow("Client connected",
		"client_id", client.id,
		"remote_addr", client.remoteAddr,
		"total_clients", total,
	)

	// Informational banner, written before any login.
	client.send(fabric.Hash{
		"type":     msgTypeBrokerInformation,
		"topic":    s.cfg.Topic,
		"hostname": s.cfg.Hostname,
		"hostport": s.cfg.Port,
		"deviceId": s.cfg.GatewayID,
		"readOnly": s.readOnly,
		"version":  version.Get().Version,
	}, laneLossless)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

// route dispatches one decoded client message. Before login only "login"
// is accepted; afterwards the handler table decides.
func (s *Server) route(c *Client, msg fabric.Hash) {
	msgType, ok := getString(msg, "type")
	if !ok {
		s.log.Warnw("Ignoring request that lacks type specification",
			"client_id", c.id,
		)
		return
	}

	s.clientsMu.RLock()
	loggedIn := c.loggedIn
	clientVersion := c.version
	s.clientsMu.RUnlock()

	if !loggedIn {
		if msgType == msgTypeLogin {
			s.onLogin(c, msg)
			return
		}
		s.log.Warnw("Ignoring request from client not yet logged in",
			"client_id", c.id,
			"request_type", msgType,
		)
		c.send(notification("Action '"+msgType+"' refused before log in"), laneLossless)
		return
	}

	if s.readOnly && violatesReadOnly(msgType, msg) {
		c.send(notification("Action '"+msgType+"' is not allowed on GUI gateways in readOnly mode!"), laneLossless)
		return
	}
	if violatesVersionRestriction(msgType, clientVersion) {
		c.send(notification("Action '"+msgType+"' is not allowed on this GUI client version. Please upgrade your GUI client"), laneLossless)
		return
	}

	handler, known := s.handlers[msgType]
	if !known {
		c.send(notification(fmt.Sprintf(
			"The gateway with version %s does not support the client application request of %s",
			version.Get().Version, msgType,
		)), laneLossless)
		s.log.Warnw("Ignoring request of unknown type",
			"client_id", c.id,
			"request_type", msgType,
		)
		return
	}

	handler(c, msg)
}

// onLogin validates the client version, promotes the connection to a full
// session and sends the current system topology.
func (s *Server) onLogin(c *Client, msg fabric.Hash) {
	username, _ := getString(msg, "username")
	versionStr, hasVersion := getString(msg, "version")

	clientVersion, err := semver.NewVersion(versionStr)
	if !hasVersion || err != nil {
		c.send(notification("Login refused: client version missing or malformed"), laneLossless)
		s.deferredDisconnect(c)
		return
	}

	if s.minClientVersion != nil && clientVersion.LessThan(s.minClientVersion) {
		c.send(notification(fmt.Sprintf(
			"Your GUI client has version '%s', but the minimum required is: %s",
			versionStr, s.cfg.MinClientVersion,
		)), laneLossless)
		s.log.Warnw("Refused login request",
			"username", username,
			"client_version", versionStr,
			"remote_addr", c.remoteAddr,
		)
		s.deferredDisconnect(c)
		return
	}

	s.clientsMu.Lock()
	c.loggedIn = true
	c.version = clientVersion
	c.username = username
	c.sessionToken = uuid.NewString()
	c.sessionStart = time.Now()
	s.clientsMu.Unlock()

	s.log.Infow("Login request accepted",
		"username", username,
		"client_version", versionStr,
		"client_id", c.id,
	)

	s.sendSystemTopology(c)
}

// deferredDisconnect closes the connection after a short grace period so
// the refusal notification still reaches the client.
func (s *Server) deferredDisconnect(c *Client) {
	time.AfterFunc(deferredDisconnectDelay, c.close)
}

// sendSystemTopology pushes the full topology snapshot to one client.
func (s *Server) sendSystemTopology(c *Client) {
	c.send(fabric.Hash{
		"type":           msgTypeSystemTopology,
		"systemTopology": s.fab.Topology(),
	}, laneLossless)
}

// dropClient runs the full channel-lost cleanup path. Lock order:
// clientsMu -> monitorsMu -> pipelinesMu.
func (s *Server) dropClient(c *Client) {
	s.clientsMu.Lock()
	if _, known := s.clients[c]; !known {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	total := len(s.clients)
	visible := c.visibleInstances
	c.visibleInstances = make(map[string]struct{})
	s.clientsMu.Unlock()

	s.fab.Set("connectedClientCount", total)
	s.log.Infow("Client disconnected",
		"client_id", c.id,
		"total_clients", total,
	)

	// Drop this client's interest in every monitored device.
	s.monitorsMu.Lock()
	var unsubscribe []string
	for deviceID := range visible {
		s.monitors[deviceID]--
		if s.monitors[deviceID] <= 0 {
			delete(s.monitors, deviceID)
			unsubscribe = append(unsubscribe, deviceID)
		}
	}
	s.monitorsMu.Unlock()
	for _, deviceID := range unsubscribe {
		s.fab.UnregisterDeviceMonitor(deviceID)
		s.log.Debugw("Device monitor released (client gone)", "device_id", deviceID)
	}

	// Remove the client from every pipeline subscription.
	s.pipelinesMu.Lock()
	var releaseChannels []string
	for name, subscribers := range s.pipelines {
		delete(subscribers, c)
		if readiness := s.ready[name]; readiness != nil {
			delete(readiness, c)
			if len(readiness) == 0 {
				delete(s.ready, name)
			}
		}
		if len(subscribers) == 0 {
			delete(s.pipelines, name)
			releaseChannels = append(releaseChannels, name)
		}
	}
	s.pipelinesMu.Unlock()
	for _, name := range releaseChannels {
		if !s.fab.UnregisterChannelMonitor(name) {
			s.log.Warnw("Failed to unregister pipeline channel", "channel", name)
		}
	}
}

// forEachOpen snapshots the logged-in clients and applies fn outside the
// table lock.
func (s *Server) forEachOpen(fn func(c *Client)) {
	s.clientsMu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		if c.loggedIn {
			clients = append(clients, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		fn(c)
	}
}

// broadcast sends a message to all logged-in clients on the given lane.
func (s *Server) broadcast(msg fabric.Hash, priority int) {
	s.forEachOpen(func(c *Client) {
		c.send(msg, priority)
	})
}

// broadcastTopologyUpdate is the throttler's dispatch handler.
func (s *Server) broadcastTopologyUpdate(changes throttle.Batch) {
	s.broadcast(fabric.Hash{
		"type":    msgTypeTopologyUpdate,
		"changes": changes,
	}, laneLossless)
}

// visibilityUnion returns the set of devices at least one client watches.
func (s *Server) visibilityUnion() map[string]struct{} {
	union := make(map[string]struct{})
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		for deviceID := range c.visibleInstances {
			union[deviceID] = struct{}{}
		}
	}
	return union
}

// --- instance lifecycle handlers (fabric side) ---

func (s *Server) instanceNewHandler(inst fabric.InstanceInfo) {
	s.throttler.SubmitNew(inst.ID, instanceInfoPayload(inst))

	if inst.Type != "device" {
		return
	}

	s.trackTimeoutIgnored(inst)

	// Re-register the monitor if clients already noted interest while the
	// device was away.
	s.monitorsMu.Lock()
	interested := s.monitors[inst.ID] > 0
	s.monitorsMu.Unlock()
	if interested {
		s.log.Debugw("Reconnecting monitor for returning device", "device_id", inst.ID)
		s.fab.RegisterDeviceMonitor(inst.ID)
	}

	if inst.ID == s.cfg.DataLogManagerID {
		s.requestLoggerMap()
	}

	s.tryToUpdateNewInstanceAttributes(inst.ID, instanceNewEvent)

	s.connectPotentialAlarmService(inst)
	s.registerPotentialProjectManager(inst)
}

func (s *Server) instanceUpdatedHandler(inst fabric.InstanceInfo) {
	s.throttler.SubmitUpdate(inst.ID, instanceInfoPayload(inst))
}

func (s *Server) instanceGoneHandler(inst fabric.InstanceInfo) {
	s.throttler.SubmitGone(inst.ID, instanceInfoPayload(inst))

	instanceID := inst.ID

	// Forget per-client bookkeeping for the instance.
	s.clientsMu.Lock()
	for c := range s.clients {
		delete(c.visibleInstances, instanceID)
		delete(c.requestedDeviceSchemas, instanceID)
		delete(c.requestedClassSchemas, instanceID)
	}
	s.clientsMu.Unlock()

	s.pendingAttrsMu.Lock()
	delete(s.pendingAttrs, instanceID)
	s.pendingAttrsMu.Unlock()

	s.monitorsMu.Lock()
	delete(s.monitors, instanceID)
	s.monitorsMu.Unlock()

	// Release pipeline channels produced by the gone instance.
	s.pipelinesMu.Lock()
	var releaseChannels []string
	for name := range s.pipelines {
		if producerOf(name) == instanceID {
			delete(s.pipelines, name)
			delete(s.ready, name)
			releaseChannels = append(releaseChannels, name)
		}
	}
	s.pipelinesMu.Unlock()
	for _, name := range releaseChannels {
		s.log.Debugw("Removing pipeline channel of gone instance", "channel", name)
		s.fab.UnregisterChannelMonitor(name)
	}

	s.projectMgrsMu.Lock()
	delete(s.projectMgrs, instanceID)
	s.projectMgrsMu.Unlock()

	s.timeoutIgnoredMu.Lock()
	delete(s.timeoutIgnored, instanceID)
	s.timeoutIgnoredMu.Unlock()

	s.tryToUpdateNewInstanceAttributes(instanceID, instanceGoneEvent)
}

// instanceInfoPayload flattens an InstanceInfo into the throttler payload,
// always carrying the partitioning type.
func instanceInfoPayload(inst fabric.InstanceInfo) fabric.Hash {
	payload := make(fabric.Hash, len(inst.Info)+1)
	for k, v := range inst.Info {
		payload[k] = v
	}
	payload["type"] = inst.Type
	return payload
}

// producerOf extracts the producer instance from "producerId:channelName".
// A name without ':' is the producer itself.
func producerOf(channelName string) string {
	for i := 0; i < len(channelName); i++ {
		if channelName[i] == ':' {
			return channelName[:i]
		}
	}
	return channelName
}

// --- timeout-ignored class bookkeeping ---

// trackTimeoutIgnored inserts a device whose class is timeout-forgiven.
func (s *Server) trackTimeoutIgnored(inst fabric.InstanceInfo) {
	classID, _ := getString(inst.Info, "classId")
	if classID == "" {
		return
	}
	s.timeoutIgnoredMu.Lock()
	defer s.timeoutIgnoredMu.Unlock()
	for _, ignored := range s.ignoreClasses {
		if ignored == classID {
			s.timeoutIgnored[inst.ID] = struct{}{}
			return
		}
	}
}

// recalculateTimeoutIgnored rebuilds the device set from the current
// topology for a new class list.
func (s *Server) recalculateTimeoutIgnored(classes []string) {
	classSet := make(map[string]struct{}, len(classes))
	for _, classID := range classes {
		classSet[classID] = struct{}{}
	}

	devices := make(map[string]struct{})
	if deviceEntry, ok := s.fab.Topology()["device"].(fabric.Hash); ok {
		for deviceID, info := range deviceEntry {
			infoHash, isHash := info.(fabric.Hash)
			if !isHash {
				continue
			}
			if classID, hasClass := getString(infoHash, "classId"); hasClass {
				if _, ignored := classSet[classID]; ignored {
					devices[deviceID] = struct{}{}
				}
			}
		}
	}

	s.timeoutIgnoredMu.Lock()
	defer s.timeoutIgnoredMu.Unlock()
	s.ignoreClasses = append([]string{}, classes...)
	s.timeoutIgnored = devices
}

// skipExecutionTimeout reports whether slot call timeouts of a device are
// forgiven.
func (s *Server) skipExecutionTimeout(deviceID string) bool {
	s.timeoutIgnoredMu.Lock()
	defer s.timeoutIgnoredMu.Unlock()
	_, ok := s.timeoutIgnored[deviceID]
	return ok
}

// forwardLogLevel returns the minimum level forwarded to clients.
func (s *Server) forwardLogLevel() zapcore.Level {
	return zapcore.Level(s.forwardLevel.Load())
}

// onGuiError relays a client-reported GUI error onto the fabric debug
// topic.
func (s *Server) onGuiError(_ *Client, msg fabric.Hash) {
	s.fab.Publish("guiDebug", msg)
}
