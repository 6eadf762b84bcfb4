package lifetime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dorisoy/signalr-backplane/core/cluster"
	"github.com/dorisoy/signalr-backplane/core/ds"
	"github.com/dorisoy/signalr-backplane/core/hub"
	"github.com/dorisoy/signalr-backplane/core/ident"
	"github.com/dorisoy/signalr-backplane/core/observer"
	"github.com/dorisoy/signalr-backplane/ports/stream"
)

// maxConcurrentPings bounds the heartbeat fan-out.
const maxConcurrentPings = 8

// removeInvocationTimeout bounds the best-effort record teardown that runs
// on every invoke exit path, including cancelled ones.
const removeInvocationTimeout = 5 * time.Second

type Options struct {
	// HubName namespaces every actor key and channel this manager touches.
	HubName string
	Client  *cluster.Client
	Streams stream.Provider

	Log *slog.Logger

	// ClientTimeout mirrors the hub setting the actors derive observer
	// expiry from. Defaults to [hub.DefaultClientTimeout].
	ClientTimeout time.Duration
	// HeartbeatInterval is how often this server re-asserts liveness with
	// the user, group and pending invocation actors its local connections
	// depend on. Defaults to ClientTimeout/2.
	HeartbeatInterval time.Duration
}

// localConn is the manager-side record of one attached socket.
type localConn struct {
	conn   Connection
	sub    stream.Subscription
	cancel context.CancelFunc

	mu     sync.Mutex
	groups *ds.StringSet
}

func (lc *localConn) addGroup(name string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.groups.Add(name)
}

func (lc *localConn) removeGroups(names ...string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.groups.Remove(names...)
}

func (lc *localConn) groupSnapshot() []string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.groups.Values()
}

// Manager is the hub lifetime coordinator for one server process and one
// hub. See the package doc for its role.
type Manager struct {
	hub       string
	client    *cluster.Client
	streams   stream.Provider
	log       *slog.Logger
	heartbeat time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	local map[string]*localConn

	// invocations this manager is currently awaiting, pinged alongside the
	// user/group observers so a slow call outlives the actor's idle TTL
	invMu   sync.Mutex
	pending map[string]observer.Ref
}

func NewManager(opts Options) (*Manager, error) {
	if opts.HubName == "" {
		return nil, fmt.Errorf("lifetime: Options.HubName is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("lifetime: Options.Client is required")
	}
	if opts.Streams == nil {
		return nil, fmt.Errorf("lifetime: Options.Streams is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = hub.DefaultClientTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = opts.ClientTimeout / 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		hub:       opts.HubName,
		client:    opts.Client,
		streams:   opts.Streams,
		log:       opts.Log.With("hub", opts.HubName),
		heartbeat: opts.HeartbeatInterval,
		ctx:       ctx,
		cancel:    cancel,
		local:     make(map[string]*localConn),
		pending:   make(map[string]observer.Ref),
	}
	go m.heartbeatLoop()
	return m, nil
}

// Close stops the heartbeat and drops all local channel subscriptions.
// It does not deregister connections from the cluster; their observers
// lapse on their own once the pings stop.
func (m *Manager) Close() error {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, lc := range m.local {
		lc.cancel()
		_ = lc.sub.Unsubscribe()
		delete(m.local, id)
	}
	return nil
}

// === connection lifecycle ===

// OnConnected attaches conn to the backplane: a subscription on the
// connection's private delivery channel, an entry in the connection
// directory and, for authenticated users, membership in the user actor.
// The directory and user-actor registrations race; both are awaited.
func (m *Manager) OnConnected(ctx context.Context, conn Connection) error {
	connID := conn.ConnectionID()
	if connID == "" {
		return fmt.Errorf("connect: empty connection id")
	}

	subCtx, cancel := context.WithCancel(m.ctx)
	sub, err := m.streams.Subscribe(subCtx, hub.ConnectionChannel(m.hub, connID), m.deliveryHandler(conn))
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe connection channel: %w", err)
	}

	lc := &localConn{conn: conn, sub: sub, cancel: cancel, groups: ds.NewSet[string]()}
	m.mu.Lock()
	m.local[connID] = lc
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.connections().Notify(gctx, hub.AddConnection{ConnectionID: connID})
	})
	if user := conn.UserIdentifier(); user != "" {
		g.Go(func() error {
			return m.user(user).Notify(gctx, hub.FanoutAdd{
				ConnectionID: connID,
				Observer:     m.connectionRef(connID),
			})
		})
	}
	if err := g.Wait(); err != nil {
		m.mu.Lock()
		delete(m.local, connID)
		m.mu.Unlock()
		cancel()
		_ = sub.Unsubscribe()
		return fmt.Errorf("register connection %s: %w", connID, err)
	}

	m.log.Debug("connection attached", "connection_id", connID)
	return nil
}

// OnDisconnected detaches conn: the private channel subscription is
// dropped and the connection is scrubbed from the connection directory,
// its user actor, and every group it joined.
func (m *Manager) OnDisconnected(ctx context.Context, conn Connection) error {
	connID := conn.ConnectionID()

	m.mu.Lock()
	lc := m.local[connID]
	delete(m.local, connID)
	m.mu.Unlock()
	if lc != nil {
		lc.cancel()
		_ = lc.sub.Unsubscribe()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.connections().Notify(gctx, hub.RemoveConnection{ConnectionID: connID})
	})
	if user := conn.UserIdentifier(); user != "" {
		g.Go(func() error {
			return m.user(user).Notify(gctx, hub.FanoutRemove{ConnectionID: connID})
		})
	}
	g.Go(func() error {
		left, err := cluster.NewRequest[hub.LeaveAllGroups, hub.LeftGroups](m.groupDirectory()).
			Request(gctx, hub.LeaveAllGroups{ConnectionID: connID})
		if err != nil {
			return err
		}
		for _, name := range left.Groups {
			if err := m.group(name).Notify(gctx, hub.FanoutRemove{ConnectionID: connID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("deregister connection %s: %w", connID, err)
	}

	m.log.Debug("connection detached", "connection_id", connID)
	return nil
}

// deliveryHandler writes channel messages straight to the local socket.
func (m *Manager) deliveryHandler(conn Connection) stream.Handler {
	return func(ctx context.Context, data []byte) {
		var msg hub.InvocationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.Warn("dropped malformed invocation message",
				"connection_id", conn.ConnectionID(), "error", err)
			return
		}
		if err := conn.Write(ctx, msg); err != nil {
			m.log.Warn("socket write failed",
				"connection_id", conn.ConnectionID(), "error", err)
		}
	}
}

// === send operations ===

func (m *Manager) SendAll(ctx context.Context, target string, args []json.RawMessage) error {
	_, err := cluster.NewRequest[hub.SendAll, hub.SendAck](m.connections()).
		Request(ctx, hub.SendAll{Message: m.msg(target, args)})
	return err
}

func (m *Manager) SendAllExcept(ctx context.Context, target string, args []json.RawMessage, excludedIDs []string) error {
	_, err := cluster.NewRequest[hub.SendAll, hub.SendAck](m.connections()).
		Request(ctx, hub.SendAll{Message: m.msg(target, args), ExcludedIDs: excludedIDs})
	return err
}

// SendConnection delivers to one connection, writing directly when the
// socket is local. Returns [ErrConnectionNotFound] for unknown targets.
func (m *Manager) SendConnection(ctx context.Context, connID, target string, args []json.RawMessage) error {
	if lc := m.localConn(connID); lc != nil {
		return lc.conn.Write(ctx, m.msg(target, args))
	}
	res, err := cluster.NewRequest[hub.SendConnection, hub.SendResult](m.connections()).
		Request(ctx, hub.SendConnection{ConnectionID: connID, Message: m.msg(target, args)})
	if err != nil {
		return err
	}
	if !res.Delivered {
		return ErrConnectionNotFound
	}
	return nil
}

func (m *Manager) SendConnections(ctx context.Context, connIDs []string, target string, args []json.RawMessage) error {
	_, err := cluster.NewRequest[hub.SendConnections, hub.SendAck](m.connections()).
		Request(ctx, hub.SendConnections{ConnectionIDs: connIDs, Message: m.msg(target, args)})
	return err
}

func (m *Manager) SendGroup(ctx context.Context, group, target string, args []json.RawMessage) error {
	_, err := cluster.NewRequest[hub.SendToGroup, hub.SendAck](m.group(group)).
		Request(ctx, hub.SendToGroup{Message: m.msg(target, args)})
	return err
}

func (m *Manager) SendGroups(ctx context.Context, groups []string, target string, args []json.RawMessage) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range groups {
		g.Go(func() error {
			return m.SendGroup(gctx, name, target, args)
		})
	}
	return g.Wait()
}

func (m *Manager) SendGroupExcept(ctx context.Context, group, target string, args []json.RawMessage, excludedIDs []string) error {
	_, err := cluster.NewRequest[hub.SendToGroupExcept, hub.SendAck](m.group(group)).
		Request(ctx, hub.SendToGroupExcept{Message: m.msg(target, args), ExcludedIDs: excludedIDs})
	return err
}

func (m *Manager) SendUser(ctx context.Context, user, target string, args []json.RawMessage) error {
	_, err := cluster.NewRequest[hub.SendToUser, hub.SendAck](m.user(user)).
		Request(ctx, hub.SendToUser{Message: m.msg(target, args)})
	return err
}

func (m *Manager) SendUsers(ctx context.Context, users []string, target string, args []json.RawMessage) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, user := range users {
		g.Go(func() error {
			return m.SendUser(gctx, user, target, args)
		})
	}
	return g.Wait()
}

// === group membership ===

func (m *Manager) AddToGroup(ctx context.Context, connID, group string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.groupDirectory().Notify(gctx, hub.JoinGroup{ConnectionID: connID, Group: group})
	})
	g.Go(func() error {
		return m.group(group).Notify(gctx, hub.FanoutAdd{
			ConnectionID: connID,
			Observer:     m.connectionRef(connID),
		})
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("add %s to group %s: %w", connID, group, err)
	}
	if lc := m.localConn(connID); lc != nil {
		lc.addGroup(group)
	}
	return nil
}

func (m *Manager) RemoveFromGroup(ctx context.Context, connID, group string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.groupDirectory().Notify(gctx, hub.LeaveGroup{ConnectionID: connID, Group: group})
	})
	g.Go(func() error {
		return m.group(group).Notify(gctx, hub.FanoutRemove{ConnectionID: connID})
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("remove %s from group %s: %w", connID, group, err)
	}
	if lc := m.localConn(connID); lc != nil {
		lc.removeGroups(group)
	}
	return nil
}

// === invoke with result ===

// Invoke sends target to one connection and waits for the client's
// completion. The correlation ID is fresh per call; the invocation record
// is torn down on every exit path, success or not.
func (m *Manager) Invoke(ctx context.Context, connID, target string, args []json.RawMessage, returnType string) (json.RawMessage, error) {
	invID := ident.InvocationID()
	channel := hub.CompletionChannel(m.hub, invID)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan hub.CompletionMessage, 1)
	sub, err := m.streams.Subscribe(subCtx, channel, func(_ context.Context, data []byte) {
		var c hub.CompletionMessage
		if err := json.Unmarshal(data, &c); err != nil {
			m.log.Warn("dropped malformed completion", "invocation_id", invID, "error", err)
			return
		}
		select {
		case results <- c:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe completion channel: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	callerRef := observer.Ref{Channel: channel, ConnectionID: connID}
	inv := m.invocation(invID)
	err = inv.Notify(ctx, hub.AddInvocation{
		Observer: callerRef,
		Record: &hub.InvocationRecord{
			ConnectionID: connID,
			InvocationID: invID,
			ReturnType:   returnType,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("register invocation: %w", err)
	}

	m.trackInvocation(invID, callerRef)
	defer m.untrackInvocation(invID)

	// teardown must run even when ctx is already cancelled
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.WithoutCancel(ctx), removeInvocationTimeout)
		defer rmCancel()
		if _, err := cluster.NewRequest[hub.RemoveInvocation, hub.RemovedInvocation](inv).
			Request(rmCtx, hub.RemoveInvocation{}); err != nil {
			m.log.Warn("invocation teardown failed", "invocation_id", invID, "error", err)
		}
	}()

	msg := hub.InvocationMessage{InvocationID: invID, Target: target, Args: args}
	lc := m.localConn(connID)
	if lc != nil {
		if err := lc.conn.Write(ctx, msg); err != nil {
			return nil, fmt.Errorf("write invocation: %w", err)
		}
	} else {
		res, err := cluster.NewRequest[hub.SendConnection, hub.SendResult](m.connections()).
			Request(ctx, hub.SendConnection{ConnectionID: connID, Message: msg})
		if err != nil {
			return nil, err
		}
		if !res.Delivered {
			return nil, ErrConnectionNotFound
		}
	}

	var aborted <-chan struct{}
	if lc != nil {
		aborted = lc.conn.Context().Done()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-aborted:
		return nil, ErrConnectionAborted
	case c := <-results:
		if !c.Success {
			return nil, fmt.Errorf("invocation failed: %s", c.Error)
		}
		return c.Result, nil
	}
}

// DeliverResult forwards a completion received from the local connection
// connID to the invocation actor named by its correlation ID. Mismatched
// completions are dropped by the actor, never surfaced here.
func (m *Manager) DeliverResult(ctx context.Context, connID string, completion hub.CompletionMessage) error {
	completion.ConnectionID = connID
	return m.invocation(completion.InvocationID).Notify(ctx, hub.TryCompleteResult{
		ConnectionID: connID,
		Completion:   completion,
	})
}

// ReturnType looks up the expected result type of a pending invocation so
// the transport can deserialize an inbound completion payload.
func (m *Manager) ReturnType(ctx context.Context, invocationID string) (string, bool, error) {
	res, err := cluster.NewRequest[hub.TryGetReturnType, hub.ReturnTypeResult](m.invocation(invocationID)).
		Request(ctx, hub.TryGetReturnType{})
	if err != nil {
		return "", false, err
	}
	return res.Type, res.Found, nil
}

// === liveness ===

func (m *Manager) heartbeatLoop() {
	tmr := time.NewTicker(m.heartbeat)
	defer tmr.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-tmr.C:
			m.pingAll()
		}
	}
}

// pingAll refreshes this server's observers with every user and group
// actor its local connections participate in, and with the invocation
// actors of calls still awaiting a completion.
func (m *Manager) pingAll() {
	m.mu.RLock()
	locals := make([]*localConn, 0, len(m.local))
	for _, lc := range m.local {
		locals = append(locals, lc)
	}
	m.mu.RUnlock()

	m.invMu.Lock()
	pending := make(map[string]observer.Ref, len(m.pending))
	for id, ref := range m.pending {
		pending[id] = ref
	}
	m.invMu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.heartbeat)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPings)
	for _, lc := range locals {
		connID := lc.conn.ConnectionID()
		ping := hub.FanoutPing{Observer: m.connectionRef(connID)}

		if user := lc.conn.UserIdentifier(); user != "" {
			g.Go(func() error {
				if err := m.user(user).Notify(gctx, ping); err != nil {
					m.log.Warn("user ping failed", "connection_id", connID, "error", err)
				}
				return nil
			})
		}
		for _, name := range lc.groupSnapshot() {
			g.Go(func() error {
				if err := m.group(name).Notify(gctx, ping); err != nil {
					m.log.Warn("group ping failed", "connection_id", connID, "group", name, "error", err)
				}
				return nil
			})
		}
	}
	for id, ref := range pending {
		ping := hub.FanoutPing{Observer: ref}
		g.Go(func() error {
			if err := m.invocation(id).Notify(gctx, ping); err != nil {
				m.log.Warn("invocation ping failed", "invocation_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// === helpers ===

func (m *Manager) msg(target string, args []json.RawMessage) hub.InvocationMessage {
	return hub.InvocationMessage{Target: target, Args: args}
}

func (m *Manager) connectionRef(connID string) observer.Ref {
	return observer.Ref{
		Channel:      hub.ConnectionChannel(m.hub, connID),
		ConnectionID: connID,
	}
}

func (m *Manager) trackInvocation(invID string, ref observer.Ref) {
	m.invMu.Lock()
	defer m.invMu.Unlock()
	m.pending[invID] = ref
}

func (m *Manager) untrackInvocation(invID string) {
	m.invMu.Lock()
	defer m.invMu.Unlock()
	delete(m.pending, invID)
}

func (m *Manager) localConn(connID string) *localConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local[connID]
}

func (m *Manager) connections() *cluster.ScopedClient {
	return m.client.Key(hub.ConnectionDirectoryKey(m.hub))
}

func (m *Manager) groupDirectory() *cluster.ScopedClient {
	return m.client.Key(hub.GroupDirectoryKey(m.hub))
}

func (m *Manager) user(userID string) *cluster.ScopedClient {
	return m.client.Key(hub.UserKey(m.hub, userID))
}

func (m *Manager) group(name string) *cluster.ScopedClient {
	return m.client.Key(hub.GroupKey(m.hub, name))
}

func (m *Manager) invocation(invocationID string) *cluster.ScopedClient {
	return m.client.Key(hub.InvocationKey(m.hub, invocationID))
}
