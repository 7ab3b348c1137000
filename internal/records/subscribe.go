package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/recbase-io/recbase/internal/auth"
	"github.com/recbase-io/recbase/internal/db"
	"github.com/recbase-io/recbase/internal/schema"
)

// DbEvent is the wire form of one change notification. Exactly one field
// is set.
type DbEvent struct {
	Insert map[string]any `json:"Insert,omitempty"`
	Update map[string]any `json:"Update,omitempty"`
	Delete map[string]any `json:"Delete,omitempty"`
	Error  string         `json:"Error,omitempty"`
}

// subscriptionID is the process-wide monotonic id source. Ids are never
// reused across restarts because subscriptions are ephemeral state.
var subscriptionID atomic.Uint64

// The counter starts from the clock so a restarted process does not hand
// out ids of an earlier run again.
func init() {
	subscriptionID.Store(uint64(time.Now().UnixNano()))
}

// subscriberChannelCapacity bounds each subscriber's event queue. A full
// queue drops events rather than stalling the writer.
const subscriberChannelCapacity = 16

// Subscription is the sender-side state of one subscriber. The closed
// flag is only touched on the writer goroutine.
type Subscription struct {
	id      uint64
	apiName string
	user    *auth.User
	filter  FilterNode
	ch      chan []byte
	closed  bool
}

// Subscriber is the receiver handle returned to the SSE layer.
type Subscriber struct {
	ID      uint64
	manager *SubscriptionManager
	events  chan []byte
	once    sync.Once
}

// Events returns the stream of encoded DbEvent payloads. The channel
// closes when the subscription dies server-side.
func (s *Subscriber) Events() <-chan []byte {
	return s.events
}

// Close tears the subscription down. Removal is scheduled on the writer
// goroutine so it serializes with event brokering; safe to call multiple
// times and after server-side closure.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.manager.scheduleRemoval(s.ID)
	})
}

// tableSubs groups the subscribers of one table: table-wide and per
// rowid.
type tableSubs struct {
	mu     sync.RWMutex
	table  []*Subscription
	record map[int64][]*Subscription
}

func (ts *tableSubs) empty() bool {
	return len(ts.table) == 0 && len(ts.record) == 0
}

// SubscriptionManager tracks subscribers per table on one connection and
// brokers pre-update events to them.
//
// Locking is layered: the outer lock guards the table map, per-table
// locks guard subscriber lists. The pre-update hook peeks under read
// locks and does no allocation unless a subscriber matches.
type SubscriptionManager struct {
	conn     *db.DB
	registry *Registry
	metadata *schema.Cache

	mu     sync.RWMutex
	tables map[string]*tableSubs
	hooked bool
}

// NewSubscriptionManager wires the manager. Descriptors are re-resolved
// by name per delivery; the manager never retains them.
func NewSubscriptionManager(conn *db.DB, registry *Registry, metadata *schema.Cache) *SubscriptionManager {
	return &SubscriptionManager{
		conn:     conn,
		registry: registry,
		metadata: metadata,
		tables:   make(map[string]*tableSubs),
	}
}

// NumTableSubscriptions counts live table-wide subscribers (test
// accessor).
func (m *SubscriptionManager) NumTableSubscriptions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ts := range m.tables {
		ts.mu.RLock()
		n += len(ts.table)
		ts.mu.RUnlock()
	}
	return n
}

// NumRecordSubscriptions counts live per-record subscribers (test
// accessor).
func (m *SubscriptionManager) NumRecordSubscriptions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ts := range m.tables {
		ts.mu.RLock()
		for _, subs := range ts.record {
			n += len(subs)
		}
		ts.mu.RUnlock()
	}
	return n
}

// SubscribeTable registers a table-wide subscriber after the table-level
// read gate. An optional filter tree restricts delivered events.
func (m *SubscriptionManager) SubscribeTable(ctx context.Context, api *API, user *auth.User, filter FilterNode) (*Subscriber, error) {
	if !api.SubscriptionsEnabled() {
		return nil, ErrForbidden
	}
	if err := api.CheckTableLevelAccess(PermissionRead, user); err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:      subscriptionID.Add(1),
		apiName: api.Name(),
		user:    user,
		filter:  filter,
		ch:      make(chan []byte, subscriberChannelCapacity),
	}
	if err := m.add(api.TableName().Key(), sub, nil); err != nil {
		return nil, err
	}
	return &Subscriber{ID: sub.id, manager: m, events: sub.ch}, nil
}

// SubscribeRecord registers a subscriber for a single record after a full
// record-level read check against the current row.
func (m *SubscriptionManager) SubscribeRecord(ctx context.Context, api *API, user *auth.User, recordID any) (*Subscriber, error) {
	if !api.SubscriptionsEnabled() {
		return nil, ErrForbidden
	}
	if err := api.CheckRecordAccess(ctx, m.conn, PermissionRead, recordID, nil, user); err != nil {
		return nil, err
	}

	rowid, err := m.resolveRowid(ctx, api, recordID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:      subscriptionID.Add(1),
		apiName: api.Name(),
		user:    user,
		ch:      make(chan []byte, subscriberChannelCapacity),
	}
	if err := m.add(api.TableName().Key(), sub, &rowid); err != nil {
		return nil, err
	}
	return &Subscriber{ID: sub.id, manager: m, events: sub.ch}, nil
}

// resolveRowid maps a record id to the table rowid used as the map key.
func (m *SubscriptionManager) resolveRowid(ctx context.Context, api *API, recordID any) (int64, error) {
	query := fmt.Sprintf(`SELECT _rowid_ FROM %s WHERE %s = :__record_id`,
		api.escapedName, quoteIdentifier(api.pkColumn.Name))
	var rowid int64
	err := m.conn.Read().QueryRowContext(ctx, query, sql.Named("__record_id", recordID)).Scan(&rowid)
	if err != nil {
		return 0, mapSQLError(err, "resolve record")
	}
	return rowid, nil
}

// add inserts a subscription and installs the pre-update hook when it is
// the connection's first.
func (m *SubscriptionManager) add(tableKey string, sub *Subscription, rowid *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.tables[tableKey]
	if !ok {
		ts = &tableSubs{record: make(map[int64][]*Subscription)}
		m.tables[tableKey] = ts
	}

	ts.mu.Lock()
	if rowid != nil {
		ts.record[*rowid] = append(ts.record[*rowid], sub)
	} else {
		ts.table = append(ts.table, sub)
	}
	ts.mu.Unlock()

	if !m.hooked {
		if err := m.conn.SetPreUpdateHook(m.hook); err != nil {
			return Internal("failed to install pre-update hook", err)
		}
		m.hooked = true
		log.Debug().Msg("Installed pre-update hook")
	}
	return nil
}

// scheduleRemoval enqueues subscriber removal on the writer goroutine so
// it cannot race event brokering.
func (m *SubscriptionManager) scheduleRemoval(id uint64) {
	m.conn.Defer(func(conn *sql.Conn) {
		m.remove(id)
	})
}

// remove deletes a subscription wherever it lives, dropping empty buckets
// and uninstalling the hook when the last subscriber departs. Runs on the
// writer goroutine.
func (m *SubscriptionManager) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, ts := range m.tables {
		ts.mu.Lock()
		ts.table = removeSub(ts.table, id)
		for rowid, subs := range ts.record {
			subs = removeSub(subs, id)
			if len(subs) == 0 {
				delete(ts.record, rowid)
			} else {
				ts.record[rowid] = subs
			}
		}
		empty := ts.empty()
		ts.mu.Unlock()

		if empty {
			delete(m.tables, key)
		}
	}

	m.uninstallHookIfIdleLocked()
}

func removeSub(subs []*Subscription, id uint64) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id == id {
			if !s.closed {
				close(s.ch)
				s.closed = true
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// uninstallHookIfIdleLocked removes the hook when no subscriptions
// remain. Callers hold the outer write lock.
func (m *SubscriptionManager) uninstallHookIfIdleLocked() {
	if !m.hooked || len(m.tables) != 0 {
		return
	}
	if err := m.conn.SetPreUpdateHook(nil); err != nil {
		log.Warn().Err(err).Msg("Failed to uninstall pre-update hook")
		return
	}
	m.hooked = false
	log.Debug().Msg("Uninstalled pre-update hook")
}

// changeEvent is the snapshot taken inside the hook.
type changeEvent struct {
	op       int
	tableKey string
	rowid    int64
	values   []any
}

// hook runs inside statement execution on the writer goroutine. It must
// stay cheap: peek for matching subscribers under read locks, snapshot
// the row image, and defer the heavy lifting past the statement.
func (m *SubscriptionManager) hook(data sqlite3.SQLitePreUpdateData) {
	tableKey := schema.QualifiedName{Schema: data.DatabaseName, Name: data.TableName}.Key()

	rowid := data.NewRowID
	if data.Op == sqlite3.SQLITE_DELETE {
		rowid = data.OldRowID
	}

	m.mu.RLock()
	ts := m.tables[tableKey]
	m.mu.RUnlock()
	if ts == nil {
		return
	}

	ts.mu.RLock()
	interested := len(ts.table) > 0
	if !interested {
		_, interested = ts.record[rowid]
	}
	ts.mu.RUnlock()
	if !interested {
		return
	}

	values := make([]any, data.Count())
	var err error
	if data.Op == sqlite3.SQLITE_DELETE {
		err = data.Old(values...)
	} else {
		err = data.New(values...)
	}
	if err != nil {
		log.Warn().Err(err).Str("table", tableKey).Msg("Failed to snapshot change event")
		return
	}

	ev := changeEvent{op: data.Op, tableKey: tableKey, rowid: rowid, values: values}
	m.conn.Defer(func(conn *sql.Conn) {
		m.broker(conn, ev)
	})
}

// broker delivers one change event. Runs on the writer goroutine after
// the originating statement finished, so access re-checks may query the
// connection freely.
func (m *SubscriptionManager) broker(conn *sql.Conn, ev changeEvent) {
	meta := m.metadata.Snapshot()
	parts := splitKey(ev.tableKey)
	tableMeta := meta.GetTable(schema.QualifiedName{Schema: parts[0], Name: parts[1]})

	m.mu.Lock()
	ts := m.tables[ev.tableKey]
	if ts == nil {
		m.mu.Unlock()
		return
	}
	if tableMeta == nil {
		// The table vanished under a schema change; its subscribers
		// cannot be served anymore.
		ts.mu.Lock()
		for _, sub := range ts.table {
			closeSub(sub)
		}
		for _, subs := range ts.record {
			for _, sub := range subs {
				closeSub(sub)
			}
		}
		ts.mu.Unlock()
		delete(m.tables, ev.tableKey)
		m.uninstallHookIfIdleLocked()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	record := make(map[string]any, len(tableMeta.Table.Columns))
	wire := make(map[string]any, len(tableMeta.Table.Columns))
	for i := range tableMeta.Table.Columns {
		if i >= len(ev.values) {
			break
		}
		name := tableMeta.Table.Columns[i].Name
		record[name] = ev.values[i]
		wire[name] = responseValue(ev.values[i], tableMeta.JSONMeta[i])
	}

	var event DbEvent
	switch ev.op {
	case sqlite3.SQLITE_INSERT:
		event = DbEvent{Insert: wire}
	case sqlite3.SQLITE_UPDATE:
		event = DbEvent{Update: wire}
	case sqlite3.SQLITE_DELETE:
		event = DbEvent{Delete: wire}
	default:
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode change event")
		return
	}

	ts.mu.Lock()
	defer func() {
		empty := ts.empty()
		ts.mu.Unlock()
		if empty {
			m.mu.Lock()
			if cur := m.tables[ev.tableKey]; cur == ts {
				ts.mu.RLock()
				stillEmpty := ts.empty()
				ts.mu.RUnlock()
				if stillEmpty {
					delete(m.tables, ev.tableKey)
					m.uninstallHookIfIdleLocked()
				}
			}
			m.mu.Unlock()
		}
	}()

	ts.table = m.deliverAll(conn, ts.table, record, payload, false)
	if subs, ok := ts.record[ev.rowid]; ok {
		live := m.deliverAll(conn, subs, record, payload, true)
		if ev.op == sqlite3.SQLITE_DELETE || len(live) == 0 {
			// The record is gone (or everyone died); nothing left to
			// observe under this rowid.
			for _, sub := range live {
				closeSub(sub)
			}
			delete(ts.record, ev.rowid)
		} else {
			ts.record[ev.rowid] = live
		}
	}
}

func splitKey(key string) [2]string {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return [2]string{key[:i], key[i+1:]}
		}
	}
	return [2]string{"main", key}
}

func closeSub(sub *Subscription) {
	if !sub.closed {
		close(sub.ch)
		sub.closed = true
	}
}

// deliverAll pushes the event to each live subscriber in insertion order
// and returns the survivors. recordLevel controls the access-denial
// contract: record subscribers get a final Error event and a closed
// channel; table subscribers are silently skipped.
func (m *SubscriptionManager) deliverAll(conn *sql.Conn, subs []*Subscription, record map[string]any, payload []byte, recordLevel bool) []*Subscription {
	live := subs[:0]
	for _, sub := range subs {
		if sub.closed {
			continue
		}

		api, err := m.registry.Lookup(sub.apiName)
		if err != nil {
			// The API was removed from configuration; the stream has
			// no descriptor to enforce, so it ends.
			closeSub(sub)
			continue
		}

		if query := api.SubscriptionReadQuery(); query != "" {
			params := api.SubscriptionAccessParams(record, sub.user)
			if err := runAccessQuery(context.Background(), conn, query, params); err != nil {
				if recordLevel {
					if denied, merr := json.Marshal(DbEvent{Error: "Access denied"}); merr == nil {
						trySend(sub, denied)
					}
					closeSub(sub)
				}
				continue
			}
		}

		if sub.filter != nil && !MatchesRecord(sub.filter, record) {
			live = append(live, sub)
			continue
		}

		trySend(sub, payload)
		live = append(live, sub)
	}
	return live
}

// trySend is the non-blocking push: a full queue drops the event and
// keeps the writer moving.
func trySend(sub *Subscription, payload []byte) {
	select {
	case sub.ch <- payload:
	default:
		log.Warn().Uint64("subscription", sub.id).Msg("Subscriber queue full, dropping event")
	}
}
