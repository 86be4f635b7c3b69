package rtstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// wire op codes for the realtime store protocol.
const (
	opSet          = "set"
	opDelete       = "delete"
	opOnDisconnect = "ondisconnect"
	opSubscribe    = "subscribe"
	opUnsubscribe  = "unsubscribe"
	opUpdate       = "update"
)

type wsOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// WS is the websocket-backed realtime store client.
type WS struct {
	url    string
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[int]*wsSub
	caches map[string]map[string]json.RawMessage // known children per subscribed prefix
	next   int
	cancel context.CancelFunc
}

type wsSub struct {
	prefix string
	fn     UpdateFunc
}

// NewWS creates a realtime store client for the given websocket URL.
func NewWS(url string, logger *zap.Logger) *WS {
	return &WS{
		url:    url,
		logger: logger,
		subs:   make(map[int]*wsSub),
		caches: make(map[string]map[string]json.RawMessage),
	}
}

// Connect dials the realtime endpoint and starts the read loop.
func (w *WS) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, w.url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return fmt.Errorf("dial realtime store: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	w.conn = conn
	w.cancel = cancel
	w.mu.Unlock()

	w.logger.Info("realtime store connected", zap.String("url", w.url))
	go w.readLoop(readCtx, conn)
	return nil
}

// Disconnect closes the connection. The server then applies any
// registered on-disconnect writes.
func (w *WS) Disconnect() {
	w.mu.Lock()
	conn := w.conn
	cancel := w.cancel
	w.conn = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (w *WS) write(ctx context.Context, op wsOp) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime store not connected")
	}
	if err := wsjson.Write(ctx, conn, op); err != nil {
		return fmt.Errorf("write %s op: %w", op.Op, err)
	}
	return nil
}

// Set implements Store.
func (w *WS) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return w.write(ctx, wsOp{Op: opSet, Path: path, Value: raw})
}

// Delete implements Store.
func (w *WS) Delete(ctx context.Context, path string) error {
	return w.write(ctx, wsOp{Op: opDelete, Path: path})
}

// OnDisconnectSet implements Store.
func (w *WS) OnDisconnectSet(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return w.write(ctx, wsOp{Op: opOnDisconnect, Path: path, Value: raw})
}

// Subscribe implements Store. The wire subscription is shared per prefix:
// the first subscriber sends the subscribe op and receives the server's
// replay through the read loop; every later subscriber is replayed the
// prefix's known children synchronously from the shared cache before
// Subscribe returns.
func (w *WS) Subscribe(path string, fn UpdateFunc) (func(), error) {
	prefix := strings.TrimSuffix(path, "/") + "/"

	type kv struct {
		key string
		raw json.RawMessage
	}

	w.mu.Lock()
	id := w.next
	w.next++
	w.subs[id] = &wsSub{prefix: prefix, fn: fn}
	first := w.countSubs(prefix) == 1
	var replay []kv
	if first {
		w.caches[prefix] = make(map[string]json.RawMessage)
	} else {
		for k, raw := range w.caches[prefix] {
			replay = append(replay, kv{key: k, raw: raw})
		}
	}
	w.mu.Unlock()

	for _, e := range replay {
		fn(e.key, e.raw)
	}

	if first {
		if err := w.write(context.Background(), wsOp{Op: opSubscribe, Path: path}); err != nil {
			w.mu.Lock()
			delete(w.subs, id)
			delete(w.caches, prefix)
			w.mu.Unlock()
			return nil, err
		}
	}

	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		last := w.countSubs(prefix) == 0
		if last {
			delete(w.caches, prefix)
		}
		w.mu.Unlock()
		if last {
			_ = w.write(context.Background(), wsOp{Op: opUnsubscribe, Path: path})
		}
	}, nil
}

// countSubs must be called with mu held.
func (w *WS) countSubs(prefix string) int {
	n := 0
	for _, s := range w.subs {
		if s.prefix == prefix {
			n++
		}
	}
	return n
}

func (w *WS) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var op wsOp
		if err := wsjson.Read(ctx, conn, &op); err != nil {
			w.mu.Lock()
			if w.conn == conn {
				w.conn = nil
			}
			w.mu.Unlock()
			if ctx.Err() == nil {
				w.logger.Warn("realtime store disconnected", zap.Error(err))
			}
			return
		}
		if op.Op != opUpdate {
			continue
		}
		w.dispatch(op.Path, op.Value)
	}
}

func (w *WS) dispatch(path string, value json.RawMessage) {
	w.mu.Lock()
	type target struct {
		fn  UpdateFunc
		key string
	}
	var targets []target
	for prefix, cache := range w.caches {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		key := strings.TrimPrefix(path, prefix)
		if value == nil {
			delete(cache, key)
		} else {
			cache[key] = value
		}
	}
	for _, s := range w.subs {
		if strings.HasPrefix(path, s.prefix) {
			targets = append(targets, target{fn: s.fn, key: strings.TrimPrefix(path, s.prefix)})
		}
	}
	w.mu.Unlock()

	for _, tg := range targets {
		tg.fn(tg.key, value)
	}
}
