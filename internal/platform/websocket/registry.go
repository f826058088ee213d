// Package websocket holds the in-memory connection registry shared by every
// real-time transport, and the gorilla/websocket socket adapter.
package websocket

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSocketClosed   = errors.New("socket closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Socket is the write side of one live connection. Send must not block.
type Socket interface {
	Send(payload []byte) error
	Close() error
}

const shardCount = 32

type bucketShard struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Socket // conversation -> client -> socket
}

type clientEntry struct {
	conversation string
	socket       Socket
}

type clientShard struct {
	mu      sync.RWMutex
	clients map[string]clientEntry
}

// Registry multiplexes live connections by conversation id. Buckets are
// partitioned across shards by conversation id so unrelated conversations
// never contend on one lock. A Registry is created at process start and
// closed at shutdown; nothing in it is persisted.
type Registry struct {
	logger  zerolog.Logger
	buckets [shardCount]bucketShard
	clients [shardCount]clientShard
}

func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{logger: logger.With().Str("component", "registry").Logger()}
	for i := range r.buckets {
		r.buckets[i].buckets = make(map[string]map[string]Socket)
		r.clients[i].clients = make(map[string]clientEntry)
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Connect registers socket under conversationID and returns a fresh client id.
func (r *Registry) Connect(socket Socket, conversationID string) string {
	clientID := uuid.NewString()

	bs := &r.buckets[shardOf(conversationID)]
	bs.mu.Lock()
	bucket, ok := bs.buckets[conversationID]
	if !ok {
		bucket = make(map[string]Socket)
		bs.buckets[conversationID] = bucket
	}
	bucket[clientID] = socket
	size := len(bucket)
	bs.mu.Unlock()

	cs := &r.clients[shardOf(clientID)]
	cs.mu.Lock()
	cs.clients[clientID] = clientEntry{conversation: conversationID, socket: socket}
	cs.mu.Unlock()

	r.logger.Debug().
		Str("conversation_id", conversationID).
		Str("client_id", clientID).
		Int("bucket_size", size).
		Msg("client connected")
	return clientID
}

// Disconnect removes the client and drops its bucket once empty. It reports
// whether the client was registered; an unknown id is logged and ignored.
func (r *Registry) Disconnect(clientID string) bool {
	cs := &r.clients[shardOf(clientID)]
	cs.mu.Lock()
	entry, ok := cs.clients[clientID]
	delete(cs.clients, clientID)
	cs.mu.Unlock()

	if !ok {
		r.logger.Warn().Str("client_id", clientID).Msg("disconnect for unknown client")
		return false
	}

	bs := &r.buckets[shardOf(entry.conversation)]
	bs.mu.Lock()
	if bucket, ok := bs.buckets[entry.conversation]; ok {
		delete(bucket, clientID)
		if len(bucket) == 0 {
			delete(bs.buckets, entry.conversation)
		}
	}
	bs.mu.Unlock()

	r.logger.Debug().
		Str("conversation_id", entry.conversation).
		Str("client_id", clientID).
		Msg("client disconnected")
	return true
}

// Send delivers payload to clientID when it is non-empty, otherwise to every
// client in the conversation. payload is marshaled to JSON unless it is
// already []byte or json.RawMessage. Delivery is at-most-once: sockets that
// fail or are gone are logged and skipped. It returns the number of sockets
// that accepted the payload.
func (r *Registry) Send(payload interface{}, conversationID, clientID string) int {
	data, err := encode(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("encode payload")
		return 0
	}

	targets := r.targets(conversationID, clientID)
	if clientID != "" && len(targets) == 0 {
		r.logger.Warn().
			Str("conversation_id", conversationID).
			Str("client_id", clientID).
			Msg("unicast to client that is no longer registered")
		return 0
	}

	delivered := 0
	for id, s := range targets {
		if err := s.Send(data); err != nil {
			r.logger.Debug().Err(err).
				Str("conversation_id", conversationID).
				Str("client_id", id).
				Msg("send skipped")
			continue
		}
		delivered++
	}
	return delivered
}

// targets snapshots the sockets to write so no lock is held during writes.
func (r *Registry) targets(conversationID, clientID string) map[string]Socket {
	bs := &r.buckets[shardOf(conversationID)]
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	bucket := bs.buckets[conversationID]
	if clientID != "" {
		if s, ok := bucket[clientID]; ok {
			return map[string]Socket{clientID: s}
		}
		return nil
	}
	out := make(map[string]Socket, len(bucket))
	for id, s := range bucket {
		out[id] = s
	}
	return out
}

func encode(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// ListClients returns a snapshot of the client ids in a conversation.
func (r *Registry) ListClients(conversationID string) []string {
	bs := &r.buckets[shardOf(conversationID)]
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	bucket := bs.buckets[conversationID]
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	return ids
}

// Has reports whether clientID is still registered.
func (r *Registry) Has(clientID string) bool {
	cs := &r.clients[shardOf(clientID)]
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.clients[clientID]
	return ok
}

// Conversations returns the number of non-empty buckets.
func (r *Registry) Conversations() int {
	n := 0
	for i := range r.buckets {
		bs := &r.buckets[i]
		bs.mu.RLock()
		n += len(bs.buckets)
		bs.mu.RUnlock()
	}
	return n
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	n := 0
	for i := range r.clients {
		cs := &r.clients[i]
		cs.mu.RLock()
		n += len(cs.clients)
		cs.mu.RUnlock()
	}
	return n
}

// Close empties the registry and closes every socket it held.
func (r *Registry) Close() {
	var sockets []Socket
	for i := range r.clients {
		cs := &r.clients[i]
		cs.mu.Lock()
		for _, e := range cs.clients {
			sockets = append(sockets, e.socket)
		}
		cs.clients = make(map[string]clientEntry)
		cs.mu.Unlock()

		bs := &r.buckets[i]
		bs.mu.Lock()
		bs.buckets = make(map[string]map[string]Socket)
		bs.mu.Unlock()
	}
	for _, s := range sockets {
		s.Close()
	}
	r.logger.Info().Int("closed", len(sockets)).Msg("registry closed")
}
