// Package rpcapi is the node's JSON-RPC-style HTTP transport: one POST
// endpoint dispatching by method name, plus a websocket feed of newly
// published entries.
package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/banyannet/bamboo-node/pkg/entry"
	"github.com/banyannet/bamboo-node/pkg/logging"
	"github.com/banyannet/bamboo-node/pkg/logstore"
)

// QueueFunc admits a verified-or-not signed entry into the node's
// processing pipeline. rpcapi never verifies or stores entries itself;
// it only validates the envelope and hands the entry to the pipeline.
type QueueFunc func(entry.Signed)

// Server is the JSON-RPC-style HTTP surface.
type Server struct {
	router *mux.Router
	store  *logstore.Store
	queue  QueueFunc

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan entry.Signed
}

// NewServer builds a Server backed by store (for read-only queries) and
// queue (for admitting freshly published entries into the pipeline).
func NewServer(store *logstore.Store, queue QueueFunc) *Server {
	s := &Server{
		store: store,
		queue: queue,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan entry.Signed),
	}

	router := mux.NewRouter()
	router.HandleFunc("/rpc", s.handleRPC).Methods("POST")
	router.HandleFunc("/rpc/subscribe", s.handleSubscribe).Methods("GET")
	s.router = router

	return s
}

// Router returns the http.Handler this server installs its routes on,
// for embedding in an *http.Server.
func (s *Server) Router() http.Handler { return s.router }

// Notify pushes a newly published entry to every subscribed websocket
// client. Called by the pipeline once an entry has actually been stored.
func (s *Server) Notify(e entry.Signed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.clients {
		select {
		case ch <- e:
		default:
			logging.Warn("rpcapi: subscriber lagging, dropping notification", nil)
		}
	}
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case "bamboo_publishEntry":
		result, err = s.publishEntry(req.Params)
	case "bamboo_getEntryArgs":
		result, err = s.getEntryArgs(r.Context(), req.Params)
	case "bamboo_queryEntries":
		result, err = s.queryEntries(r.Context(), req.Params)
	default:
		err = fmt.Errorf("unknown method %q", req.Method)
	}

	if err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{Result: result})
}

type publishEntryParams struct {
	Entry entry.Signed `json:"entry"`
}

type publishEntryResult struct {
	Hash string `json:"hash"`
}

// publishEntry validates the request envelope and queues the entry for
// asynchronous verification and storage; it never calls entry.Verify or
// logstore directly; see pipeline's "verify" pool for the work itself.
func (s *Server) publishEntry(raw json.RawMessage) (interface{}, error) {
	var params publishEntryParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if len(params.Entry.Signature) == 0 {
		return nil, fmt.Errorf("entry is missing a signature")
	}

	s.queue(params.Entry)

	return publishEntryResult{Hash: params.Entry.Hash.String()}, nil
}

type getEntryArgsParams struct {
	Author string `json:"author"`
	LogID  uint64 `json:"logId"`
}

type getEntryArgsResult struct {
	SeqNum   uint64  `json:"seqNum"`
	Backlink *string `json:"backlink,omitempty"`
	Skiplink *string `json:"skiplink,omitempty"`
}

// getEntryArgs returns the backlink/skiplink/seq-num an author needs to
// construct their next entry.
func (s *Server) getEntryArgs(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params getEntryArgsParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	latest, err := s.store.LatestEntry(ctx, params.Author, params.LogID)
	if err == logstore.ErrEntryNotFound {
		return getEntryArgsResult{SeqNum: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup latest entry: %w", err)
	}

	nextSeq := latest.Entry.SeqNum + 1
	result := getEntryArgsResult{SeqNum: nextSeq}

	backlinkHash := latest.Hash.String()
	result.Backlink = &backlinkHash

	if entry.RequiresSkiplink(nextSeq) {
		skiplinkSeq := entry.SkiplinkSeqNum(nextSeq)
		skiplinkEntry, err := s.store.EntryAtSeqNum(ctx, params.Author, params.LogID, skiplinkSeq)
		if err != nil {
			return nil, fmt.Errorf("lookup skiplink entry at seq %d: %w", skiplinkSeq, err)
		}
		skiplinkHash := skiplinkEntry.Hash.String()
		result.Skiplink = &skiplinkHash
	}

	return result, nil
}

type queryEntriesParams struct {
	Author string `json:"author"`
	LogID  uint64 `json:"logId"`
}

type queryEntriesResult struct {
	Entries []entry.Signed `json:"entries"`
}

// queryEntries returns the full entry range for an author's log.
func (s *Server) queryEntries(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params queryEntriesParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	var entries []entry.Signed
	for seq := uint64(1); ; seq++ {
		e, err := s.store.EntryAtSeqNum(ctx, params.Author, params.LogID, seq)
		if err == logstore.ErrEntryNotFound {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("lookup entry at seq %d: %w", seq, err)
		}
		entries = append(entries, e)
	}

	return queryEntriesResult{Entries: entries}, nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("rpcapi: websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	ch := make(chan entry.Signed, 32)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	// Drain (and ignore) anything the client sends; a read error is how we
	// learn the client went away, which unblocks the write loop below by
	// closing its channel.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mu.Lock()
				if live, ok := s.clients[conn]; ok {
					delete(s.clients, conn)
					close(live)
				}
				s.mu.Unlock()
				return
			}
		}
	}()

	for e := range ch {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
