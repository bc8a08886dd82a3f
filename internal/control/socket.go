// Package control provides a Unix socket server for CLI-to-daemon communication.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/larderhq/larder/internal/cache"
	"github.com/larderhq/larder/internal/store"
)

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	return "/var/run/larder.sock"
}

// Request types for control commands.
const (
	CmdCacheFetch    = "cache.fetch"
	CmdCacheAsset    = "cache.asset"
	CmdCacheClear    = "cache.clear"
	CmdCacheClearAll = "cache.clearAll"
	CmdStoreGet      = "store.get"
	CmdStoreSet      = "store.set"
	CmdStoreRemove   = "store.remove"
	CmdQueueList     = "queue.list"
	CmdOnline        = "online"
	CmdStatus        = "status"
)

// Timeouts for control socket operations.
const (
	// SocketDialTimeout is the timeout for connecting to the control socket.
	SocketDialTimeout = 5 * time.Second
	// SocketReadWriteTimeout is the timeout for reading/writing on the socket.
	SocketReadWriteTimeout = 5 * time.Second
	// FetchCommandTimeout covers commands that may ride out the full retry
	// budget or an offline queue replay before answering.
	FetchCommandTimeout = 2 * time.Minute
)

// commandTimeout returns the handling deadline for a command.
func commandTimeout(command string) time.Duration {
	switch command {
	case CmdCacheFetch, CmdCacheAsset, CmdOnline:
		return FetchCommandTimeout
	default:
		return SocketReadWriteTimeout
	}
}

// Request is a control command from the CLI.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a response to a control command.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// FetchRequest is the payload for cache.fetch and cache.asset commands.
type FetchRequest struct {
	Path string `json:"path"`
	Base string `json:"base,omitempty"` // origin file tree, cache.fetch only
	TTL  int64  `json:"ttl,omitempty"`  // seconds, cache.fetch only
}

// ClearRequest is the payload for cache.clear.
type ClearRequest struct {
	Path string `json:"path"`
}

// ClearAllResponse is the response for cache.clearAll.
type ClearAllResponse struct {
	Removed int `json:"removed"`
}

// KeyRequest is the payload for store.get and store.remove.
type KeyRequest struct {
	Key string `json:"key"`
}

// SetRequest is the payload for store.set.
type SetRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// GetResponse is the response for store.get.
type GetResponse struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}

// QueueListResponse is the response for queue.list.
type QueueListResponse struct {
	Queue []cache.QueuedFetch `json:"queue"`
}

// OnlineRequest is the payload for online.
type OnlineRequest struct {
	Online bool `json:"online"`
}

// StatusResponse is the response for status.
type StatusResponse struct {
	Version    string `json:"version"`
	Online     bool   `json:"online"`
	Entries    int    `json:"entries"`
	QueueDepth int    `json:"queueDepth"`
	StorePath  string `json:"storePath"`
	StoreKeys  int    `json:"storeKeys"`
}

// Server is a Unix socket control server.
type Server struct {
	socketPath string
	cache      *cache.Cache
	store      *store.Store
	version    string
	listener   net.Listener
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServer creates a new control server over the daemon's cache and store.
func NewServer(socketPath string, c *cache.Cache, st *store.Store, version string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		cache:      c,
		store:      st,
		version:    version,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening on the control socket.
func (s *Server) Start() error {
	// Ensure parent directory exists
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Restrict socket permissions
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	log.Info().Str("path", s.socketPath).Msg("control socket listening")

	go s.acceptLoop()
	return nil
}

// Stop closes the control server.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("control socket accept error")
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// Set read deadline
	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	// Read request
	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		s.sendError(conn, fmt.Errorf("decode request: %w", err))
		return
	}

	// Fetching commands can legitimately outlive the socket default.
	_ = conn.SetDeadline(time.Now().Add(commandTimeout(req.Command)))

	// Handle command
	resp := s.handleCommand(req)

	// Send response
	encoder := json.NewEncoder(conn)
	_ = encoder.Encode(resp)
}

func (s *Server) handleCommand(req Request) Response {
	switch req.Command {
	case CmdCacheFetch:
		return s.handleFetch(req.Payload)
	case CmdCacheAsset:
		return s.handleAsset(req.Payload)
	case CmdCacheClear:
		return s.handleClear(req.Payload)
	case CmdCacheClearAll:
		return s.handleClearAll()
	case CmdStoreGet:
		return s.handleStoreGet(req.Payload)
	case CmdStoreSet:
		return s.handleStoreSet(req.Payload)
	case CmdStoreRemove:
		return s.handleStoreRemove(req.Payload)
	case CmdQueueList:
		return s.handleQueueList()
	case CmdOnline:
		return s.handleOnline(req.Payload)
	case CmdStatus:
		return s.handleStatus()
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (s *Server) handleFetch(payload json.RawMessage) Response {
	var req FetchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}
	if req.Path == "" {
		return Response{Success: false, Error: "path is required"}
	}

	entry, err := s.cache.Fetch(s.ctx, req.Path, req.Base, time.Duration(req.TTL)*time.Second)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return dataResponse(entry)
}

func (s *Server) handleAsset(payload json.RawMessage) Response {
	var req FetchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}
	if req.Path == "" {
		return Response{Success: false, Error: "path is required"}
	}

	entry, err := s.cache.FetchAsset(s.ctx, req.Path)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return dataResponse(entry)
}

func (s *Server) handleClear(payload json.RawMessage) Response {
	var req ClearRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}
	if req.Path == "" {
		return Response{Success: false, Error: "path is required"}
	}

	if err := s.cache.Clear(req.Path); err != nil {
		return Response{Success: false, Error: err.Error()}
	}

	log.Info().Str("path", req.Path).Msg("cache entry cleared via control socket")
	return Response{Success: true}
}

func (s *Server) handleClearAll() Response {
	removed, err := s.cache.ClearAll()
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return dataResponse(ClearAllResponse{Removed: removed})
}

func (s *Server) handleStoreGet(payload json.RawMessage) Response {
	var req KeyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}
	if req.Key == "" {
		return Response{Success: false, Error: "key is required"}
	}

	value, found := s.store.GetRaw(req.Key)
	return dataResponse(GetResponse{Found: found, Value: value})
}

func (s *Server) handleStoreSet(payload json.RawMessage) Response {
	var req SetRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}
	if req.Key == "" {
		return Response{Success: false, Error: "key is required"}
	}
	if len(req.Value) == 0 {
		return Response{Success: false, Error: "value is required"}
	}

	if err := s.store.SetRaw(req.Key, req.Value); err != nil {
		return Response{Success: false, Error: err.Error()}
	}

	log.Info().Str("key", req.Key).Msg("store value set via control socket")
	return Response{Success: true}
}

func (s *Server) handleStoreRemove(payload json.RawMessage) Response {
	var req KeyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}
	if req.Key == "" {
		return Response{Success: false, Error: "key is required"}
	}

	if err := s.store.Remove(req.Key); err != nil {
		return Response{Success: false, Error: err.Error()}
	}

	log.Info().Str("key", req.Key).Msg("store value removed via control socket")
	return Response{Success: true}
}

func (s *Server) handleQueueList() Response {
	return dataResponse(QueueListResponse{Queue: s.cache.Queue()})
}

func (s *Server) handleOnline(payload json.RawMessage) Response {
	var req OnlineRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}

	// The replay drain runs synchronously; the reply confirms it finished.
	s.cache.SetOnline(s.ctx, req.Online)

	log.Info().Bool("online", req.Online).Msg("connectivity set via control socket")
	return Response{Success: true}
}

func (s *Server) handleStatus() Response {
	st := s.cache.Status()
	return dataResponse(StatusResponse{
		Version:    s.version,
		Online:     st.Online,
		Entries:    st.Entries,
		QueueDepth: st.QueueDepth,
		StorePath:  st.StorePath,
		StoreKeys:  s.store.Len(),
	})
}

func dataResponse(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("marshal response: %v", err)}
	}
	return Response{Success: true, Data: data}
}

func (s *Server) sendError(conn net.Conn, err error) {
	resp := Response{Success: false, Error: err.Error()}
	_ = json.NewEncoder(conn).Encode(resp)
}

// Client is a control socket client for CLI commands.
type Client struct {
	socketPath string
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send sends a request and returns the response.
func (c *Client) Send(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, SocketDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(commandTimeout(req.Command)))

	// Send request
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	// Read response
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}

// send issues a request and decodes the data document into out when the
// command succeeded. A nil out discards the data.
func (c *Client) send(command string, payload, out any) error {
	req := Request{Command: command}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		req.Payload = data
	}

	resp, err := c.Send(req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// Fetch retrieves a page through the daemon's cache.
func (c *Client) Fetch(path, base string, ttl time.Duration) (*cache.Entry, error) {
	var entry cache.Entry
	err := c.send(CmdCacheFetch, FetchRequest{
		Path: path,
		Base: base,
		TTL:  int64(ttl / time.Second),
	}, &entry)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FetchAsset retrieves an asset through the daemon's cache.
func (c *Client) FetchAsset(path string) (*cache.Entry, error) {
	var entry cache.Entry
	if err := c.send(CmdCacheAsset, FetchRequest{Path: path}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Clear removes one cached entry.
func (c *Client) Clear(path string) error {
	return c.send(CmdCacheClear, ClearRequest{Path: path}, nil)
}

// ClearAll removes every cached entry and reports how many were removed.
func (c *Client) ClearAll() (int, error) {
	var resp ClearAllResponse
	if err := c.send(CmdCacheClearAll, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// StoreGet reads a raw store value.
func (c *Client) StoreGet(key string) (json.RawMessage, bool, error) {
	var resp GetResponse
	if err := c.send(CmdStoreGet, KeyRequest{Key: key}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

// StoreSet writes a raw JSON store value.
func (c *Client) StoreSet(key string, value json.RawMessage) error {
	return c.send(CmdStoreSet, SetRequest{Key: key, Value: value}, nil)
}

// StoreRemove deletes a store value.
func (c *Client) StoreRemove(key string) error {
	return c.send(CmdStoreRemove, KeyRequest{Key: key}, nil)
}

// QueueList returns the daemon's offline queue.
func (c *Client) QueueList() ([]cache.QueuedFetch, error) {
	var resp QueueListResponse
	if err := c.send(CmdQueueList, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queue, nil
}

// SetOnline tells the daemon about a connectivity change. Going online
// blocks until the queued fetch replay completes.
func (c *Client) SetOnline(online bool) error {
	return c.send(CmdOnline, OnlineRequest{Online: online}, nil)
}

// Status returns the daemon status document.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.send(CmdStatus, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
