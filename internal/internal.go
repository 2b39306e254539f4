// Package internal contains the core logic for click-debounce.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// =============================================================================
// Watcher Limit
// =============================================================================

// MaxWatchers is the global limit on the number of filesystem watchers.
// If this limit is exceeded, creating new watchers will fail with ErrTooManyWatchers.
// This prevents misconfiguration from exhausting OS resources.
const MaxWatchers = 100

// globalWatcherCount tracks the number of active filesystem watchers.
var globalWatcherCount atomic.Int32

// ErrTooManyWatchers is returned when attempting to create a watcher would exceed MaxWatchers.
var ErrTooManyWatchers = errors.New("too many filesystem watchers: limit exceeded")

// WatcherCount returns the current number of active watchers.
func WatcherCount() int32 {
	return globalWatcherCount.Load()
}

// acquireWatcher attempts to increment the watcher count.
// Returns an error if the limit would be exceeded.
func acquireWatcher() error {
	for {
		current := globalWatcherCount.Load()
		if current >= MaxWatchers {
			return ErrTooManyWatchers
		}
		if globalWatcherCount.CompareAndSwap(current, current+1) {
			return nil
		}
	}
}

// releaseWatcher decrements the watcher count.
func releaseWatcher() {
	globalWatcherCount.Add(-1)
}

// =============================================================================
// Socket Path
// =============================================================================

// SocketPathForWorkspace returns the socket path for a given workspace directory.
// The path is /tmp/<path-slug>-click-debounce.sock where path-slug is the
// workspace path with slashes replaced by dashes.
func SocketPathForWorkspace(workspacePath string) (string, error) {
	absPath, err := filepath.Abs(workspacePath)
	if err != nil {
		return "", err
	}

	absPath = filepath.Clean(absPath)
	slug := strings.TrimPrefix(absPath, string(os.PathSeparator))
	slug = strings.ReplaceAll(slug, string(os.PathSeparator), "-")

	return filepath.Join(os.TempDir(), slug+"-click-debounce.sock"), nil
}

// SocketExists checks if a socket file exists at the given path.
func SocketExists(socketPath string) bool {
	_, err := os.Stat(socketPath)
	return err == nil
}

// =============================================================================
// Server
// =============================================================================

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Button     ButtonStatus `json:"button"`
	Dispatched uint64       `json:"dispatched"`
}

// Server is an HTTP server over UDS that accepts clicks and exposes the
// debounced results.
type Server struct {
	socketPath string
	button     *Button
	dispatcher *Dispatcher
	metrics    *Metrics
	log        *zap.Logger
	httpServer *http.Server
	mu         sync.Mutex
	shutdownCh chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new Server. metrics may be nil.
func NewServer(socketPath string, button *Button, dispatcher *Dispatcher, metrics *Metrics, logger *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		button:     button,
		dispatcher: dispatcher,
		metrics:    metrics,
		log:        logger.With(zap.String("component", "server")),
		shutdownCh: make(chan struct{}),
	}
}

// Start begins listening on the Unix socket.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.httpServer = &http.Server{Handler: s.Handler()}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", zap.Error(err))
		}
	}()

	return nil
}

// Handler returns the HTTP routes without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /click", s.handleClick)
	mux.HandleFunc("GET /last", s.handleLast)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /stop", s.handleStop)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Stop gracefully shuts down the server and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	_ = os.Remove(s.socketPath)
	return err
}

// SocketPath returns the path to the Unix socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// ShutdownCh returns a channel that closes when shutdown is requested via HTTP.
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

func (s *Server) handleClick(w http.ResponseWriter, _ *http.Request) {
	if !s.button.Click() {
		http.Error(w, "button is unmounted", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	result, err := s.dispatcher.LatestContext(r.Context())
	if err != nil {
		return
	}

	// Check for format query parameter: ?format=json or ?format=human (default)
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "human"
	}

	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if result.Failed() {
			w.WriteHeader(http.StatusInternalServerError)
		}
		_ = json.NewEncoder(w).Encode(result)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if result.Failed() {
			w.WriteHeader(http.StatusInternalServerError)
		}
		_, _ = w.Write([]byte(FormatHuman(result)))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(StatusResponse{
		Button:     s.button.Status(),
		Dispatched: s.dispatcher.Dispatched(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	s.stopOnce.Do(func() {
		go func() { close(s.shutdownCh) }()
	})
}

// =============================================================================
// Client
// =============================================================================

// ErrButtonUnmounted is returned by Client.Click when the server's button has
// been torn down.
var ErrButtonUnmounted = errors.New("button is unmounted")

// Client communicates with the click-debounce server.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new Client for the given socket path.
func NewClient(socketPath string) *Client {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	return &Client{
		socketPath: socketPath,
		httpClient: httpClient,
	}
}

// IsServerRunning checks if the server is running.
func (c *Client) IsServerRunning() bool {
	return SocketExists(c.socketPath)
}

// SocketPath returns the socket path for this client.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Click sends one click.
func (c *Client) Click(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "http://unix/click")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusGone:
		return ErrButtonUnmounted
	default:
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
}

// Last retrieves the latest dispatch result from the server.
// Blocks while a click is waiting for its debounce window.
// format can be "human" or "json".
// Returns the output, whether the dispatch failed, and any error communicating with server.
func (c *Client) Last(ctx context.Context, format string) (output string, failed bool, err error) {
	url := "http://unix/last"
	if format != "" && format != "human" {
		url = fmt.Sprintf("http://unix/last?format=%s", format)
	}

	resp, err := c.do(ctx, http.MethodGet, url)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, err
	}

	output = string(body)
	failed = resp.StatusCode == http.StatusInternalServerError
	return output, failed, nil
}

// Status retrieves the button status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var status StatusResponse

	resp, err := c.do(ctx, http.MethodGet, "http://unix/status")
	if err != nil {
		return status, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

// Stop requests the server to shut down gracefully via HTTP.
func (c *Client) Stop(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "http://unix/stop")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// =============================================================================
// Watcher
// =============================================================================

// FSWatcher abstracts filesystem watching for testability.
type FSWatcher interface {
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Add(path string, recursive bool) error
	Rescan() error
	Close() error
}

// RealFSWatcher wraps fsnotify.Watcher to implement FSWatcher.
type RealFSWatcher struct {
	watcher *fsnotify.Watcher
	log     *zap.Logger
	paths   []watchedPath // track paths for Rescan
	mu      sync.Mutex
}

type watchedPath struct {
	path      string
	recursive bool
}

// NewRealFSWatcher creates a new RealFSWatcher.
// Returns ErrTooManyWatchers if the global watcher limit would be exceeded.
func NewRealFSWatcher(logger *zap.Logger) (*RealFSWatcher, error) {
	if err := acquireWatcher(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		releaseWatcher()
		return nil, err
	}
	return &RealFSWatcher{watcher: w, log: logger.With(zap.String("component", "fswatcher"))}, nil
}

func (r *RealFSWatcher) Events() <-chan fsnotify.Event {
	return r.watcher.Events
}

func (r *RealFSWatcher) Errors() <-chan error {
	return r.watcher.Errors
}

func (r *RealFSWatcher) Add(path string, recursive bool) error {
	r.mu.Lock()
	r.paths = append(r.paths, watchedPath{path: path, recursive: recursive})
	r.mu.Unlock()

	if recursive {
		return r.addRecursive(path)
	}
	return r.watcher.Add(path)
}

func (r *RealFSWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := r.watcher.Add(path); err != nil {
				r.log.Warn("could not watch directory", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
}

func (r *RealFSWatcher) Rescan() error {
	r.mu.Lock()
	paths := make([]watchedPath, len(r.paths))
	copy(paths, r.paths)
	r.mu.Unlock()

	for _, wp := range paths {
		if wp.recursive {
			if err := r.addRecursive(wp.path); err != nil {
				r.log.Warn("rescan failed", zap.String("path", wp.path), zap.Error(err))
			}
		}
	}
	return nil
}

func (r *RealFSWatcher) Close() error {
	releaseWatcher()
	return r.watcher.Close()
}

// WatcherConfig holds watcher configuration.
type WatcherConfig struct {
	WorkspacePath    string
	RecursiveDirs    []string
	NonRecursiveDirs []string
	// IgnoreExtensions lists file extensions whose events are not clicks.
	IgnoreExtensions []string
}

// Watcher turns filesystem changes into clicks. Debouncing is left to the
// click handler, so a burst of writes becomes one dispatch.
type Watcher struct {
	config    WatcherConfig
	fsWatcher FSWatcher
	onClick   func() bool
	log       *zap.Logger
	ignore    map[string]bool
}

// defaultIgnoredExtensions are editor and lock artifacts.
var defaultIgnoredExtensions = []string{".lock", ".swp", ".swx", ".tmp"}

// NewWatcher creates a new Watcher with the given configuration. onClick is
// called once per relevant filesystem event.
func NewWatcher(config WatcherConfig, onClick func() bool, fsWatcher FSWatcher, logger *zap.Logger) *Watcher {
	exts := config.IgnoreExtensions
	if exts == nil {
		exts = defaultIgnoredExtensions
	}
	ignore := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ignore[strings.ToLower(ext)] = true
	}

	return &Watcher{
		config:    config,
		fsWatcher: fsWatcher,
		onClick:   onClick,
		log:       logger.With(zap.String("component", "watcher")),
		ignore:    ignore,
	}
}

// shouldIgnore returns true for events on paths that never count as clicks.
func (w *Watcher) shouldIgnore(name string) bool {
	base := filepath.Base(name)
	if strings.HasSuffix(base, "~") {
		return true
	}
	return w.ignore[strings.ToLower(filepath.Ext(base))]
}

// Start begins watching files. This blocks until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	for _, dir := range w.config.NonRecursiveDirs {
		absDir := filepath.Join(w.config.WorkspacePath, dir)
		if err := w.fsWatcher.Add(absDir, false); err != nil {
			w.log.Warn("could not watch", zap.String("path", absDir), zap.Error(err))
		}
	}

	for _, dir := range w.config.RecursiveDirs {
		absDir := filepath.Join(w.config.WorkspacePath, dir)
		if err := w.fsWatcher.Add(absDir, true); err != nil {
			w.log.Warn("could not watch recursively", zap.String("path", absDir), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events():
			if !ok {
				return
			}

			// Handle new directories - rescan to pick up new subdirectories
			if event.Has(fsnotify.Create) {
				_ = w.fsWatcher.Rescan()
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			w.log.Debug("file changed", zap.String("op", event.Op.String()), zap.String("path", event.Name))
			if !w.onClick() {
				w.log.Info("click handler gone, stopping watcher")
				return
			}

		case err, ok := <-w.fsWatcher.Errors():
			if !ok {
				return
			}
			w.log.Error("watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsWatcher.Close()
}
