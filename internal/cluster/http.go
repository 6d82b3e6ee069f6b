package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	ferrors "github.com/dreamware/fedround/internal/errors"
)

// Routes every rank serves.
const (
	// MessagesPath accepts inbound envelopes.
	MessagesPath = "/fabric/messages"
	// HealthPath answers liveness checks. The fabric does not register it;
	// the process owning the router does.
	HealthPath = "/health"
)

// HTTPConfig configures an HTTPFabric.
type HTTPConfig struct {
	// Rank of this process.
	Rank Rank
	// Peers lists every rank of the run, this one included.
	Peers []RankInfo
	// ListenAddr overrides the address taken from Peers for this rank.
	ListenAddr string
	// MaxElapsed bounds the retries of a single send. Zero means 10s.
	MaxElapsed time.Duration
	// Client is the HTTP client used for sends. Nil means a client with a
	// 5s timeout.
	Client *http.Client
}

// HTTPFabric is a Fabric whose ranks exchange msgpack envelopes over HTTP.
// Each rank serves MessagesPath on a gorilla/mux router; other routes may be
// added to Router before Start.
type HTTPFabric struct {
	*core
	peers      map[Rank]string
	listenAddr string
	maxElapsed time.Duration
	client     *http.Client
	router     *mux.Router
	server     *http.Server
	listener   net.Listener
	serveErr   chan error
}

var _ Fabric = (*HTTPFabric)(nil)

// NewHTTPFabric validates cfg and builds the fabric. Call Start to serve.
func NewHTTPFabric(cfg HTTPConfig) (*HTTPFabric, error) {
	peers := make(map[Rank]string, len(cfg.Peers))
	for i, p := range cfg.Peers {
		if p.Rank != Rank(i) {
			return nil, ferrors.ErrInvalidConfig.GenWithStackByArgs(
				fmt.Sprintf("peer ranks must be contiguous from 0, got %d at %d", p.Rank, i))
		}
		peers[p.Rank] = p.Addr
	}
	self, ok := peers[cfg.Rank]
	if !ok {
		return nil, ferrors.ErrInvalidConfig.GenWithStackByArgs(
			fmt.Sprintf("rank %d is not in the peer table", cfg.Rank))
	}
	f := &HTTPFabric{
		peers:      peers,
		listenAddr: cfg.ListenAddr,
		maxElapsed: cfg.MaxElapsed,
		client:     cfg.Client,
		router:     mux.NewRouter(),
		serveErr:   make(chan error, 1),
	}
	if f.listenAddr == "" {
		f.listenAddr = hostPort(self)
	}
	if f.maxElapsed <= 0 {
		f.maxElapsed = 10 * time.Second
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 5 * time.Second}
	}
	f.core = newCore(cfg.Rank, len(peers), f.deliver)
	f.router.HandleFunc(MessagesPath, f.handleMessage).Methods(http.MethodPost)
	return f, nil
}

// Router returns the router served by this fabric.
func (f *HTTPFabric) Router() *mux.Router {
	return f.router
}

// Addr returns the address the fabric listens on once started.
func (f *HTTPFabric) Addr() string {
	if f.listener != nil {
		return f.listener.Addr().String()
	}
	return f.listenAddr
}

// Peers returns the rank table of the run.
func (f *HTTPFabric) Peers() []RankInfo {
	out := make([]RankInfo, 0, len(f.peers))
	for r := 0; r < len(f.peers); r++ {
		out = append(out, RankInfo{Rank: Rank(r), Addr: f.peers[Rank(r)]})
	}
	return out
}

// Start listens on the configured address and serves in the background.
func (f *HTTPFabric) Start() error {
	ln, err := net.Listen("tcp", f.listenAddr)
	if err != nil {
		return errors.Annotatef(err, "listen on %s", f.listenAddr)
	}
	f.listener = ln
	f.server = &http.Server{
		Handler:           f.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := f.server.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			log.Error("fabric server stopped", zap.Int("rank", int(f.rank)), zap.Error(err))
		}
		f.serveErr <- err
	}()
	log.Info("fabric listening",
		zap.Int("rank", int(f.rank)),
		zap.String("addr", ln.Addr().String()),
		zap.Int("size", f.size))
	return nil
}

// Close stops the server and closes the inboxes.
func (f *HTTPFabric) Close() error {
	if f.closed.Load() {
		return nil
	}
	_ = f.core.Close()
	if f.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.server.Shutdown(ctx); err != nil {
		return errors.Trace(err)
	}
	<-f.serveErr
	return nil
}

func (f *HTTPFabric) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var env Envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}
	if err := f.accept(env); err != nil {
		if ferrors.ErrFabricClosed.Equal(err) {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fabricBytesCounter.WithLabelValues("recv").Add(float64(len(body)))
	w.WriteHeader(http.StatusNoContent)
}

// deliver posts env to its target, retrying transient failures with
// exponential backoff. 4xx answers are not retried.
func (f *HTTPFabric) deliver(ctx context.Context, env Envelope) error {
	body, err := msgpack.Marshal(&env)
	if err != nil {
		return errors.Trace(err)
	}
	url := BaseURL(f.peers[env.To]) + MessagesPath

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = f.maxElapsed

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/msgpack")
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(errors.Errorf("http %s: %d", url, resp.StatusCode))
		default:
			return errors.Errorf("http %s: %d", url, resp.StatusCode)
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return ferrors.ErrCommunication.GenWithStackByArgs(env.To, err.Error())
	}
	return nil
}

func hostPort(addr string) string {
	u := BaseURL(addr)
	u = strings.TrimPrefix(u, "http://")
	return strings.TrimPrefix(u, "https://")
}
