// Package report streams loop snapshots to a management controller over a
// WebSocket. Publication never blocks the control loop: when the connection
// is down or slow, snapshots are dropped.
package report

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"conman/pkg/logging"
	"conman/pkg/model"
	"conman/pkg/version"
)

// DefaultPath is used when the controller URL has no path.
const DefaultPath = "/api/v1/ws/device"

// Message is the envelope written for each snapshot.
type Message struct {
	Type     string         `json:"type"`
	DeviceID string         `json:"deviceId"`
	Payload  model.Snapshot `json:"payload"`
}

// Options configure a Reporter.
type Options struct {
	// URL of the controller; http(s) schemes are mapped to ws(s).
	URL      string
	DeviceID string
	// Token is sent as a Bearer Authorization header when set.
	Token  string
	Logger logging.Logger
	// Retry is the delay between connection attempts; default 5s.
	Retry time.Duration
	// Buffer is how many snapshots may queue while disconnected; default 16.
	Buffer int
}

// Reporter owns one controller connection.
type Reporter struct {
	endpoint  string
	deviceID  string
	token     string
	log       logging.Logger
	retry     time.Duration
	snapshots chan model.Snapshot
	dropped   atomic.Uint64
	sent      atomic.Uint64
}

// New returns nil when opts.URL is empty; a nil Reporter ignores Publish.
func New(opts Options) (*Reporter, error) {
	if opts.URL == "" {
		return nil, nil
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}
	if opts.DeviceID != "" {
		q := u.Query()
		q.Set("deviceId", opts.DeviceID)
		u.RawQuery = q.Encode()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.Retry <= 0 {
		opts.Retry = 5 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	return &Reporter{
		endpoint:  u.String(),
		deviceID:  opts.DeviceID,
		token:     opts.Token,
		log:       opts.Logger.With(logging.String("component", "report")),
		retry:     opts.Retry,
		snapshots: make(chan model.Snapshot, opts.Buffer),
	}, nil
}

// Endpoint returns the WebSocket URL.
func (r *Reporter) Endpoint() string { return r.endpoint }

// Start runs the connection loop until ctx is done.
func (r *Reporter) Start(ctx context.Context) {
	if r == nil {
		return
	}
	go r.loop(ctx)
}

// Publish queues s without blocking.
func (r *Reporter) Publish(s model.Snapshot) {
	if r == nil {
		return
	}
	select {
	case r.snapshots <- s:
	default:
		r.dropped.Add(1)
	}
}

// Sent and Dropped count snapshots written and discarded.
func (r *Reporter) Sent() uint64    { return r.sent.Load() }
func (r *Reporter) Dropped() uint64 { return r.dropped.Load() }

func (r *Reporter) loop(ctx context.Context) {
	for {
		header := http.Header{}
		header.Set("User-Agent", version.UserAgent())
		if r.token != "" {
			header.Set("Authorization", "Bearer "+r.token)
		}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, r.endpoint, header)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			r.log.Warn(ctx, "ws dial failed", logging.Err(err), logging.String("url", r.endpoint), logging.Int("status", status))
			if !sleep(ctx, r.retry) {
				return
			}
			continue
		}
		r.log.Info(ctx, "ws connected to controller", logging.String("url", r.endpoint))
		r.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		r.log.Info(ctx, "ws disconnected, retrying", logging.Duration("retry", r.retry))
		if !sleep(ctx, r.retry) {
			return
		}
	}
}

func (r *Reporter) serve(ctx context.Context, conn *websocket.Conn) {
	// The controller sends nothing we act on; reading detects a closed peer.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-closed:
			return
		case s := <-r.snapshots:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(Message{Type: "conman_status", DeviceID: r.deviceID, Payload: s}); err != nil {
				r.log.Warn(ctx, "ws send failed", logging.Err(err))
				return
			}
			r.sent.Add(1)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
