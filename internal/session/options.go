package session

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = 54 * time.Second

	sendBufferSize = 256
)

// Credentials identify the local participant. Token is opaque to the engine.
type Credentials struct {
	Token  string
	UserID int64
}

// Option alters the default configuration of engine components
type Option interface {
	apply(*options)
}

type optionFunc func(o *options)

func (f optionFunc) apply(o *options) { f(o) }

type options struct {
	logger     *zap.SugaredLogger
	httpClient *http.Client
	dialer     *websocket.Dialer
	observer   Observer
	pingPeriod time.Duration
	pongWait   time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		logger:     zap.NewNop().Sugar(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
	}
	for _, opt := range opts {
		opt.apply(&o)
	}
	return o
}

// WithLogger sets the logger used by the component
func WithLogger(l *zap.SugaredLogger) Option {
	return optionFunc(func(o *options) {
		if l != nil {
			o.logger = l
		}
	})
}

// WithHTTPClient sets the client used for history and peer requests
func WithHTTPClient(c *http.Client) Option {
	return optionFunc(func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	})
}

// WithDialer sets the websocket dialer used to open room streams
func WithDialer(d *websocket.Dialer) Option {
	return optionFunc(func(o *options) {
		if d != nil {
			o.dialer = d
		}
	})
}

// WithObserver registers a callback invoked whenever session state visible to the UI changes
func WithObserver(obs Observer) Option {
	return optionFunc(func(o *options) {
		o.observer = obs
	})
}

// WithKeepalive overrides the ping interval and pong deadline of connections
func WithKeepalive(ping, pong time.Duration) Option {
	return optionFunc(func(o *options) {
		if ping > 0 && pong > ping {
			o.pingPeriod = ping
			o.pongWait = pong
		}
	})
}
