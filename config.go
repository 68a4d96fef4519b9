package nsq

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config is a struct of NSQ options
//
// Use NewConfig to create an instance with sane defaults; a zero-valued
// Config is rejected by Validate.
type Config struct {
	// network deadlines and handshake budgets
	DialTimeout     time.Duration // deadline for establishing TCP
	WriteTimeout    time.Duration // deadline set for network writes
	IdentifyTimeout time.Duration // budget for the IDENTIFY (and AUTH) exchange
	CloseTimeout    time.Duration // how long to await CLOSE_WAIT before tearing down

	// identity announced via IDENTIFY
	ClientID  string // (default: short hostname)
	Hostname  string
	UserAgent string

	// duration between heartbeats from nsqd; -1 disables them entirely
	HeartbeatInterval time.Duration

	// size of the buffer (in bytes) used by nsqd for buffering writes to this connection
	OutputBufferSize int64
	// timeout used by nsqd before flushing buffered writes (set to 0 to disable)
	OutputBufferTimeout time.Duration

	// deliver a percentage of all messages received to this connection (0-99)
	SampleRate int32

	// the server-side message timeout for messages delivered to this client
	// (0 keeps the nsqd default; the negotiated value is applied after IDENTIFY)
	MsgTimeout time.Duration

	// secret for the AUTH command, sent when nsqd replies auth_required=true
	AuthSecret string

	// maximum number of messages to allow in flight across a Consumer
	MaxInFlight int

	// nsqlookupd discovery
	LookupdPollInterval time.Duration // duration between polling lookupd for new producers
	LookupdPollJitter   float64       // fractional jitter added to the poll interval
	LookupdPollTimeout  time.Duration // deadline for a single lookupd HTTP query

	// duration to wait until rotating RDY among connections when
	// there are more connections than MaxInFlight allows credits for
	LowRdyIdleTimeout time.Duration

	// supervised reconnection after transport loss
	AutoReconnect         bool
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	Logger logrus.FieldLogger
}

// NewConfig returns a new default nsq configuration
func NewConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Config{
		DialTimeout:     5 * time.Second,
		WriteTimeout:    time.Second,
		IdentifyTimeout: 5 * time.Second,
		CloseTimeout:    time.Second,

		ClientID:  strings.Split(hostname, ".")[0],
		Hostname:  hostname,
		UserAgent: fmt.Sprintf("wuYin-nsq/%s", VERSION),

		HeartbeatInterval:   30 * time.Second,
		OutputBufferSize:    16 * 1024,
		OutputBufferTimeout: 250 * time.Millisecond,

		MaxInFlight: 1,

		LookupdPollInterval: 60 * time.Second,
		LookupdPollJitter:   0.3,
		LookupdPollTimeout:  2 * time.Second,

		LowRdyIdleTimeout: 10 * time.Second,

		AutoReconnect:         true,
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     30 * time.Second,

		Logger: logrus.StandardLogger(),
	}
}

// Validate checks that all config values are within acceptable ranges
func (c *Config) Validate() error {
	if c.DialTimeout <= 0 {
		return fmt.Errorf("invalid DialTimeout %v", c.DialTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("invalid WriteTimeout %v", c.WriteTimeout)
	}
	if c.HeartbeatInterval != -1 && c.HeartbeatInterval < time.Second {
		return fmt.Errorf("invalid HeartbeatInterval %v (minimum 1s, or -1 to disable)", c.HeartbeatInterval)
	}
	if c.SampleRate < 0 || c.SampleRate > 99 {
		return fmt.Errorf("invalid SampleRate %d (0-99)", c.SampleRate)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("invalid MaxInFlight %d (minimum 1)", c.MaxInFlight)
	}
	if c.LookupdPollJitter < 0 || c.LookupdPollJitter > 1 {
		return fmt.Errorf("invalid LookupdPollJitter %v (0-1)", c.LookupdPollJitter)
	}
	if c.ReconnectInitialDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return fmt.Errorf("invalid reconnect delays %v/%v", c.ReconnectInitialDelay, c.ReconnectMaxDelay)
	}
	if c.Logger == nil {
		return fmt.Errorf("nil Logger")
	}
	return nil
}

// EphemeralChannel generates a unique ephemeral channel name with the given
// prefix. Ephemeral channels disappear from nsqd once the last client of the
// channel disconnects, which makes generated names the usual idiom for
// tail-style consumers.
func EphemeralChannel(prefix string) string {
	return fmt.Sprintf("%s-%s#ephemeral", prefix, uuid.NewString()[:8])
}
