// Package coa sends RADIUS Disconnect-Request and CoA-Request packets
// to the NAS (RFC 5176), forcing re-authorization or teardown of live
// subscriber sessions.
package coa

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
	"layeh.com/radius/rfc3576"
)

// Mikrotik vendor-specific attribute identifiers.
const (
	mikrotikVendorID  = 14988
	mikrotikRateLimit = 8
)

// DefaultPort is the standard RFC 5176 dynamic authorization port.
const DefaultPort = 3799

// DefaultTimeout bounds one request/response exchange.
const DefaultTimeout = 5 * time.Second

var errSecretRequired = errors.New("radius shared secret required")

// ResultCode classifies the outcome of one CoA or Disconnect exchange.
type ResultCode int

const (
	// ResultAck means the NAS acknowledged the request.
	ResultAck ResultCode = iota
	// ResultNak means the NAS refused the request. The Error-Cause, if
	// sent, is in Result.ErrorCause.
	ResultNak
	// ResultTimeout means no response arrived within the timeout.
	ResultTimeout
	// ResultTransportError means the packet could not be sent at all.
	ResultTransportError
)

func (r ResultCode) String() string {
	switch r {
	case ResultAck:
		return "ack"
	case ResultNak:
		return "nak"
	case ResultTimeout:
		return "timeout"
	case ResultTransportError:
		return "transport-error"
	default:
		return "unknown"
	}
}

// Target identifies one NAS-side session to act on.
type Target struct {
	NASIP            string
	Username         string
	AcctSessionID    string
	NASPortID        string
	CallingStationID string
}

// PolicyUpdate carries the attributes a CoA-Request pushes to the NAS.
type PolicyUpdate struct {
	// RateLimit is a Mikrotik-Rate-Limit value, upload/download.
	RateLimit string
	// SessionTimeout is the new remaining lifetime in seconds. Zero
	// leaves the NAS timer unchanged.
	SessionTimeout uint32
	// IdleTimeout disconnects the client after this many seconds of
	// inactivity. Zero leaves the NAS setting unchanged.
	IdleTimeout uint32
}

// Result is the outcome of one exchange with the NAS.
type Result struct {
	Target     Target
	Code       ResultCode
	ErrorCause uint32
	Err        error
}

// Ok reports whether the NAS acknowledged the request.
func (r Result) Ok() bool { return r.Code == ResultAck }

// Config configures the CoA client.
type Config struct {
	// Secret is the shared secret the NAS expects for dynamic
	// authorization requests. Required.
	Secret string
	// Port is the NAS dynamic authorization port. Defaults to 3799.
	Port int
	// Timeout bounds each exchange. Defaults to 5s. The client sends
	// each request exactly once; callers decide whether to retry.
	Timeout time.Duration
}

// Client sends Disconnect and CoA requests to NAS devices.
type Client struct {
	secret  string
	port    int
	timeout time.Duration
	logger  *zap.Logger

	exchange func(ctx context.Context, packet *radius.Packet, addr string) (*radius.Packet, error)

	// Statistics
	disconnectsSent uint64
	disconnectAcks  uint64
	disconnectNaks  uint64
	updatesSent     uint64
	updateAcks      uint64
	updateNaks      uint64
	timeouts        uint64
	transportErrors uint64
}

// Stats is a point-in-time snapshot of client counters.
type Stats struct {
	DisconnectsSent uint64 `json:"disconnectsSent"`
	DisconnectAcks  uint64 `json:"disconnectAcks"`
	DisconnectNaks  uint64 `json:"disconnectNaks"`
	UpdatesSent     uint64 `json:"updatesSent"`
	UpdateAcks      uint64 `json:"updateAcks"`
	UpdateNaks      uint64 `json:"updateNaks"`
	Timeouts        uint64 `json:"timeouts"`
	TransportErrors uint64 `json:"transportErrors"`
}

// NewClient creates a CoA client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Secret == "" {
		return nil, errSecretRequired
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := &radius.Client{
		// No retransmits. A lost packet surfaces as a timeout and the
		// caller decides what to do.
		Retry: 0,
	}

	return &Client{
		secret:   cfg.Secret,
		port:     cfg.Port,
		timeout:  cfg.Timeout,
		logger:   logger,
		exchange: rc.Exchange,
	}, nil
}

// SendDisconnect sends one Disconnect-Request and waits for the reply.
func (c *Client) SendDisconnect(ctx context.Context, target Target, cause uint32) Result {
	packet := radius.New(radius.CodeDisconnectRequest, []byte(c.secret))
	if err := c.setTargetAttrs(packet, target); err != nil {
		atomic.AddUint64(&c.transportErrors, 1)
		return Result{Target: target, Code: ResultTransportError, Err: err}
	}
	if cause > 0 {
		if err := rfc2866.AcctTerminateCause_Set(packet, rfc2866.AcctTerminateCause(cause)); err != nil {
			atomic.AddUint64(&c.transportErrors, 1)
			return Result{Target: target, Code: ResultTransportError, Err: err}
		}
	}

	atomic.AddUint64(&c.disconnectsSent, 1)
	result := c.send(ctx, packet, target)

	switch result.Code {
	case ResultAck:
		atomic.AddUint64(&c.disconnectAcks, 1)
	case ResultNak:
		atomic.AddUint64(&c.disconnectNaks, 1)
	}

	c.logger.Info("disconnect request completed",
		zap.String("nas", target.NASIP),
		zap.String("username", target.Username),
		zap.String("acctSessionId", target.AcctSessionID),
		zap.Stringer("result", result.Code))
	return result
}

// SendUpdate sends one CoA-Request carrying new session policy.
func (c *Client) SendUpdate(ctx context.Context, target Target, update PolicyUpdate) Result {
	packet := radius.New(radius.CodeCoARequest, []byte(c.secret))
	if err := c.setTargetAttrs(packet, target); err != nil {
		atomic.AddUint64(&c.transportErrors, 1)
		return Result{Target: target, Code: ResultTransportError, Err: err}
	}

	if update.SessionTimeout > 0 {
		if err := rfc2865.SessionTimeout_Set(packet, rfc2865.SessionTimeout(update.SessionTimeout)); err != nil {
			atomic.AddUint64(&c.transportErrors, 1)
			return Result{Target: target, Code: ResultTransportError, Err: err}
		}
	}
	if update.IdleTimeout > 0 {
		if err := rfc2865.IdleTimeout_Set(packet, rfc2865.IdleTimeout(update.IdleTimeout)); err != nil {
			atomic.AddUint64(&c.transportErrors, 1)
			return Result{Target: target, Code: ResultTransportError, Err: err}
		}
	}
	if update.RateLimit != "" {
		packet.Attributes.Add(rfc2865.VendorSpecific_Type, mikrotikVSA(mikrotikRateLimit, []byte(update.RateLimit)))
	}

	atomic.AddUint64(&c.updatesSent, 1)
	result := c.send(ctx, packet, target)

	switch result.Code {
	case ResultAck:
		atomic.AddUint64(&c.updateAcks, 1)
	case ResultNak:
		atomic.AddUint64(&c.updateNaks, 1)
	}

	c.logger.Info("coa update completed",
		zap.String("nas", target.NASIP),
		zap.String("username", target.Username),
		zap.Stringer("result", result.Code))
	return result
}

func (c *Client) setTargetAttrs(packet *radius.Packet, target Target) error {
	if target.NASIP == "" {
		return fmt.Errorf("target NAS IP required")
	}
	if target.Username == "" && target.AcctSessionID == "" {
		return fmt.Errorf("target needs a username or acct session id")
	}

	if target.Username != "" {
		if err := rfc2865.UserName_SetString(packet, target.Username); err != nil {
			return err
		}
	}
	if target.AcctSessionID != "" {
		if err := rfc2866.AcctSessionID_SetString(packet, target.AcctSessionID); err != nil {
			return err
		}
	}
	if target.NASPortID != "" {
		if err := rfc2869.NASPortID_SetString(packet, target.NASPortID); err != nil {
			return err
		}
	}
	if target.CallingStationID != "" {
		if err := rfc2865.CallingStationID_SetString(packet, target.CallingStationID); err != nil {
			return err
		}
	}
	if ip := net.ParseIP(target.NASIP); ip != nil && ip.To4() != nil {
		if err := rfc2865.NASIPAddress_Set(packet, ip); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, packet *radius.Packet, target Target) Result {
	addr := net.JoinHostPort(target.NASIP, strconv.Itoa(c.port))

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := c.exchange(reqCtx, packet, addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			atomic.AddUint64(&c.timeouts, 1)
			return Result{Target: target, Code: ResultTimeout, Err: err}
		}
		atomic.AddUint64(&c.transportErrors, 1)
		return Result{Target: target, Code: ResultTransportError, Err: err}
	}

	switch response.Code {
	case radius.CodeDisconnectACK, radius.CodeCoAACK:
		return Result{Target: target, Code: ResultAck}
	case radius.CodeDisconnectNAK, radius.CodeCoANAK:
		cause := uint32(rfc3576.ErrorCause_Get(response))
		return Result{
			Target:     target,
			Code:       ResultNak,
			ErrorCause: cause,
			Err:        fmt.Errorf("nas refused request, error cause %d", cause),
		}
	default:
		atomic.AddUint64(&c.transportErrors, 1)
		return Result{
			Target: target,
			Code:   ResultTransportError,
			Err:    fmt.Errorf("unexpected response code %d", response.Code),
		}
	}
}

// mikrotikVSA encodes one Mikrotik vendor-specific attribute payload.
func mikrotikVSA(subType byte, value []byte) radius.Attribute {
	attr := make(radius.Attribute, 4+2+len(value))
	binary.BigEndian.PutUint32(attr[0:4], mikrotikVendorID)
	attr[4] = subType
	attr[5] = byte(2 + len(value))
	copy(attr[6:], value)
	return attr
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		DisconnectsSent: atomic.LoadUint64(&c.disconnectsSent),
		DisconnectAcks:  atomic.LoadUint64(&c.disconnectAcks),
		DisconnectNaks:  atomic.LoadUint64(&c.disconnectNaks),
		UpdatesSent:     atomic.LoadUint64(&c.updatesSent),
		UpdateAcks:      atomic.LoadUint64(&c.updateAcks),
		UpdateNaks:      atomic.LoadUint64(&c.updateNaks),
		Timeouts:        atomic.LoadUint64(&c.timeouts),
		TransportErrors: atomic.LoadUint64(&c.transportErrors),
	}
}
