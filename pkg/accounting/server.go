package accounting

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

// DefaultAddress is the standard RADIUS accounting port.
const DefaultAddress = ":1813"

// ServerConfig configures the accounting listener.
type ServerConfig struct {
	// Address to listen on. Defaults to ":1813".
	Address string
	// Secret shared with the NAS. Required.
	Secret string
}

// Server receives RADIUS accounting packets and feeds them to the
// ingestor. Requests the ingestor cannot store get no response, so
// the NAS retransmits them.
type Server struct {
	addr     string
	secret   string
	ingestor *Ingestor
	logger   *zap.Logger

	server *radius.PacketServer
	conn   net.PacketConn

	received uint64
	acked    uint64
	dropped  uint64
}

// ServerStats is a snapshot of server counters.
type ServerStats struct {
	Received uint64 `json:"received"`
	Acked    uint64 `json:"acked"`
	Dropped  uint64 `json:"dropped"`
}

// NewServer creates an accounting server.
func NewServer(cfg ServerConfig, ingestor *Ingestor, logger *zap.Logger) (*Server, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("radius shared secret required")
	}
	if ingestor == nil {
		return nil, fmt.Errorf("ingestor is required")
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		addr:     cfg.Address,
		secret:   cfg.Secret,
		ingestor: ingestor,
		logger:   logger,
	}
	s.server = &radius.PacketServer{
		SecretSource: radius.StaticSecretSource([]byte(cfg.Secret)),
		Handler:      radius.HandlerFunc(s.handle),
	}
	return s, nil
}

// Start binds the UDP socket and serves in the background.
func (s *Server) Start() error {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.conn = conn

	s.logger.Info("accounting server started",
		zap.String("address", conn.LocalAddr().String()))

	go func() {
		if err := s.server.Serve(conn); err != nil && err != radius.ErrServerShutdown {
			s.logger.Error("accounting server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Shutdown stops the server, waiting for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handle(w radius.ResponseWriter, r *radius.Request) {
	if r.Code != radius.CodeAccountingRequest {
		return
	}
	atomic.AddUint64(&s.received, 1)

	rec := parseRecord(r.Packet)
	if rec.AcctSessionID == "" || rec.Username == "" {
		if rec.StatusType != StatusOn && rec.StatusType != StatusOff {
			atomic.AddUint64(&s.dropped, 1)
			s.logger.Debug("dropping accounting request without session id or username",
				zap.Stringer("status", rec.StatusType),
				zap.String("from", r.RemoteAddr.String()))
			return
		}
	}

	if err := s.ingestor.HandleRecord(r.Context(), rec); err != nil {
		// No ack. The NAS will retransmit and the replay handling
		// keeps that safe.
		atomic.AddUint64(&s.dropped, 1)
		s.logger.Error("failed to ingest accounting record",
			zap.String("username", rec.Username),
			zap.String("acctSessionId", rec.AcctSessionID),
			zap.Error(err))
		return
	}

	if err := w.Write(r.Response(radius.CodeAccountingResponse)); err != nil {
		s.logger.Warn("failed to send accounting response", zap.Error(err))
		return
	}
	atomic.AddUint64(&s.acked, 1)
}

// parseRecord extracts the attributes we track. 64-bit octet counters
// are reassembled from the base attribute plus the gigaword high word.
func parseRecord(p *radius.Packet) Record {
	rec := Record{
		StatusType:       StatusType(rfc2866.AcctStatusType_Get(p)),
		AcctSessionID:    rfc2866.AcctSessionID_GetString(p),
		Username:         rfc2865.UserName_GetString(p),
		NASPortID:        rfc2869.NASPortID_GetString(p),
		CallingStationID: rfc2865.CallingStationID_GetString(p),
		SessionTime:      uint32(rfc2866.AcctSessionTime_Get(p)),
		TerminateCause:   uint32(rfc2866.AcctTerminateCause_Get(p)),
		Timestamp:        time.Now(),
	}
	if ip := rfc2865.NASIPAddress_Get(p); ip != nil {
		rec.NASIPAddress = ip.String()
	}
	rec.InputOctets = uint64(rfc2866.AcctInputOctets_Get(p)) |
		uint64(rfc2869.AcctInputGigawords_Get(p))<<32
	rec.OutputOctets = uint64(rfc2866.AcctOutputOctets_Get(p)) |
		uint64(rfc2869.AcctOutputGigawords_Get(p))<<32
	return rec
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Received: atomic.LoadUint64(&s.received),
		Acked:    atomic.LoadUint64(&s.acked),
		Dropped:  atomic.LoadUint64(&s.dropped),
	}
}
