package coa_test

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
	"layeh.com/radius/rfc3576"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/coa"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

func TestCoA(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CoA Client Suite")
}

const testSecret = "testing123"

// fakeNAS is a minimal UDP responder standing in for a Mikrotik router.
type fakeNAS struct {
	conn     net.PacketConn
	requests chan *radius.Packet
	respond  func(req *radius.Packet) *radius.Packet
	done     chan struct{}
}

func startFakeNAS(respond func(req *radius.Packet) *radius.Packet) *fakeNAS {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	nas := &fakeNAS{
		conn:     conn,
		requests: make(chan *radius.Packet, 16),
		respond:  respond,
		done:     make(chan struct{}),
	}
	go nas.loop()
	return nas
}

func (n *fakeNAS) loop() {
	defer close(n.done)
	buf := make([]byte, 4096)
	for {
		count, addr, err := n.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		req, err := radius.Parse(buf[:count], []byte(testSecret))
		if err != nil {
			continue
		}
		n.requests <- req
		if n.respond == nil {
			continue
		}
		resp := n.respond(req)
		wire, err := resp.Encode()
		if err != nil {
			continue
		}
		n.conn.WriteTo(wire, addr)
	}
}

func (n *fakeNAS) port() int {
	return n.conn.LocalAddr().(*net.UDPAddr).Port
}

func (n *fakeNAS) stop() {
	n.conn.Close()
	<-n.done
}

func ackAll(code radius.Code) func(req *radius.Packet) *radius.Packet {
	return func(req *radius.Packet) *radius.Packet {
		return req.Response(code)
	}
}

var _ = Describe("CoA Client", func() {
	var logger *zap.Logger

	BeforeEach(func() {
		logger = zap.NewNop()
	})

	newClient := func(port int, timeout time.Duration) *coa.Client {
		client, err := coa.NewClient(coa.Config{
			Secret:  testSecret,
			Port:    port,
			Timeout: timeout,
		}, logger)
		Expect(err).NotTo(HaveOccurred())
		return client
	}

	Describe("NewClient", func() {
		It("should require a shared secret", func() {
			_, err := coa.NewClient(coa.Config{}, logger)
			Expect(err).To(HaveOccurred())
		})

		It("should create successfully with only a secret", func() {
			client, err := coa.NewClient(coa.Config{Secret: testSecret}, logger)
			Expect(err).NotTo(HaveOccurred())
			Expect(client).NotTo(BeNil())
		})
	})

	Describe("SendDisconnect", func() {
		Context("when the NAS acknowledges", func() {
			It("should return an ack and carry the session attributes", func() {
				nas := startFakeNAS(ackAll(radius.CodeDisconnectACK))
				defer nas.stop()

				client := newClient(nas.port(), time.Second)
				result := client.SendDisconnect(context.Background(), coa.Target{
					NASIP:            "127.0.0.1",
					Username:         "User12345",
					AcctSessionID:    "8100001a",
					NASPortID:        "ether1",
					CallingStationID: "AA-BB-CC-DD-EE-FF",
				}, 1)

				Expect(result.Code).To(Equal(coa.ResultAck))
				Expect(result.Ok()).To(BeTrue())

				var req *radius.Packet
				Eventually(nas.requests).Should(Receive(&req))
				Expect(req.Code).To(Equal(radius.CodeDisconnectRequest))
				Expect(rfc2865.UserName_GetString(req)).To(Equal("User12345"))
				Expect(rfc2866.AcctSessionID_GetString(req)).To(Equal("8100001a"))
				Expect(rfc2869.NASPortID_GetString(req)).To(Equal("ether1"))
				Expect(rfc2865.CallingStationID_GetString(req)).To(Equal("AA-BB-CC-DD-EE-FF"))
				Expect(uint32(rfc2866.AcctTerminateCause_Get(req))).To(Equal(uint32(1)))
				Expect(rfc2865.NASIPAddress_Get(req).String()).To(Equal("127.0.0.1"))

				stats := client.Stats()
				Expect(stats.DisconnectsSent).To(Equal(uint64(1)))
				Expect(stats.DisconnectAcks).To(Equal(uint64(1)))
			})
		})

		Context("when the NAS refuses", func() {
			It("should return a nak with the error cause", func() {
				nas := startFakeNAS(func(req *radius.Packet) *radius.Packet {
					resp := req.Response(radius.CodeDisconnectNAK)
					rfc3576.ErrorCause_Set(resp, rfc3576.ErrorCause_Value_SessionContextNotFound)
					return resp
				})
				defer nas.stop()

				client := newClient(nas.port(), time.Second)
				result := client.SendDisconnect(context.Background(), coa.Target{
					NASIP:    "127.0.0.1",
					Username: "User12345",
				}, 6)

				Expect(result.Code).To(Equal(coa.ResultNak))
				Expect(result.ErrorCause).To(Equal(uint32(503)))
				Expect(result.Err).To(HaveOccurred())
				Expect(client.Stats().DisconnectNaks).To(Equal(uint64(1)))
			})
		})

		Context("when the NAS never responds", func() {
			It("should time out within the configured bound", func() {
				nas := startFakeNAS(nil)
				defer nas.stop()

				client := newClient(nas.port(), 200*time.Millisecond)
				start := time.Now()
				result := client.SendDisconnect(context.Background(), coa.Target{
					NASIP:    "127.0.0.1",
					Username: "User12345",
				}, 6)

				Expect(result.Code).To(Equal(coa.ResultTimeout))
				Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
				Expect(client.Stats().Timeouts).To(Equal(uint64(1)))
			})
		})

		Context("when the target is unusable", func() {
			It("should report a transport error without sending", func() {
				client := newClient(3799, time.Second)
				result := client.SendDisconnect(context.Background(), coa.Target{}, 6)
				Expect(result.Code).To(Equal(coa.ResultTransportError))
				Expect(client.Stats().DisconnectsSent).To(Equal(uint64(0)))
			})
		})
	})

	Describe("SendUpdate", func() {
		It("should carry Session-Timeout and the Mikrotik rate limit", func() {
			nas := startFakeNAS(ackAll(radius.CodeCoAACK))
			defer nas.stop()

			client := newClient(nas.port(), time.Second)
			result := client.SendUpdate(context.Background(), coa.Target{
				NASIP:    "127.0.0.1",
				Username: "User12345",
			}, coa.PolicyUpdate{
				RateLimit:      "2M/5M",
				SessionTimeout: 3600,
			})

			Expect(result.Code).To(Equal(coa.ResultAck))

			var req *radius.Packet
			Eventually(nas.requests).Should(Receive(&req))
			Expect(req.Code).To(Equal(radius.CodeCoARequest))
			Expect(uint32(rfc2865.SessionTimeout_Get(req))).To(Equal(uint32(3600)))

			vsa := req.Attributes.Get(rfc2865.VendorSpecific_Type)
			Expect(len(vsa)).To(BeNumerically(">=", 6))
			Expect(binary.BigEndian.Uint32(vsa[0:4])).To(Equal(uint32(14988)))
			Expect(vsa[4]).To(Equal(byte(8)))
			Expect(string(vsa[6:])).To(Equal("2M/5M"))
		})
	})

	Describe("DisconnectUser", func() {
		It("should fan out one request per open accounting record", func() {
			nas := startFakeNAS(ackAll(radius.CodeDisconnectACK))
			defer nas.stop()

			nasIP := "127.0.0.1"
			records := []*store.AccountingRecord{
				{AcctSessionID: "8100001a", Username: "User12345", NASIPAddress: nasIP, NASPortID: "ether1"},
				{AcctSessionID: "8100001b", Username: "User12345", NASIPAddress: nasIP, NASPortID: "ether2"},
			}

			client := newClient(nas.port(), time.Second)
			result := client.DisconnectUser(context.Background(), "User12345", records, 6)

			Expect(result.Total).To(Equal(2))
			Expect(result.Acknowledged).To(Equal(2))
			Expect(result.AllAcknowledged()).To(BeTrue())

			seen := map[string]string{}
			for i := 0; i < 2; i++ {
				var req *radius.Packet
				Eventually(nas.requests).Should(Receive(&req))
				Expect(uint32(rfc2866.AcctTerminateCause_Get(req))).To(Equal(uint32(6)))
				seen[rfc2866.AcctSessionID_GetString(req)] = rfc2869.NASPortID_GetString(req)
			}
			Expect(seen).To(HaveKeyWithValue("8100001a", "ether1"))
			Expect(seen).To(HaveKeyWithValue("8100001b", "ether2"))
		})

		It("should report an empty fan-out as fully acknowledged", func() {
			client := newClient(3799, time.Second)
			result := client.DisconnectUser(context.Background(), "User12345", nil, 0)
			Expect(result.Total).To(Equal(0))
			Expect(result.AllAcknowledged()).To(BeTrue())
		})
	})
})
