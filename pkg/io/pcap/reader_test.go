package pcap

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, time.January, 8, 10, 0, 0, 0, time.UTC)

type capture struct {
	t   *testing.T
	w   *pcapgo.Writer
	buf bytes.Buffer
}

func newCapture(t *testing.T) *capture {
	c := &capture{t: t}
	c.w = pcapgo.NewWriter(&c.buf)
	require.NoError(t, c.w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	return c
}

type seg struct {
	src, dst      string
	sport, dport  uint16
	syn, ack, fin bool
	rst           bool
	payload       int
	at            time.Duration
}

func (c *capture) tcp(s seg) {
	c.t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(s.src),
		DstIP:    net.ParseIP(s.dst),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.sport),
		DstPort: layers.TCPPort(s.dport),
		SYN:     s.syn,
		ACK:     s.ack,
		FIN:     s.fin,
		RST:     s.rst,
		Window:  1024,
	}
	require.NoError(c.t, tcp.SetNetworkLayerForChecksum(ip))
	c.write(s.at, eth, ip, tcp, gopacket.Payload(make([]byte, s.payload)))
}

func (c *capture) udp(at time.Duration) {
	c.t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("192.168.1.5"),
		DstIP:    net.ParseIP("8.8.8.8"),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(c.t, udp.SetNetworkLayerForChecksum(ip))
	c.write(at, eth, ip, udp, gopacket.Payload([]byte("query")))
}

func (c *capture) write(at time.Duration, ls ...gopacket.SerializableLayer) {
	c.t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(c.t, gopacket.SerializeLayers(buf, opts, ls...))
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: t0.Add(at), CaptureLength: len(data), Length: len(data)}
	require.NoError(c.t, c.w.WritePacket(ci, data))
}

func sampleCapture(t *testing.T) *bytes.Buffer {
	c := newCapture(t)
	ms := time.Millisecond

	// ssh session that completes and closes cleanly
	c.tcp(seg{src: "192.168.1.5", dst: "10.0.0.9", sport: 50000, dport: 22, syn: true})
	c.tcp(seg{src: "10.0.0.9", dst: "192.168.1.5", sport: 22, dport: 50000, syn: true, ack: true, at: 30 * ms})
	c.tcp(seg{src: "192.168.1.5", dst: "10.0.0.9", sport: 50000, dport: 22, ack: true, at: 31 * ms})
	c.tcp(seg{src: "192.168.1.5", dst: "10.0.0.9", sport: 50000, dport: 22, ack: true, payload: 100, at: 40 * ms})
	c.tcp(seg{src: "10.0.0.9", dst: "192.168.1.5", sport: 22, dport: 50000, ack: true, payload: 200, at: 50 * ms})

	// refused https connection from outside
	c.tcp(seg{src: "203.0.113.7", dst: "192.168.1.1", sport: 40000, dport: 443, syn: true, at: time.Second})
	c.udp(time.Second + ms)
	c.tcp(seg{src: "192.168.1.1", dst: "203.0.113.7", sport: 443, dport: 40000, rst: true, ack: true, at: time.Second + 2*ms})

	c.tcp(seg{src: "192.168.1.5", dst: "10.0.0.9", sport: 50000, dport: 22, fin: true, ack: true, at: 1500 * ms})
	c.tcp(seg{src: "10.0.0.9", dst: "192.168.1.5", sport: 22, dport: 50000, fin: true, ack: true, at: 1510 * ms})

	// http connection still open at end of capture
	c.tcp(seg{src: "192.168.1.6", dst: "10.0.0.9", sport: 50001, dport: 80, syn: true, at: 2 * time.Second})
	c.tcp(seg{src: "10.0.0.9", dst: "192.168.1.6", sport: 80, dport: 50001, syn: true, ack: true, at: 2*time.Second + 5*ms})
	c.tcp(seg{src: "192.168.1.6", dst: "10.0.0.9", sport: 50001, dport: 80, ack: true, payload: 50, at: 2*time.Second + 6*ms})
	return &c.buf
}

func TestReaderRead(t *testing.T) {
	r, err := NewReader(sampleCapture(t))
	require.NoError(t, err)
	defer r.Close()

	events, err := r.Read()
	require.NoError(t, err)
	require.Len(t, events, 3)

	ssh := events[0]
	assert.Equal(t, "192.168.1.5:50000->10.0.0.9:22", ssh.ID)
	assert.Equal(t, "192.168.1.5", ssh.SourceIP)
	assert.Equal(t, "login", ssh.EventType)
	assert.True(t, ssh.Success)
	assert.InDelta(t, 0.030, ssh.ResponseTime, 1e-9)
	assert.Equal(t, int64(300), ssh.BytesTransferred)
	assert.Equal(t, 10, ssh.HourOfDay)
	assert.Equal(t, 2, ssh.DayOfWeek)

	refused := events[1]
	assert.Equal(t, "203.0.113.7", refused.SourceIP)
	assert.Equal(t, "api_call", refused.EventType)
	assert.False(t, refused.Success)
	assert.Zero(t, refused.ResponseTime)

	open := events[2]
	assert.Equal(t, "192.168.1.6", open.SourceIP)
	assert.True(t, open.Success)
	assert.InDelta(t, 0.005, open.ResponseTime, 1e-9)
	assert.Equal(t, int64(50), open.BytesTransferred)
}

func TestReaderStream(t *testing.T) {
	r, err := NewReader(sampleCapture(t))
	require.NoError(t, err)

	ch, err := r.Stream(t.Context())
	require.NoError(t, err)

	var ids []string
	for e := range ch {
		ids = append(ids, e.ID)
	}
	// Closed connections are emitted as they close, open ones at the end.
	assert.Equal(t, []string{
		"203.0.113.7:40000->192.168.1.1:443",
		"192.168.1.5:50000->10.0.0.9:22",
		"192.168.1.6:50001->10.0.0.9:80",
	}, ids)
}

func TestReaderMaxFlows(t *testing.T) {
	r, err := NewReader(sampleCapture(t), WithMaxFlows(1))
	require.NoError(t, err)

	ch, err := r.Stream(t.Context())
	require.NoError(t, err)

	var ids []string
	for e := range ch {
		ids = append(ids, e.ID)
	}
	// The ssh session is cut when the https connection opens and its
	// closing segments then form a connection of their own.
	assert.Equal(t, []string{
		"192.168.1.5:50000->10.0.0.9:22",
		"203.0.113.7:40000->192.168.1.1:443",
		"192.168.1.5:50000->10.0.0.9:22",
		"192.168.1.6:50001->10.0.0.9:80",
	}, ids)
	assert.Zero(t, r.tracker.Open())
	assert.NoError(t, r.Err())
}

type brokenSource struct{}

func (brokenSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return nil, gopacket.CaptureInfo{}, errors.New("device gone")
}

func TestReaderStreamReportsFailure(t *testing.T) {
	r := &Reader{
		source:  gopacket.NewPacketSource(brokenSource{}, layers.LinkTypeEthernet),
		tracker: NewTracker(0),
	}
	ch, err := r.Stream(t.Context())
	require.NoError(t, err)
	for range ch {
	}
	assert.ErrorContains(t, r.Err(), "device gone")

	_, err = r.Read()
	assert.Error(t, err)
}

func TestNewReaderRejectsGarbage(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("definitely not a capture")))
	assert.Error(t, err)
}

func TestEventType(t *testing.T) {
	tests := map[uint16]string{
		22:    "login",
		445:   "file_access",
		443:   "api_call",
		873:   "data_transfer",
		12345: "network_request",
	}
	for port, want := range tests {
		assert.Equal(t, want, eventType(port), "port %d", port)
	}
}
