// Package pcap turns TCP connections found in capture files into security events.
package pcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hed1ad/eventguard/pkg/event"
	eventio "github.com/hed1ad/eventguard/pkg/io"
)

// DefaultMaxFlows bounds the connections a Tracker keeps open.
const DefaultMaxFlows = 65536

// Reader reads packets from a classic pcap stream and emits one event per
// TCP connection, as soon as the connection closes or at end of input.
type Reader struct {
	source  *gopacket.PacketSource
	closer  io.Closer
	tracker *Tracker
	pending []event.SecurityEvent
	done    bool

	mu  sync.Mutex
	err error
}

// Option configures a Reader.
type Option func(*options)

type options struct {
	maxFlows int
}

// WithMaxFlows bounds the open connections tracked at once. When a new
// connection would exceed it, the oldest open one is emitted early.
func WithMaxFlows(n int) Option {
	return func(o *options) {
		o.maxFlows = n
	}
}

// Open creates a reader for the named capture file.
func Open(filename string, opts ...Option) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader creates a reader over a pcap stream.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	pr, err := pcapgo.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("pcap: %w", err)
	}
	ps := gopacket.NewPacketSource(pr, pr.LinkType())
	ps.DecodeOptions = gopacket.DecodeOptions{Lazy: true}
	return &Reader{source: ps, tracker: NewTracker(o.maxFlows)}, nil
}

// Read returns the events of every connection in the capture, ordered by
// connection start.
func (r *Reader) Read() ([]event.SecurityEvent, error) {
	var events []event.SecurityEvent
	for {
		e, ok, err := r.next()
		if err != nil {
			return events, err
		}
		if !ok {
			break
		}
		events = append(events, e)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// Stream returns a channel of events for real-time processing. A read
// failure ends the stream and is reported by Err.
func (r *Reader) Stream(ctx context.Context) (<-chan event.SecurityEvent, error) {
	return eventio.Pump(ctx, 1000, r.next, r.fail), nil
}

// Err returns the failure that ended a Stream, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reader) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) next() (event.SecurityEvent, bool, error) {
	for len(r.pending) == 0 {
		if r.done {
			return event.SecurityEvent{}, false, nil
		}
		packet, err := r.source.NextPacket()
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			r.done = true
			r.pending = r.tracker.Flush()
			continue
		case err != nil:
			return event.SecurityEvent{}, false, fmt.Errorf("pcap: %w", err)
		}
		r.pending = r.tracker.Add(packet)
	}
	e := r.pending[0]
	r.pending = r.pending[1:]
	return e, true, nil
}

// flowKey identifies a connection independent of packet direction.
type flowKey struct {
	a, b netip.AddrPort
}

func keyOf(src, dst netip.AddrPort) flowKey {
	if src.Compare(dst) < 0 {
		return flowKey{src, dst}
	}
	return flowKey{dst, src}
}

type flow struct {
	key            flowKey
	client, server netip.AddrPort
	first          time.Time
	synAt          time.Time
	synAckAt       time.Time
	payload        int64
	reset          bool
	clientFin      bool
	serverFin      bool
}

// Tracker assembles TCP packets into connections. At most limit
// connections are open at once.
type Tracker struct {
	flows map[flowKey]*flow
	order []*flow // by first packet; may hold flows already closed
	limit int
}

// NewTracker returns an empty Tracker. A limit below 1 selects DefaultMaxFlows.
func NewTracker(limit int) *Tracker {
	if limit < 1 {
		limit = DefaultMaxFlows
	}
	return &Tracker{flows: make(map[flowKey]*flow), limit: limit}
}

// Open is the number of connections currently tracked.
func (t *Tracker) Open() int { return len(t.flows) }

// evictOldest removes the oldest open connection and returns its event.
func (t *Tracker) evictOldest() (event.SecurityEvent, bool) {
	for len(t.order) > 0 {
		f := t.order[0]
		t.order = t.order[1:]
		if t.flows[f.key] == f {
			delete(t.flows, f.key)
			return f.event(), true
		}
	}
	return event.SecurityEvent{}, false
}

func (t *Tracker) track(f *flow) {
	t.flows[f.key] = f
	t.order = append(t.order, f)
	if len(t.order) > 2*len(t.flows)+64 {
		live := t.order[:0]
		for _, o := range t.order {
			if t.flows[o.key] == o {
				live = append(live, o)
			}
		}
		clear(t.order[len(live):])
		t.order = live
	}
}

// Add feeds one packet and returns the events of connections it closed or
// evicted to stay within the limit. Non-TCP packets are ignored.
func (t *Tracker) Add(packet gopacket.Packet) []event.SecurityEvent {
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return nil
	}
	tcp := tcpLayer.(*layers.TCP)
	srcIP, dstIP, ok := addresses(packet)
	if !ok {
		return nil
	}
	src := netip.AddrPortFrom(srcIP, uint16(tcp.SrcPort))
	dst := netip.AddrPortFrom(dstIP, uint16(tcp.DstPort))
	ts := packet.Metadata().Timestamp

	var out []event.SecurityEvent
	key := keyOf(src, dst)
	f, seen := t.flows[key]
	if !seen {
		for len(t.flows) >= t.limit {
			e, ok := t.evictOldest()
			if !ok {
				break
			}
			out = append(out, e)
		}
		// Without a SYN the first sender is taken to be the client.
		f = &flow{key: key, client: src, server: dst, first: ts}
		if tcp.SYN && tcp.ACK {
			f.client, f.server = dst, src
		}
		t.track(f)
	}

	fromClient := src == f.client
	switch {
	case tcp.SYN && !tcp.ACK && f.synAt.IsZero():
		f.synAt = ts
	case tcp.SYN && tcp.ACK && f.synAckAt.IsZero():
		f.synAckAt = ts
	}
	f.payload += int64(len(tcp.Payload))
	if tcp.RST {
		f.reset = true
	}
	if tcp.FIN {
		if fromClient {
			f.clientFin = true
		} else {
			f.serverFin = true
		}
	}

	if f.reset || (f.clientFin && f.serverFin) {
		delete(t.flows, key)
		out = append(out, f.event())
	}
	return out
}

// Flush returns the events of every connection still open, ordered by start.
func (t *Tracker) Flush() []event.SecurityEvent {
	open := make([]*flow, 0, len(t.flows))
	for k, f := range t.flows {
		open = append(open, f)
		delete(t.flows, k)
	}
	t.order = nil
	sort.Slice(open, func(i, j int) bool {
		if open[i].first.Equal(open[j].first) {
			return open[i].client.Compare(open[j].client) < 0
		}
		return open[i].first.Before(open[j].first)
	})
	events := make([]event.SecurityEvent, len(open))
	for i, f := range open {
		events[i] = f.event()
	}
	return events
}

func (f *flow) event() event.SecurityEvent {
	handshake := !f.synAt.IsZero() && !f.synAckAt.IsZero()
	var latency float64
	if handshake {
		latency = f.synAckAt.Sub(f.synAt).Seconds()
	}
	e := event.SecurityEvent{
		ID:               f.client.String() + "->" + f.server.String(),
		UserID:           f.client.Addr().String(),
		SourceIP:         f.client.Addr().String(),
		EventType:        eventType(f.server.Port()),
		Success:          !f.reset && (handshake || f.synAt.IsZero()),
		ResponseTime:     latency,
		BytesTransferred: f.payload,
	}
	return e.WithTime(f.first.UTC())
}

func addresses(packet gopacket.Packet) (src, dst netip.Addr, ok bool) {
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		src, ok1 := netip.AddrFromSlice(ip.SrcIP.To4())
		dst, ok2 := netip.AddrFromSlice(ip.DstIP.To4())
		return src, dst, ok1 && ok2
	case *layers.IPv6:
		src, ok1 := netip.AddrFromSlice(ip.SrcIP)
		dst, ok2 := netip.AddrFromSlice(ip.DstIP)
		return src, dst, ok1 && ok2
	}
	return netip.Addr{}, netip.Addr{}, false
}

// eventType classifies a connection by its server port.
func eventType(port uint16) string {
	switch port {
	case 22, 23, 3389, 5900:
		return "login"
	case 20, 21, 139, 445, 2049:
		return "file_access"
	case 873, 989, 990:
		return "data_transfer"
	case 80, 443, 8080, 8443:
		return "api_call"
	default:
		return "network_request"
	}
}
