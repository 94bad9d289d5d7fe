// Package mqttbroker is a small in-process MQTT 3.1.1 broker with QoS 0 and 1
// delivery. It backs the cloud simulator and the MQTT client tests.
package mqttbroker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"neobell/edge/internal/errors"
)

// Message is a publish received from a client.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
}

// Handler is invoked for each received publish, after it has been acknowledged.
type Handler func(context.Context, Message)

const (
	pktConnect     = 1
	pktPublish     = 3
	pktPubAck      = 4
	pktSubscribe   = 8
	pktUnsubscribe = 10
	pktPingReq     = 12
	pktDisconnect  = 14
)

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	clientID string
	closed   atomic.Bool
	nextID   atomic.Uint32

	writeMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string]byte // filter -> granted qos
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		subs:   make(map[string]byte),
	}
}

// grantFor returns the highest qos granted by any filter matching topic.
func (s *session) grantFor(topic string) (byte, bool) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	var (
		best  byte
		found bool
	)
	for filter, qos := range s.subs {
		if TopicMatches(filter, topic) {
			if !found || qos > best {
				best = qos
			}
			found = true
		}
	}
	return best, found
}

func (s *session) subscribe(filter string, qos byte) {
	s.subsMu.Lock()
	s.subs[filter] = qos
	s.subsMu.Unlock()
}

func (s *session) unsubscribe(filter string) {
	s.subsMu.Lock()
	delete(s.subs, filter)
	s.subsMu.Unlock()
}

func (s *session) packetID() uint16 {
	for {
		id := uint16(s.nextID.Add(1))
		if id != 0 {
			return id
		}
	}
}

func (s *session) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(packet)
	return err
}

// Broker accepts MQTT clients on a TCP listener.
type Broker struct {
	logger       *slog.Logger
	handler      atomic.Value // Handler
	mu           sync.Mutex
	listener     net.Listener
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

func New(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, sessions: make(map[*session]struct{})}
	b.handler.Store(Handler(func(context.Context, Message) {}))
	return b
}

// Start listens on bind. The returned channel is closed when the accept
// loop ends and carries the fatal error, if any.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, errors.Wrap(err, "mqtt listen")
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- errors.Wrap(err, "mqtt accept")
				return
			}

			s := newSession(conn)
			b.sessionsMu.Lock()
			b.sessions[s] = struct{}{}
			b.sessionsMu.Unlock()

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(s)
			}()
		}
	}()

	return errCh, nil
}

// Addr is the bound listener address, or "" before Start.
func (b *Broker) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Stop closes the listener and every client connection.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for s := range b.sessions {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	b.sessions = make(map[*session]struct{})
	b.sessionsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the callback for received publishes.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, Message) {}
	}
	b.handler.Store(h)
}

// Publish delivers a message from the broker itself to every matching subscriber.
func (b *Broker) Publish(topic string, payload []byte, qos byte) error {
	if qos > 1 {
		return fmt.Errorf("unsupported qos %d", qos)
	}
	b.deliver(topic, payload, qos, nil)
	return nil
}

// Clients returns the ids of connected clients.
func (b *Broker) Clients() []string {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	ids := make([]string, 0, len(b.sessions))
	for s := range b.sessions {
		if s.clientID != "" {
			ids = append(ids, s.clientID)
		}
	}
	return ids
}

func (b *Broker) deliver(topic string, payload []byte, qos byte, from *session) {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	for s := range b.sessions {
		if s == from {
			continue
		}
		granted, ok := s.grantFor(topic)
		if !ok {
			continue
		}
		effective := min(qos, granted)
		var id uint16
		if effective > 0 {
			id = s.packetID()
		}
		packet, err := encodePublish(topic, payload, effective, id)
		if err != nil {
			b.logger.Warn("encode publish", "topic", topic, "error", err)
			return
		}
		if err := s.write(packet); err != nil {
			b.logger.Debug("deliver publish failed", "client", s.clientID, "error", err)
		}
	}
}

func (b *Broker) serve(s *session) {
	defer func() {
		s.closed.Store(true)
		b.sessionsMu.Lock()
		delete(b.sessions, s)
		b.sessionsMu.Unlock()
		_ = s.conn.Close()
	}()

	ctx := context.Background()
	for {
		header, err := s.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				b.logger.Debug("read header", "error", err)
			}
			return
		}
		remaining, err := readRemainingLength(s.reader)
		if err != nil {
			b.logger.Debug("read remaining length", "error", err)
			return
		}
		body := make([]byte, remaining)
		if _, err := io.ReadFull(s.reader, body); err != nil {
			b.logger.Debug("read packet body", "error", err)
			return
		}

		switch kind := header >> 4; kind {
		case pktConnect:
			err = b.onConnect(s, body)
		case pktPublish:
			err = b.onPublish(ctx, s, header, body)
		case pktPubAck:
			// no redelivery, nothing to release
		case pktSubscribe:
			err = b.onSubscribe(s, body)
		case pktUnsubscribe:
			err = b.onUnsubscribe(s, body)
		case pktPingReq:
			err = s.write([]byte{0xD0, 0x00})
		case pktDisconnect:
			return
		default:
			err = fmt.Errorf("unsupported packet type %d", kind)
		}
		if err != nil {
			b.logger.Debug("mqtt session closed", "client", s.clientID, "error", err)
			return
		}
	}
}

func (b *Broker) onConnect(s *session, body []byte) error {
	rd := packetReader(body)

	proto, err := rd.str()
	if err != nil {
		return errors.Wrap(err, "read protocol name")
	}
	if proto != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", proto)
	}
	level, err := rd.u8()
	if err != nil {
		return errors.Wrap(err, "read protocol level")
	}
	if level != 4 {
		return fmt.Errorf("unsupported protocol level %d", level)
	}
	flags, err := rd.u8()
	if err != nil {
		return errors.Wrap(err, "read connect flags")
	}
	// will messages are not supported; clean session is implied
	if flags&0x3C != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}
	if _, err := rd.u16(); err != nil {
		return errors.Wrap(err, "read keepalive")
	}
	clientID, err := rd.str()
	if err != nil {
		return errors.Wrap(err, "read client id")
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	if flags&0x80 != 0 {
		if _, err := rd.str(); err != nil {
			return errors.Wrap(err, "read username")
		}
	}
	if flags&0x40 != 0 {
		if _, err := rd.str(); err != nil {
			return errors.Wrap(err, "read password")
		}
	}
	s.clientID = clientID
	b.logger.Debug("mqtt client connected", "client", clientID)

	return s.write([]byte{0x20, 0x02, 0x00, 0x00})
}

func (b *Broker) onPublish(ctx context.Context, s *session, header byte, body []byte) error {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return fmt.Errorf("unsupported qos %d", qos)
	}
	rd := packetReader(body)
	topic, err := rd.str()
	if err != nil {
		return errors.Wrap(err, "read topic")
	}
	if qos == 1 {
		id, err := rd.u16()
		if err != nil {
			return errors.Wrap(err, "read packet id")
		}
		if err := s.write([]byte{0x40, 0x02, byte(id >> 8), byte(id)}); err != nil {
			return errors.Wrap(err, "write puback")
		}
	}

	msg := Message{ClientID: s.clientID, Topic: topic, Payload: rd.rest(), QoS: qos}
	if h, ok := b.handler.Load().(Handler); ok {
		b.invoke(ctx, h, msg)
	}
	b.deliver(topic, msg.Payload, qos, s)
	return nil
}

func (b *Broker) onSubscribe(s *session, body []byte) error {
	rd := packetReader(body)
	id, err := rd.u16()
	if err != nil {
		return errors.Wrap(err, "read packet id")
	}

	var granted []byte
	for len(rd) > 0 {
		filter, err := rd.str()
		if err != nil {
			return errors.Wrap(err, "read topic filter")
		}
		want, err := rd.u8()
		if err != nil {
			return errors.Wrap(err, "read requested qos")
		}
		g := min(want&0x03, 1)
		s.subscribe(filter, g)
		granted = append(granted, g)
	}
	if len(granted) == 0 {
		return errors.New("subscribe without topics")
	}

	packet := []byte{0x90}
	packet = append(packet, encodeRemainingLength(2+len(granted))...)
	packet = append(packet, byte(id>>8), byte(id))
	packet = append(packet, granted...)
	return s.write(packet)
}

func (b *Broker) onUnsubscribe(s *session, body []byte) error {
	rd := packetReader(body)
	id, err := rd.u16()
	if err != nil {
		return errors.Wrap(err, "read packet id")
	}
	for len(rd) > 0 {
		filter, err := rd.str()
		if err != nil {
			return errors.Wrap(err, "read topic filter")
		}
		s.unsubscribe(filter)
	}
	return s.write([]byte{0xB0, 0x02, byte(id >> 8), byte(id)})
}

func (b *Broker) invoke(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}

// TopicMatches reports whether an MQTT topic filter matches topic.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

func encodePublish(topic string, payload []byte, qos byte, id uint16) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, errors.New("topic too long")
	}
	remaining := 2 + len(topic) + len(payload)
	if qos > 0 {
		remaining += 2
	}
	packet := make([]byte, 0, 5+remaining)
	packet = append(packet, 0x30|qos<<1)
	packet = append(packet, encodeRemainingLength(remaining)...)
	packet = append(packet, byte(len(topic)>>8), byte(len(topic)))
	packet = append(packet, topic...)
	if qos > 0 {
		packet = append(packet, byte(id>>8), byte(id))
	}
	return append(packet, payload...), nil
}

type packetReader []byte

func (r *packetReader) u8() (byte, error) {
	if len(*r) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*r)[0]
	*r = (*r)[1:]
	return v, nil
}

func (r *packetReader) u16() (uint16, error) {
	if len(*r) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*r)[0])<<8 | uint16((*r)[1])
	*r = (*r)[2:]
	return v, nil
}

func (r *packetReader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if len(*r) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*r)[:n])
	*r = (*r)[n:]
	return s, nil
}

func (r *packetReader) rest() []byte {
	out := make([]byte, len(*r))
	copy(out, *r)
	*r = nil
	return out
}

func readRemainingLength(r io.ByteReader) (int, error) {
	multiplier, value := 1, 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errors.New("malformed remaining length")
}

func encodeRemainingLength(n int) []byte {
	var out []byte
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		out = append(out, digit)
		if n == 0 {
			return out
		}
	}
}
