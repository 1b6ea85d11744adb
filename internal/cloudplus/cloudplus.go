// Package cloudplus implements the CloudPlus TypeB TCP/IP gate-control
// protocol: STX/ETX-framed commands with an XOR checksum, where the
// device-to-server direction swaps the two length bytes relative to the
// server-to-device direction.
package cloudplus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	stx         = 0x02
	etx         = 0x03
	minFrameLen = 9
	maxDataLen  = 4096

	cmdHeartbeat = 0x56
	cmdRequest   = 0x53
	cmdOpenDoor  = 0x2C
)

// ErrQueueFull is returned by SendOpen when the outbound queue is
// saturated; the caller should treat this as a dropped command, not retry
// synchronously.
var ErrQueueFull = errors.New("cloudplus: outbound queue full")

// Frame is a parsed device-to-server frame.
type Frame struct {
	Rand     byte
	Command  byte
	Address  byte
	Door     byte
	Data     []byte
	Valid    bool
	ParseErr string
}

// ParseFrame parses the leading frame out of buf, returning the frame and
// the number of bytes consumed. Returns (Frame{}, 0, false) if buf does not
// yet contain a complete frame. An invalid-but-consumable frame (bad
// checksum, bad ETX, or resync past garbage before STX) is returned with
// Valid=false and a non-zero consumed count so the caller can keep
// draining the stream.
func ParseFrame(buf []byte) (Frame, int, bool) {
	if len(buf) < minFrameLen {
		return Frame{}, 0, false
	}

	stxIdx := bytes.IndexByte(buf, stx)
	if stxIdx < 0 {
		return Frame{}, 0, false
	}
	if stxIdx > 0 {
		return Frame{Valid: false, ParseErr: "skipping to STX"}, stxIdx, true
	}

	if len(buf) < 7 {
		return Frame{}, 0, false
	}

	rand := buf[1]
	command := buf[2]
	address := buf[3]
	door := buf[4]

	// Device→server: length bytes are swapped (high, low).
	dataLen := int(buf[6]) | int(buf[5])<<8
	if dataLen > maxDataLen {
		return Frame{Rand: rand, Command: command, Address: address, Door: door,
			Valid: false, ParseErr: "data length exceeds maximum"}, 1, true
	}

	totalLen := 7 + dataLen + 2
	if len(buf) < totalLen {
		return Frame{}, 0, false
	}

	var data []byte
	if dataLen > 0 {
		data = append(data, buf[7:7+dataLen]...)
	}

	checksum := buf[7+dataLen]
	etxByte := buf[7+dataLen+1]

	if etxByte != etx {
		return Frame{Rand: rand, Command: command, Address: address, Door: door, Data: data,
			Valid: false, ParseErr: "invalid ETX"}, totalLen, true
	}

	expected := xorChecksum(buf[:7+dataLen])
	if checksum != expected {
		return Frame{Rand: rand, Command: command, Address: address, Door: door, Data: data,
			Valid: false, ParseErr: "checksum mismatch"}, totalLen, true
	}

	return Frame{Rand: rand, Command: command, Address: address, Door: door, Data: data, Valid: true}, totalLen, true
}

func xorChecksum(data []byte) byte {
	var acc byte
	for _, b := range data {
		acc ^= b
	}
	return acc
}

// BuildFrame builds a server→device frame. Length bytes are normal
// (low, high) in this direction.
func BuildFrame(command, address, door byte, data []byte) []byte {
	return buildFrameWithRand(command, address, door, 0x00, data)
}

func buildFrameWithRand(command, address, door, rnd byte, data []byte) []byte {
	dataLen := len(data)
	if dataLen > 0xFFFF {
		return nil
	}

	frame := make([]byte, 7+dataLen+2)
	frame[0] = stx
	frame[1] = rnd
	frame[2] = command
	frame[3] = address
	frame[4] = door
	frame[5] = byte(dataLen & 0xFF)
	frame[6] = byte((dataLen >> 8) & 0xFF)
	copy(frame[7:7+dataLen], data)
	frame[7+dataLen] = xorChecksum(frame[:7+dataLen])
	frame[7+dataLen+1] = etx
	return frame
}

// HeartbeatData is the parsed payload of a device heartbeat frame.
type HeartbeatData struct {
	ReceivedAt   time.Time
	DoorState    byte
	RelayStatus  byte
	OEMCode      uint16
	SerialNumber [6]byte
	Version      byte
}

func parseHeartbeat(data []byte) (HeartbeatData, bool) {
	if len(data) < 50 {
		return HeartbeatData{}, false
	}
	hb := HeartbeatData{ReceivedAt: time.Now()}
	if len(data) > 7 {
		hb.DoorState = data[7]
	}
	if len(data) > 12 {
		hb.RelayStatus = data[12]
	}
	if len(data) > 20 {
		hb.OEMCode = uint16(data[19]) | uint16(data[20])<<8
	}
	if len(data) > 18 {
		hb.Version = data[18]
	}
	if len(data) > 26 {
		copy(hb.SerialNumber[:], data[21:27])
	}
	return hb, true
}

// Config configures a Client's connection to the gate controller.
type Config struct {
	Addr         string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the CloudPlus controller's conventional defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Client maintains a reconnecting TCP connection to a CloudPlus gate
// controller, queuing outbound commands through a bounded channel so a slow
// or dead link never blocks the caller.
type Client struct {
	config Config
	log    *slog.Logger

	outbound chan []byte
	internal chan []byte

	connectedCh chan bool
}

// NewClient creates a Client. Call Run in its own goroutine to establish
// and maintain the connection.
func NewClient(config Config, log *slog.Logger) *Client {
	return &Client{
		config:      config,
		log:         log,
		outbound:    make(chan []byte, 64),
		internal:    make(chan []byte, 16),
		connectedCh: make(chan bool, 1),
	}
}

// OutboundQueueDepth reports how many commands are currently queued,
// exposed for the gate-worker queue-utilization metric.
func (c *Client) OutboundQueueDepth() int { return len(c.outbound) }

// OutboundQueueCapacity is the outbound channel's fixed capacity.
func (c *Client) OutboundQueueCapacity() int { return cap(c.outbound) }

// SendOpen enqueues an open-door command for doorID (0 or 1), returning the
// enqueue latency in microseconds. Returns ErrQueueFull if the outbound
// queue is saturated; the caller should count this as a dropped command,
// never retry synchronously on the hot path.
func (c *Client) SendOpen(doorID byte) (uint64, error) {
	start := time.Now()
	door := doorID + 1
	if doorID > 1 {
		door = 1
	}
	frame := BuildFrame(cmdOpenDoor, 0xff, door, nil)

	select {
	case c.outbound <- frame:
		return uint64(time.Since(start).Microseconds()), nil
	default:
		return 0, ErrQueueFull
	}
}

// Run dials the controller and services it until ctx is canceled,
// reconnecting with a fixed backoff on any I/O error.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Error("cloudplus_connect_failed", slog.Any("error", err))
			if !sleepOrDone(ctx, 2*time.Second) {
				return
			}
			continue
		}

		c.log.Info("cloudplus_connected", slog.String("addr", c.config.Addr))
		select {
		case c.connectedCh <- true:
		default:
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			c.readLoop(conn)
		}()
		c.writeLoop(ctx, conn)
		<-done

		conn.Close()
		if !sleepOrDone(ctx, 2*time.Second) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Addr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return conn, nil
}

func (c *Client) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	var acc []byte

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.log.Error("cloudplus_read_error", slog.Any("error", err))
			return
		}
		if n == 0 {
			c.log.Warn("cloudplus_connection_closed")
			return
		}

		acc = append(acc, buf[:n]...)

		for {
			frame, consumed, ok := ParseFrame(acc)
			if !ok {
				break
			}
			acc = acc[consumed:]

			if !frame.Valid {
				if frame.ParseErr != "" && frame.ParseErr != "skipping to STX" {
					c.log.Warn("cloudplus_invalid_frame", slog.String("error", frame.ParseErr))
				}
				continue
			}

			c.handleFrame(frame)
		}
	}
}

func (c *Client) handleFrame(frame Frame) {
	switch frame.Command {
	case cmdHeartbeat:
		hb, ok := parseHeartbeat(frame.Data)
		if !ok {
			return
		}
		c.log.Debug("cloudplus_heartbeat_received",
			slog.Int("oem_code", int(hb.OEMCode)),
			slog.Int("door_state", int(hb.DoorState)),
			slog.Int("relay_status", int(hb.RelayStatus)))

		hi := byte((hb.OEMCode >> 8) & 0xFF)
		lo := byte(hb.OEMCode & 0xFF)
		resp := buildFrameWithRand(cmdHeartbeat, 0, 0, frame.Rand, []byte{hi, lo})
		select {
		case c.internal <- resp:
		default:
		}
	case cmdRequest:
		c.log.Info("cloudplus_request_received",
			slog.Int("address", int(frame.Address)),
			slog.Int("door", int(frame.Door)),
			slog.Int("data_len", len(frame.Data)))
	default:
		c.log.Debug("cloudplus_unknown_command", slog.Int("command", int(frame.Command)))
	}
}

func (c *Client) writeLoop(ctx context.Context, conn net.Conn) {
	for {
		var msg []byte
		select {
		case <-ctx.Done():
			return
		case msg = <-c.outbound:
		case msg = <-c.internal:
		}

		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		if _, err := conn.Write(msg); err != nil {
			c.log.Error("cloudplus_write_error", slog.Any("error", err))
			return
		}
		c.log.Debug("cloudplus_frame_sent", slog.Int("len", len(msg)), slog.String("hex", fmt.Sprintf("% X", msg)))
	}
}
