package zkteco

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ubuntu/decorate"
)

const (
	// DefaultPort is the TCP port the terminals listen on.
	DefaultPort = 4370

	// DefaultTimeout bounds the dial and every protocol exchange.
	DefaultTimeout = 5 * time.Second
)

// ErrUnauthorized is returned when the terminal rejects the comm key derived
// from the configured password.
var ErrUnauthorized = errors.New("device rejected authentication")

// Config holds the connection settings for a single terminal.
type Config struct {
	Host     string
	Port     int
	Password uint32

	// Timeout bounds the dial and each request/response exchange.
	Timeout time.Duration

	// Charset is the code page used to decode names stored on the terminal.
	Charset string
}

// Client is a session with a single terminal.
//
// A Client is not safe for concurrent use. All methods follow the
// request/response discipline of the terminal firmware.
type Client struct {
	cfg  Config
	conn net.Conn

	sessionID uint16
	replyID   uint16

	decode func([]byte) string
}

// Dial connects to the terminal and establishes a session, authenticating
// with the configured password when the terminal demands it.
func Dial(ctx context.Context, cfg Config) (c *Client, err error) {
	defer decorate.OnError(&err, "could not connect to device %s", cfg.Host)

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}

	c = &Client{
		cfg:     cfg,
		conn:    conn,
		replyID: ushrtMax - 1,
		decode:  newStringDecoder(cfg.Charset),
	}

	r, err := c.roundTrip(ctx, cmdConnect, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.sessionID = r.sessionID

	switch r.code {
	case cmdAckOK:
	case cmdAckUnauth:
		key := commKey(cfg.Password, c.sessionID)
		ar, err := c.roundTrip(ctx, cmdAuth, key[:])
		if err != nil {
			conn.Close()
			return nil, err
		}
		if ar.code != cmdAckOK {
			conn.Close()
			return nil, ErrUnauthorized
		}
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected connect response %#x", r.code)
	}

	return c, nil
}

// Sizes reads the record counters of the terminal.
func (c *Client) Sizes(ctx context.Context) (Sizes, error) {
	r, err := c.roundTrip(ctx, cmdGetFreeSizes, nil)
	if err != nil {
		return Sizes{}, fmt.Errorf("could not read device sizes: %w", err)
	}
	if r.code != cmdAckOK || len(r.data) < 80 {
		return Sizes{}, fmt.Errorf("could not read device sizes: response %#x with %d bytes", r.code, len(r.data))
	}
	return decodeSizes(r.data), nil
}

// Users reads the user table of the terminal.
func (c *Client) Users(ctx context.Context) (users []User, err error) {
	defer decorate.OnError(&err, "could not read users from %s", c.cfg.Host)

	sizes, err := c.Sizes(ctx)
	if err != nil {
		return nil, err
	}
	if sizes.Users == 0 {
		return nil, nil
	}

	data, err := c.readBuffered(ctx, cmdUserTempRRQ, fctUser, 0)
	if err != nil {
		return nil, err
	}
	return decodeUsers(data, sizes.Users, c.decode), nil
}

// Attendance reads the full attendance log of the terminal. The terminal
// returns every stored record on each read, deduplication is up to the caller.
func (c *Client) Attendance(ctx context.Context) (records []Record, err error) {
	defer decorate.OnError(&err, "could not read attendance from %s", c.cfg.Host)

	sizes, err := c.Sizes(ctx)
	if err != nil {
		return nil, err
	}
	if sizes.Records == 0 {
		return nil, nil
	}

	// User IDs in the compact record layout are resolved through the user table.
	users, err := c.Users(ctx)
	if err != nil {
		return nil, err
	}

	data, err := c.readBuffered(ctx, cmdAttLogRRQ, 0, 0)
	if err != nil {
		return nil, err
	}
	return decodeRecords(data, sizes.Records, users), nil
}

// Clock reads the wall clock of the terminal.
func (c *Client) Clock(ctx context.Context) (time.Time, error) {
	r, err := c.roundTrip(ctx, cmdGetTime, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not read device clock: %w", err)
	}
	if r.code != cmdAckOK || len(r.data) < 4 {
		return time.Time{}, fmt.Errorf("could not read device clock: response %#x with %d bytes", r.code, len(r.data))
	}
	return decodeTime(binary.LittleEndian.Uint32(r.data[:4])), nil
}

// Disconnect ends the session and closes the connection. The connection is
// closed even when the exit exchange fails.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}

	r, err := c.roundTrip(ctx, cmdExit, nil)
	closeErr := c.conn.Close()
	c.conn = nil

	if err != nil {
		return errors.Join(fmt.Errorf("could not end device session: %v", err), closeErr)
	}
	if r.code != cmdAckOK {
		return errors.Join(fmt.Errorf("unexpected exit response %#x", r.code), closeErr)
	}
	return closeErr
}

// readBuffered performs a buffered read of a whole on-device table.
//
// Small tables arrive inline with the prepare ack. Larger ones are pulled in
// chunks which the terminal may further split into a prepare/data/ack frame
// sequence.
func (c *Client) readBuffered(ctx context.Context, cmd uint16, fct int32, ext int32) ([]byte, error) {
	req := make([]byte, 11)
	req[0] = 1
	binary.LittleEndian.PutUint16(req[1:3], cmd)
	binary.LittleEndian.PutUint32(req[3:7], uint32(fct))
	binary.LittleEndian.PutUint32(req[7:11], uint32(ext))

	r, err := c.roundTrip(ctx, cmdPrepareBuffer, req)
	if err != nil {
		return nil, err
	}

	switch r.code {
	case cmdData:
		return r.data, nil
	case cmdAckOK:
	default:
		return nil, fmt.Errorf("buffered read rejected: response %#x", r.code)
	}

	if len(r.data) < 5 {
		return nil, fmt.Errorf("short buffer ack: %d bytes", len(r.data))
	}
	total := binary.LittleEndian.Uint32(r.data[1:5])

	buf := make([]byte, 0, total)
	for start := uint32(0); start < total; {
		size := min(total-start, maxChunkSize)
		chunk, err := c.readChunk(ctx, start, size)
		if err != nil {
			return nil, err
		}
		if uint32(len(chunk)) != size {
			return nil, fmt.Errorf("chunk at %d: got %d bytes, want %d", start, len(chunk), size)
		}
		buf = append(buf, chunk...)
		start += size
	}

	if err := c.freeData(ctx); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Client) readChunk(ctx context.Context, start, size uint32) ([]byte, error) {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:4], start)
	binary.LittleEndian.PutUint32(req[4:8], size)

	r, err := c.roundTrip(ctx, cmdReadBuffer, req)
	if err != nil {
		return nil, err
	}

	switch r.code {
	case cmdData:
		return r.data, nil
	case cmdPrepareData:
	default:
		return nil, fmt.Errorf("chunk read failed: response %#x", r.code)
	}

	if len(r.data) < 4 {
		return nil, fmt.Errorf("short prepare data response: %d bytes", len(r.data))
	}
	total := binary.LittleEndian.Uint32(r.data[0:4])

	buf := make([]byte, 0, total)
	for uint32(len(buf)) < total {
		f, err := c.readReply(ctx)
		if err != nil {
			return nil, err
		}
		if f.code != cmdData {
			return nil, fmt.Errorf("unexpected frame %#x while collecting chunk", f.code)
		}
		buf = append(buf, f.data...)
	}

	f, err := c.readReply(ctx)
	if err != nil {
		return nil, err
	}
	if f.code != cmdAckOK {
		return nil, fmt.Errorf("chunk not acknowledged: response %#x", f.code)
	}
	return buf, nil
}

func (c *Client) freeData(ctx context.Context) error {
	r, err := c.roundTrip(ctx, cmdFreeData, nil)
	if err != nil {
		return fmt.Errorf("could not free device buffer: %w", err)
	}
	if r.code != cmdAckOK {
		return fmt.Errorf("could not free device buffer: response %#x", r.code)
	}
	return nil
}

// roundTrip sends a command and reads the next reply frame, keeping the reply
// counter in sync with the terminal.
func (c *Client) roundTrip(ctx context.Context, cmd uint16, data []byte) (frame, error) {
	if err := ctx.Err(); err != nil {
		return frame{}, err
	}
	if err := c.setDeadline(ctx); err != nil {
		return frame{}, fmt.Errorf("could not set connection deadline: %v", err)
	}

	packet, next := buildPacket(cmd, c.sessionID, c.replyID, data)
	c.replyID = next
	if _, err := c.conn.Write(packet); err != nil {
		return frame{}, fmt.Errorf("could not send command %d: %w", cmd, err)
	}
	return c.readReply(ctx)
}

// readReply reads one frame and re-synchronizes the reply counter from it.
func (c *Client) readReply(ctx context.Context) (frame, error) {
	if err := c.setDeadline(ctx); err != nil {
		return frame{}, fmt.Errorf("could not set connection deadline: %v", err)
	}
	f, err := readFrame(c.conn)
	if err != nil {
		return frame{}, err
	}
	c.replyID = f.replyID
	return f, nil
}

// setDeadline applies the per-exchange timeout, tightened by the context
// deadline when that one is sooner.
func (c *Client) setDeadline(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.SetDeadline(deadline)
}
