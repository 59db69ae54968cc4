package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20

	// DefaultReadTimeout is the idle read deadline applied to each connection.
	DefaultReadTimeout = 30 * time.Second

	mllpWriteTimeout = 10 * time.Second
)

// ErrServerClosed is returned by Start after the server has been shut down.
var ErrServerClosed = errors.New("mllp: server closed")

// Handler processes messages received by an MLLPServer.
//
// ProcessMessage returns the response to send back. A nil response with a nil
// error sends nothing. When ProcessMessage returns an error the server builds
// a NAK for it and passes the serialized NAK to ProcessException, which may
// rewrite it; the returned string is what gets sent.
type Handler interface {
	ProcessMessage(ctx context.Context, msg *Message, meta *Metadata) (*Message, error)
	ProcessException(ctx context.Context, incoming string, meta *Metadata, outgoing string, err error) string
}

// HandlerFunc adapts a function to a Handler that sends exception
// responses unchanged.
type HandlerFunc func(ctx context.Context, msg *Message, meta *Metadata) (*Message, error)

func (f HandlerFunc) ProcessMessage(ctx context.Context, msg *Message, meta *Metadata) (*Message, error) {
	return f(ctx, msg, meta)
}

func (f HandlerFunc) ProcessException(_ context.Context, _ string, _ *Metadata, outgoing string, _ error) string {
	return outgoing
}

// MLLPServer listens for HL7v2 messages over MLLP/TCP. Messages on one
// connection are processed sequentially in arrival order; each connection
// has its own goroutine.
type MLLPServer struct {
	// ReadTimeout closes connections idle for longer than this. Zero
	// disables the idle timeout. Set before Start.
	ReadTimeout time.Duration

	addr     string
	handler  Handler
	listener net.Listener
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMLLPServer creates a new MLLP server that will listen on the given
// address and dispatch parsed messages to handler.
func NewMLLPServer(addr string, handler Handler, logger zerolog.Logger) *MLLPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &MLLPServer{
		ReadTimeout: DefaultReadTimeout,
		addr:        addr,
		handler:     handler,
		logger:      logger.With().Str("component", "mllp").Str("addr", addr).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *MLLPServer) Start() error {
	select {
	case <-s.done:
		return ErrServerClosed
	default:
	}
	if s.listener != nil {
		return fmt.Errorf("mllp: server already started on %s", s.Addr())
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("MLLP listener started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	return nil
}

// Shutdown stops accepting connections, wakes idle connections and waits for
// exchanges in progress to complete. If ctx ends first, the remaining
// connections are closed and the handlers' contexts are cancelled.
func (s *MLLPServer) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			err = s.listener.Close()
		}

		// An expired read deadline unblocks connections waiting for data.
		// Connections in the middle of an exchange finish writing their
		// response before they notice.
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.SetReadDeadline(time.Now())
		}
		s.mu.Unlock()
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		s.cancel()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-finished
		if err == nil {
			err = ctx.Err()
		}
	}
	s.cancel()
	s.logger.Info().Msg("MLLP listener stopped")
	return err
}

// Stop shuts the server down without waiting for exchanges in progress.
func (s *MLLPServer) Stop() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Shutdown(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *MLLPServer) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// handleConnection reads MLLP-framed messages from conn, parses them,
// dispatches to the handler, and writes back any response.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("connection opened")
	defer log.Debug().Msg("connection closed")

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		if s.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
		// Checked after the deadline is set so a concurrent Shutdown cannot
		// be missed.
		if s.closing() {
			return
		}

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > mllpMaxMessageSize {
				log.Warn().Int("size", len(buf)).Msg("message exceeds max size, closing connection")
				return
			}

			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.processMessage(conn, msgBytes, log)
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && !s.closing() {
				// The deadline is renewed after every read, so this peer sent
				// nothing for ReadTimeout, mid-frame or not.
				log.Info().Int("buffered", len(buf)).Dur("timeout", s.ReadTimeout).Msg("idle connection closed")
			}
			return
		}
	}
}

// processMessage parses a single message, calls the handler, and writes
// the response (if any) back to conn.
func (s *MLLPServer) processMessage(conn net.Conn, raw []byte, log zerolog.Logger) {
	meta := NewMetadata(conn.RemoteAddr().String(), conn.LocalAddr().String())

	msg, err := Parse(raw)
	if err != nil {
		// Without a header there is nobody to address a NAK to.
		log.Error().Err(err).Msg("unparseable message discarded")
		return
	}

	var out string
	resp, err := s.handle(msg, meta)
	switch {
	case err != nil:
		nak := string(SerializeMessage(GenerateNAK(msg, err)))
		out = s.handler.ProcessException(s.ctx, string(raw), meta, nak, err)
	case resp != nil:
		out = string(SerializeMessage(resp))
	default:
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(FrameMessage([]byte(out))); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

// handle invokes the handler, turning a panic into an error so that the
// sender still receives a NAK.
func (s *MLLPServer) handle(msg *Message, meta *Metadata) (resp *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mllp: handler panic: %v", r)
		}
	}()
	return s.handler.ProcessMessage(s.ctx, msg, meta)
}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endSeq := []byte{MLLPEndBlock, MLLPCarriageReturn}
	endIdx := bytes.Index(data[startIdx+1:], endSeq)
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// SerializeMessage converts a Message struct back into raw HL7v2 bytes
// with \r segment separators.
func SerializeMessage(msg *Message) []byte {
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		// Fields[0] is the field separator itself; join from MSH-2.
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}

// String returns the message in its wire form with \r separators.
func (m *Message) String() string {
	return string(SerializeMessage(m))
}
