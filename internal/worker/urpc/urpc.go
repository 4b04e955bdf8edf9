// Package urpc implements a length-prefixed TCP contract standing in
// for the wire protocol spec.md explicitly scopes out: a connection-
// limited listener dispatching framed requests to an in-process
// Dispatcher, with graceful shutdown.
//
// Grounded on original_source/src/urpc/server.rs (Listener, backoff-
// on-accept-error loop, Handler, shutdown via broadcast).
package urpc

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// maxConnections bounds concurrent connections, mirroring the
// original's MAX_CONNECTIONS constant.
const maxConnections = 40000

// maxBackoff caps the accept-retry backoff, mirroring the original's
// 64-second ceiling.
const maxBackoff = 64 * time.Second

// Frame is one decoded request: an opaque command name plus payload,
// left for the Dispatcher to interpret.
type Frame struct {
	Command string
	Payload []byte
}

// Dispatcher applies a decoded Frame and returns the response bytes
// to write back.
type Dispatcher interface {
	Apply(ctx context.Context, frame Frame) ([]byte, error)
}

// Listener accepts framed TCP connections and dispatches them to a
// Dispatcher, with bounded concurrency and exponential backoff on
// transient accept errors.
type Listener struct {
	ln         net.Listener
	limit      *semaphore.Weighted
	dispatcher Dispatcher

	wg sync.WaitGroup
}

// Listen binds addr and returns a Listener ready to Run.
func Listen(addr string, dispatcher Dispatcher) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		ln:         ln,
		limit:      semaphore.NewWeighted(maxConnections),
		dispatcher: dispatcher,
	}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Run accepts connections until ctx is cancelled, then closes the
// listener and waits for in-flight handlers to finish.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	backoff := time.Second
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
			}
			log.Printf("urpc: accept error: %s; retrying in %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if err := l.limit.Acquire(ctx, 1); err != nil {
			conn.Close()
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.limit.Release(1)
			handleConnection(ctx, conn, l.dispatcher)
		}()
	}
}

// handleConnection serves one connection until it errors, closes, or
// ctx is cancelled.
func handleConnection(ctx context.Context, conn net.Conn, dispatcher Dispatcher) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("urpc: read frame failed: %s", err)
			}
			return
		}

		resp, err := dispatcher.Apply(ctx, frame)
		if err != nil {
			log.Printf("urpc: dispatch failed for command %q: %s", frame.Command, err)
			resp = []byte(err.Error())
		}

		if err := writeFrame(conn, resp); err != nil {
			log.Printf("urpc: write frame failed: %s", err)
			return
		}
	}
}

// Frame wire format: [u32 command_len][command][u32 payload_len][payload].
func readFrame(r io.Reader) (Frame, error) {
	cmd, err := readLenPrefixed(r)
	if err != nil {
		return Frame{}, err
	}
	payload, err := readLenPrefixed(r)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Command: string(cmd), Payload: payload}, nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
