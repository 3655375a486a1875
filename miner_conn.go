package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"
)

// rawFrame is the first-pass parse of an incoming line: enough to tell a
// request from a response to one of our own set_difficulty/notify frames.
type rawFrame struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
	Result json.RawMessage `json:"result"`
}

// serveConn owns one miner connection: it registers the session, processes
// lines until EOF or error, and removes the session on the way out.
func (s *stratumServer) serveConn(conn net.Conn) {
	client := newStratumClient(conn)

	s.cs.Lock()
	if s.shutdown {
		s.cs.Unlock()
		client.closeConn()
		return
	}
	s.subscriptions[client] = struct{}{}
	s.metrics.RecordConnection()
	s.cs.Unlock()

	logger.Info("accepted stratum connection", "peer", client.peer)

	defer func() {
		s.cs.Lock()
		delete(s.subscriptions, client)
		s.cs.Unlock()
		client.closeConn()
		logger.Info("closing stratum connection", "peer", client.peer)
	}()

	for {
		line, err := client.reader.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				logger.Warn("closing miner for oversized message", "peer", client.peer, "limit_bytes", maxStratumMessageSize)
				return
			}
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Debug("error detected on stratum connection", "peer", client.peer, "error", err)
			} else {
				logger.Debug("remote disconnect received on stratum connection", "peer", client.peer)
			}
			return
		}
		// ReadSlice returns a view into the reader's buffer; copy it before
		// the next read reuses that memory.
		line = append([]byte(nil), line...)
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		logger.Debug("received stratum request", "peer", client.peer, "line", string(line))

		out := s.processLine(client, line)
		if len(out) == 0 {
			continue
		}
		if err := client.writeBytes(out); err != nil {
			logger.Debug("sending stratum response failed", "peer", client.peer, "error", err)
			return
		}
	}
}

// processLine parses and dispatches one line under the server lock and
// returns everything to send back: the reply plus, when a handler flagged
// the session, a freshly assembled work unit.
func (s *stratumServer) processLine(client *StratumClient, line []byte) []byte {
	var frame rawFrame
	if err := fastJSONUnmarshal(line, &frame); err != nil {
		// Not JSON; is this even a stratum miner?
		reply, _ := marshalFrame(errorReply(errStratum(rpcParseError, "Parse error"), nil))
		return reply
	}
	if len(frame.Result) > 0 {
		// JSON-RPC reply to one of our own requests. Ignore.
		logger.Debug("ignoring JSON-RPC response", "peer", client.peer)
		return nil
	}

	req := StratumRequest{ID: frame.ID, Method: frame.Method, Params: frame.Params}

	s.cs.Lock()
	resp := s.dispatchLocked(client, &req)
	var work []byte
	if client.sendWork {
		data, err := s.getWorkUnitLocked(client)
		if err != nil {
			data, _ = marshalFrame(errorReply(err, nil))
		}
		work = data
		client.sendWork = false
	}
	s.cs.Unlock()

	reply, err := marshalFrame(resp)
	if err != nil {
		logger.Error("marshal stratum response", "peer", client.peer, "error", err)
		return nil
	}
	return append(reply, work...)
}

// writeBytes appends frames to the connection. Writes are serialized per
// connection and bounded by a deadline; the transport provides whatever
// backpressure there is.
func (c *StratumClient) writeBytes(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(stratumWriteTimeout)); err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if n > 0 {
			b = b[n:]
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}
