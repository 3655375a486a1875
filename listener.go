package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// resolveBindEndpoints expands the configured bind list, applying the
// default stratum port to entries that don't name one.
func resolveBindEndpoints(binds []string, defaultPort int) []string {
	out := make([]string, 0, len(binds))
	for _, raw := range binds {
		bind := strings.TrimSpace(raw)
		if bind == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(bind); err != nil {
			bind = net.JoinHostPort(bind, strconv.Itoa(defaultPort))
		}
		out = append(out, bind)
	}
	return out
}

// bindListeners binds every configured endpoint and starts its accept
// loop. Binding nothing is an error only when endpoints were requested.
func (s *stratumServer) bindListeners() error {
	endpoints := resolveBindEndpoints(s.cfg.StratumBinds, s.cfg.StratumPort)
	for _, endpoint := range endpoints {
		ln, err := net.Listen("tcp", endpoint)
		if err != nil {
			logger.Error("binding stratum endpoint failed", "addr", endpoint, "error", err)
			continue
		}
		logger.Info("binding stratum on address", "addr", endpoint)
		s.cs.Lock()
		s.boundListeners[ln] = endpoint
		s.cs.Unlock()
		s.wg.Add(1)
		go s.acceptLoop(ln)
	}
	s.cs.Lock()
	bound := len(s.boundListeners)
	s.cs.Unlock()
	if len(endpoints) > 0 && bound == 0 {
		return fmt.Errorf("unable to bind any endpoint for stratum server")
	}
	return nil
}

// acceptLoop admits connections from allowed subnets, disables Nagle, and
// hands each connection its own read goroutine.
func (s *stratumServer) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("stratum accept error", "error", err)
			continue
		}

		s.cs.Lock()
		allowed := clientAllowed(s.allowSubnets, conn.RemoteAddr())
		down := s.shutdown
		s.cs.Unlock()
		if down {
			_ = conn.Close()
			return
		}
		if !allowed {
			logger.Info("rejected connection from disallowed subnet", "peer", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		// Disable Nagle's algorithm so small stratum frames go out
		// immediately.
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}
