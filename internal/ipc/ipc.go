// Package ipc is the local control channel: a unix socket over which the
// CLI pokes a running daemon.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"os"
)

// Control commands understood by the daemon.
const (
	CmdTrigger      = "trigger" // chime + capture + transcribe + handle
	CmdSendText     = "send_text"
	CmdStartCapture = "start_capture"
	CmdStopCapture  = "stop_capture"
	CmdTranscribe   = "transcribe" // transcribe an audio file, no dialogue
	CmdMicTest      = "mic_test"   // record a short clip and report signal quality
	CmdShutdown     = "shutdown"
)

type ControlMessage struct {
	Cmd  string `json:"cmd"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// Response is written back on the same connection.
type Response struct {
	OK    bool   `json:"ok"`
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

// Handler processes one control message and returns the response.
type Handler func(ControlMessage) Response

type Server struct {
	path string
	ln   net.Listener
}

// Listen binds the control socket, replacing any stale file from a
// previous run.
func Listen(path string) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return &Server{path: path, ln: ln}, nil
}

// Serve accepts connections until Close. One message per connection.
func (s *Server) Serve(handler Handler) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("IPC accept failed", "err", err)
			continue
		}
		go handleConn(conn, handler)
	}
}

func (s *Server) Close() error {
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}

func handleConn(conn net.Conn, handler Handler) {
	defer conn.Close()

	var msg ControlMessage
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		log.Warn("IPC decode failed", "err", err)
		return
	}

	resp := handler(msg)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		log.Warn("IPC encode failed", "err", err)
	}
}

// Send delivers one control message to the daemon at path and returns
// its response.
func Send(path string, msg ControlMessage) (Response, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return Response{}, fmt.Errorf("dial %s: %w", path, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
