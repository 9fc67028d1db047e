package core

import (
	"bufio"
	"expvar"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strings"

	"github.com/weftmesh/weft/state"
)

// IPC exposes a local status socket for the `weft status` command. One
// command per connection; the response is NUL terminated.
type IPC struct {
	env      *state.Env
	listener net.Listener
}

func (i *IPC) Init(s *state.State) error {
	path := s.Config.IPCPath
	if path == "" {
		return nil
	}
	// a previous unclean shutdown leaves the socket file behind
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		s.Log.Warn("ipc socket unavailable", "path", path, "err", err)
		return nil
	}
	i.env = s.Env
	i.listener = l
	go i.accept(s.Env)
	return nil
}

func (i *IPC) Cleanup(s *state.State) error {
	if i.listener != nil {
		_ = i.listener.Close()
		_ = os.Remove(s.Config.IPCPath)
	}
	return nil
}

func (i *IPC) accept(env *state.Env) {
	for {
		conn, err := i.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if err := i.serve(env, conn); err != nil && err != io.EOF {
				env.Log.Debug("ipc request failed", "err", err)
			}
		}()
	}
}

func (i *IPC) serve(env *state.Env, conn net.Conn) error {
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	cmd, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	switch cmd {
	case "inspect\n":
		report, err := env.DispatchWait(func(s *state.State) (any, error) {
			return i.inspect(s), nil
		})
		if err != nil {
			return err
		}
		if _, err := rw.WriteString(report.(string)); err != nil {
			return err
		}
		return rw.Flush()
	default:
		return fmt.Errorf("unknown command %q", strings.TrimSpace(cmd))
	}
}

func (i *IPC) inspect(s *state.State) string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("Node: %s\n", s.Id()))
	sb.WriteString(fmt.Sprintf("Listen: %s\n", s.Config.ListenAddress))

	sb.WriteString("\nLinks:\n")
	lines := make([]string, 0, len(s.Links))
	for _, l := range s.Links {
		line := fmt.Sprintf(" - %s %s", l.Peer, l.Status)
		if addr, ok := l.PrimaryAddr(); ok {
			line += fmt.Sprintf(" addr=%s", addr)
		}
		if !l.Relay.IsZero() {
			line += fmt.Sprintf(" relay=%s", l.Relay)
		}
		if l.Status.Usable() {
			line += fmt.Sprintf(" rtt=%s metric=%d", l.RTT(), l.Metric())
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = append(lines, " (none)")
	}
	slices.Sort(lines)
	sb.WriteString(strings.Join(lines, "\n") + "\n")

	sb.WriteString("\nRoutes:\n")
	lines = lines[:0]
	if snap := Get[*RouteEngine](s).Table(); snap != nil {
		for _, e := range snap.Routes {
			lines = append(lines, fmt.Sprintf(" - %s via %s hops=%d seq=%d metric=%d",
				e.Dest, e.NextHop, e.HopCount, e.Seq, e.PathMetric))
		}
	}
	if len(lines) == 0 {
		lines = append(lines, " (none)")
	}
	slices.Sort(lines)
	sb.WriteString(strings.Join(lines, "\n") + "\n")

	sb.WriteString("\nCounters:\n")
	lines = lines[:0]
	expvar.Do(func(kv expvar.KeyValue) {
		if strings.HasPrefix(kv.Key, "weft:") {
			lines = append(lines, fmt.Sprintf(" - %s: %s", kv.Key, kv.Value))
		}
	})
	slices.Sort(lines)
	sb.WriteString(strings.Join(lines, "\n") + "\n")

	sb.WriteRune(0)
	return sb.String()
}

// IPCGet runs one inspect request against a running node's status socket.
func IPCGet(path string) (string, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return "", fmt.Errorf("is weft running? %w", err)
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if _, err := rw.WriteString("inspect\n"); err != nil {
		return "", err
	}
	if err := rw.Flush(); err != nil {
		return "", err
	}
	res, err := rw.ReadString(0)
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSuffix(res, "\x00"), nil
}
