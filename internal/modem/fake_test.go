package modem

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"

	"golang.org/x/net/nettest"
)

// fakeControl is a modem command port that answers each line with reply.
type fakeControl struct {
	ln    net.Listener
	reply func(cmd string) string

	mu       sync.Mutex
	commands []string
}

func newFakeControl(t *testing.T, reply func(cmd string) string) *fakeControl {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeControl{ln: ln, reply: reply}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.handle(conn)
		}
	}()
	return f
}

func (f *fakeControl) handle(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	cmd := strings.TrimSpace(line)

	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	reply := f.reply(cmd)
	if reply == "" {
		// Simulate a hung modem: hold the connection without answering.
		buf := make([]byte, 1)
		conn.Read(buf)
		return
	}
	conn.Write([]byte(reply + "\n"))
}

func (f *fakeControl) addr() string { return f.ln.Addr().String() }

func (f *fakeControl) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// standardReply mimics a healthy modem.
func standardReply(cmd string) string {
	switch {
	case cmd == "PING":
		return "OK PONG"
	case strings.HasPrefix(cmd, "MODE "):
		if _, err := LookupModulation(strings.TrimPrefix(cmd, "MODE ")); err != nil {
			return "ERROR unknown mode"
		}
		return "OK MODE " + strings.TrimPrefix(cmd, "MODE ")
	case cmd == "STATUS":
		return "OK STATUS MODE=DATAC1 VOLUME=-3 FOLLOW=OFF PTT=OFF CHANNEL=CLEAR"
	case cmd == "LEVELS":
		return "OK LEVELS RX=-12.5"
	case strings.HasPrefix(cmd, "VOLUME "), strings.HasPrefix(cmd, "TX WINDOW "):
		return "OK"
	default:
		return "ERROR unknown command"
	}
}
