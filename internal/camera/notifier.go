// Package camera tells camera PCs when a shot starts or is aborted and relays
// their confirmation text back onto the event stream.
package camera

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/events"
	"github.com/AaronLay10/SentientSequencer/internal/logging"
	"github.com/AaronLay10/SentientSequencer/internal/runner"
)

const (
	dialTimeout  = 2 * time.Second
	writeTimeout = 100 * time.Millisecond
	readBuffer   = 4096

	abortMessage   = "Abort"
	closingMessage = "Closing"
)

// Target is one camera PC.
type Target struct {
	Address string
	Port    int
	UseFW   bool
	UseUSB  bool
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

// Notifier implements runner.IterationListener for a set of camera PCs.
// Unreachable cameras are skipped; a camera never fails a run.
type Notifier struct {
	targets []Target
	saving  bool
	bus     *events.Bus
	dial    func(ctx context.Context, addr string) (net.Conn, error)
	now     func() time.Time

	mu    sync.Mutex
	conns map[int]net.Conn
	wg    sync.WaitGroup
}

// NewNotifier creates a notifier. saving is forwarded to cameras so they
// know whether to keep the images.
func NewNotifier(targets []Target, saving bool, bus *events.Bus) *Notifier {
	d := &net.Dialer{Timeout: dialTimeout}
	return &Notifier{
		targets: targets,
		saving:  saving,
		bus:     bus,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
		now:   time.Now,
		conns: make(map[int]net.Conn),
	}
}

// Connect dials every camera not yet connected and returns how many are.
func (n *Notifier) Connect(ctx context.Context) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, t := range n.targets {
		if n.conns[i] != nil {
			continue
		}
		conn, err := n.dial(ctx, t.addr())
		if err != nil {
			logging.Warn("camera unreachable", zap.String("camera", t.addr()), zap.Error(err))
			continue
		}
		n.conns[i] = conn
		n.wg.Add(1)
		go n.readLoop(i, t.addr(), conn)
	}
	return len(n.conns)
}

// IterationStarted sends the shot description to every camera.
func (n *Notifier) IterationStarted(ctx context.Context, info runner.IterationInfo) {
	n.Connect(ctx)
	shot := ShotName(info, n.now())
	n.broadcast(func(t Target) string {
		return StartMessage(shot, info.Duration, t.UseFW, t.UseUSB, n.saving)
	})
}

// RunAborted tells every camera to stop waiting.
func (n *Notifier) RunAborted(context.Context) {
	n.broadcast(func(Target) string { return abortMessage })
}

// Close says goodbye to every camera and waits for the readers to exit.
func (n *Notifier) Close() {
	n.broadcast(func(Target) string { return closingMessage })

	n.mu.Lock()
	for i, c := range n.conns {
		_ = c.Close()
		delete(n.conns, i)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) broadcast(msg func(Target) string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, conn := range n.conns {
		t := n.targets[i]
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write([]byte(msg(t))); err != nil {
			logging.Warn("camera write failed", zap.String("camera", t.addr()), zap.Error(err))
			_ = conn.Close()
			delete(n.conns, i)
		}
	}
}

// readLoop relays confirmation text. Cameras send sentences terminated by
// '.', possibly split across reads.
func (n *Notifier) readLoop(idx int, addr string, conn net.Conn) {
	defer n.wg.Done()

	buf := make([]byte, readBuffer)
	var pending string
	for {
		k, err := conn.Read(buf)
		if k > 0 {
			var lines []string
			lines, pending = splitSentences(pending + string(buf[:k]))
			for _, l := range lines {
				n.emit(addr, l)
			}
		}
		if err != nil {
			if s := strings.TrimSpace(pending); s != "" {
				n.emit(addr, s+".")
			}
			n.mu.Lock()
			if n.conns[idx] == conn {
				delete(n.conns, idx)
			}
			n.mu.Unlock()
			return
		}
	}
}

func (n *Notifier) emit(addr, line string) {
	if n.bus == nil {
		return
	}
	if err := n.bus.Emit("info", "camera.message", line, map[string]interface{}{"camera": addr}); err != nil {
		logging.Warn("event rejected", zap.Error(err))
	}
}

// Connected returns the number of open camera connections.
func (n *Notifier) Connected() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// splitSentences returns complete '.'-terminated sentences and the trailing
// remainder. NUL bytes are dropped.
func splitSentences(s string) ([]string, string) {
	s = strings.ReplaceAll(s, "\x00", "")
	parts := strings.Split(s, ".")
	rest := parts[len(parts)-1]
	var out []string
	for _, p := range parts[:len(parts)-1] {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p+".")
		}
	}
	return out, rest
}

var unsafeShot = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ShotName names the images a camera saves for one iteration.
func ShotName(info runner.IterationInfo, at time.Time) string {
	name := at.Format("20060102_150405")
	if info.Sequence != "" {
		name += "_" + unsafeShot.ReplaceAllString(info.Sequence, "-")
	}
	if info.Calibration {
		return name + "_cal"
	}
	return name + "_" + strconv.Itoa(info.Iteration)
}

// StartMessage is the '@'-separated, NUL-terminated shot announcement.
func StartMessage(shot string, d time.Duration, useFW, useUSB, saving bool) string {
	return fmt.Sprintf("%s@%s@%s@%s@%s@\x00",
		shot,
		strconv.FormatFloat(d.Seconds(), 'f', -1, 64),
		boolWord(useFW),
		boolWord(useUSB),
		boolWord(saving))
}

func boolWord(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

var _ runner.IterationListener = (*Notifier)(nil)
