package devserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/ehrlich-b/replink/internal/protocol"
)

const (
	shellReplaySize = 64 << 10
	readChunk       = 4096
)

type ringBuffer struct {
	buf  []byte
	size int
	pos  int
	full bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, size), size: size}
}

func (r *ringBuffer) Write(p []byte) {
	for _, b := range p {
		r.buf[r.pos] = b
		r.pos = (r.pos + 1) % r.size
		if r.pos == 0 {
			r.full = true
		}
	}
}

func (r *ringBuffer) Bytes() []byte {
	if !r.full {
		return append([]byte(nil), r.buf[:r.pos]...)
	}
	result := make([]byte, r.size)
	copy(result, r.buf[r.pos:])
	copy(result[r.size-r.pos:], r.buf[:r.pos])
	return result
}

// sink is the channel currently attached to a process's output.
type sink interface {
	output(protocol.Body)
	exited()
}

// slot routes output to at most one attached sink. With a ring, output
// is recorded and replayed to each new sink before anything newer.
type slot struct {
	mu   sync.Mutex
	gen  uint64
	sink sink
	ring *ringBuffer
}

func (s *slot) attach(k sink) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.sink = k
	if s.ring != nil {
		if replay := s.ring.Bytes(); len(replay) > 0 {
			k.output(protocol.Output{Data: string(replay)})
		}
	}
	return s.gen
}

// detach clears the sink if gen is still the current attachment.
func (s *slot) detach(gen uint64) {
	s.mu.Lock()
	if s.gen == gen {
		s.sink = nil
	}
	s.mu.Unlock()
}

func (s *slot) send(b protocol.Body) {
	s.mu.Lock()
	if out, ok := b.(protocol.Output); ok && s.ring != nil {
		s.ring.Write([]byte(out.Data))
	}
	k := s.sink
	s.mu.Unlock()
	if k != nil {
		k.output(b)
	}
}

func (s *slot) exited() {
	s.mu.Lock()
	k := s.sink
	s.sink = nil
	s.mu.Unlock()
	if k != nil {
		k.exited()
	}
}

// process is a child started for a workspace: the run command on pipes or
// a shell on a pty.
type process struct {
	cmd  *exec.Cmd
	in   io.Writer
	ptmx *os.File
	out  *slot
	done chan struct{}
}

func (p *process) write(data string) error {
	_, err := io.WriteString(p.in, data)
	return err
}

func (p *process) resize(cols, rows uint32) error {
	if p.ptmx == nil || cols == 0 || rows == 0 {
		return nil
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *process) kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// pump forwards r to the output slot until r fails.
func (p *process) pump(r io.Reader) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.out.send(protocol.Output{Data: string(buf[:n])})
		}
		if err != nil {
			return
		}
	}
}

// workspaceState is what a workspace keeps across transport connections:
// its run and its named shells.
type workspaceState struct {
	id  string
	log *slog.Logger

	runOut slot

	mu      sync.Mutex
	running *process
	shells  map[string]*process
}

func newWorkspaceState(id string, log *slog.Logger) *workspaceState {
	return &workspaceState{
		id:     id,
		log:    log.With("workspace", id),
		shells: make(map[string]*process),
	}
}

func (s *Server) workspace(id string) *workspaceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		ws = newWorkspaceState(id, s.log)
		s.workspaces[id] = ws
	}
	return ws
}

func (w *workspaceState) runState() protocol.RunState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running != nil {
		return protocol.Running
	}
	return protocol.Stopped
}

// run starts command unless a run is already in progress. started is
// called once the child is running.
func (w *workspaceState) run(command string, started func()) {
	w.mu.Lock()
	if w.running != nil {
		w.mu.Unlock()
		w.runOut.send(protocol.State{State: protocol.Running})
		return
	}

	cmd := exec.Command("sh", "-c", command)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = 5 * time.Second
	stdin, err := cmd.StdinPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		w.mu.Unlock()
		pw.Close()
		w.log.Warn("run failed to start", "error", err)
		w.runOut.send(protocol.Output{Data: fmt.Sprintf("failed to start: %v\r\n", err)})
		w.runOut.send(protocol.State{State: protocol.Stopped})
		return
	}
	p := &process{cmd: cmd, in: stdin, out: &w.runOut, done: make(chan struct{})}
	w.running = p
	w.mu.Unlock()

	w.log.Info("run started", "pid", cmd.Process.Pid)
	w.runOut.send(protocol.State{State: protocol.Running})
	if started != nil {
		started()
	}

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		p.pump(pr)
	}()
	go func() {
		start := time.Now()
		err := cmd.Wait()
		pw.Close()
		<-pumped
		w.mu.Lock()
		if w.running == p {
			w.running = nil
		}
		w.mu.Unlock()
		close(p.done)
		w.log.Info("run exited", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		w.runOut.send(protocol.State{State: protocol.Stopped})
	}()
}

func (w *workspaceState) runInput(data string) {
	w.mu.Lock()
	p := w.running
	w.mu.Unlock()
	if p != nil {
		if err := p.write(data); err != nil {
			w.log.Debug("run stdin write failed", "error", err)
		}
	}
}

var errNoShell = errors.New("no such shell")

// shell returns the live shell called name, starting one unless action is
// Attach. created reports whether a new shell was started.
func (w *workspaceState) shell(name string, action protocol.OpenAction, path string) (p *process, created bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p := w.shells[name]; p != nil && !p.exited() {
		return p, false, nil
	}
	if action == protocol.Attach {
		return nil, false, fmt.Errorf("%w: %s", errNoShell, name)
	}

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return nil, false, fmt.Errorf("start pty: %w", err)
	}
	p = &process{
		cmd:  cmd,
		in:   ptmx,
		ptmx: ptmx,
		out:  &slot{ring: newRingBuffer(shellReplaySize)},
		done: make(chan struct{}),
	}
	w.shells[name] = p
	w.log.Info("shell started", "name", name, "pid", cmd.Process.Pid)

	go func() {
		p.pump(ptmx)
		cmd.Wait()
		ptmx.Close()
		close(p.done)
		w.mu.Lock()
		if w.shells[name] == p {
			delete(w.shells, name)
		}
		w.mu.Unlock()
		w.log.Info("shell exited", "name", name)
		p.out.exited()
	}()
	return p, true, nil
}

// killShell stops the shell called name if it is p.
func (w *workspaceState) killShell(name string, p *process) {
	w.mu.Lock()
	if w.shells[name] == p {
		delete(w.shells, name)
	}
	w.mu.Unlock()
	p.kill()
}

func (w *workspaceState) close() {
	w.mu.Lock()
	procs := make([]*process, 0, len(w.shells)+1)
	for _, p := range w.shells {
		procs = append(procs, p)
	}
	if w.running != nil {
		procs = append(procs, w.running)
	}
	w.shells = make(map[string]*process)
	w.mu.Unlock()
	for _, p := range procs {
		p.kill()
	}
}
