package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/ehrlich-b/replink/internal/auth"
)

// detachKey (Ctrl-]) hands the terminal back to the local shell.
const detachKey = 0x1d

// remoteTerminal is the part of a bridge the local terminal drives.
type remoteTerminal interface {
	OnWrite(fn func(string)) func()
	OnClose(fn func(error)) func()
	HandleInput(data string)
	SetDimensions(cols, rows uint32)
}

// attach connects the local terminal to t until t closes, the user detaches,
// ctx ends, or stop fires. The error is the bridge's close cause, if any.
func (a *app) attach(ctx context.Context, t remoteTerminal, stop <-chan struct{}) error {
	fd := int(os.Stdin.Fd())
	tty := term.IsTerminal(fd)

	if tty {
		if w, h, err := term.GetSize(fd); err == nil {
			t.SetDimensions(uint32(w), uint32(h))
		}
	}

	closed := make(chan error, 1)
	unClose := t.OnClose(func(err error) {
		select {
		case closed <- err:
		default:
		}
	})
	defer unClose()
	unWrite := t.OnWrite(func(data string) {
		io.WriteString(a.out, data)
	})
	defer unWrite()

	if tty {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
			a.render.SetRaw(true)
			defer a.render.SetRaw(false)
		}
		// Stdin now belongs to the remote terminal.
		prev := a.verify.set(&auth.WatchVerifier{
			Store:   a.creds,
			Out:     os.Stderr,
			Timeout: a.cfg.Session.VerifyTimeout,
			Logger:  a.log,
		})
		defer a.verify.set(prev)

		winchCh := make(chan os.Signal, 1)
		signal.Notify(winchCh, syscall.SIGWINCH)
		defer signal.Stop(winchCh)
		go func() {
			for range winchCh {
				if w, h, err := term.GetSize(fd); err == nil {
					t.SetDimensions(uint32(w), uint32(h))
				}
			}
		}()
	}

	detached := make(chan struct{})
	go func() {
		if pumpInput(os.Stdin, t) {
			close(detached)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-closed:
		return err
	case <-detached:
		a.log.Debug("detached from remote terminal")
		return nil
	case <-stop:
		return nil
	}
}

// pumpInput forwards r to t until r fails or the detach key is typed. It
// reports whether the user detached.
func pumpInput(r io.Reader, t remoteTerminal) bool {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			if i := bytes.IndexByte(data, detachKey); i >= 0 {
				if i > 0 {
					t.HandleInput(string(data[:i]))
				}
				return true
			}
			t.HandleInput(string(data))
		}
		if err != nil {
			return false
		}
	}
}
