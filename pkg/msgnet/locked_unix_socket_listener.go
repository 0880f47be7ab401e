package msgnet

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sammck-go/msgport/internal/logger"
)

// LockedUnixSocketListener is a wrapper around a unix domain socket listener
// that holds a flock-style file lock on a parallel ".lock" file. The lock prevents
// two servers from listening on the same path, while still allowing an orphaned
// socket file to be deleted.
type LockedUnixSocketListener struct {
	logger.Logger
	lock         sync.Mutex
	path         string
	lockPath     string
	lockFd       *os.File
	unixListener net.Listener
	closed       bool
	closeErr     error
	done         chan struct{}
}

// NewLockedUnixSocketListener listens on the unix domain socket at path after taking
// an exclusive lock on path+".lock". An existing socket file at path is removed
// once the lock is held.
func NewLockedUnixSocketListener(lg logger.Logger, path string) (*LockedUnixSocketListener, error) {
	l := &LockedUnixSocketListener{
		Logger: lg.ForkLog("LockedUnixSocketListener(%q)", path),
		done:   make(chan struct{}),
	}
	if path == "" {
		return nil, l.Errorf("empty unix domain socket path")
	}
	abspath, err := filepath.Abs(path)
	if err != nil {
		return nil, l.Errorf("invalid unix domain socket pathname %q: %s", path, err)
	}
	l.path = abspath
	l.lockPath = abspath + ".lock"

	info, err := os.Stat(abspath)
	if err != nil && !os.IsNotExist(err) {
		return nil, l.Errorf("could not stat unix domain socket pathname %q: %s", abspath, err)
	}
	if info != nil && (info.Mode()&os.ModeSocket) == 0 {
		return nil, l.Errorf("path %q exists and is not a unix domain socket", abspath)
	}

	lockFd, err := os.OpenFile(l.lockPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, l.Errorf("unable to open unix domain socket lockfile %q: %s", l.lockPath, err)
	}
	if err := syscall.Flock(int(lockFd.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFd.Close()
		return nil, l.Errorf("unix domain socket in use (lockfile %q is locked): %s", l.lockPath, err)
	}
	l.lockFd = lockFd

	if info != nil {
		if err := os.Remove(abspath); err != nil {
			l.Close()
			return nil, l.Errorf("unable to remove orphaned unix domain socket %q", abspath)
		}
	}

	unixListener, err := net.Listen("unix", abspath)
	if err != nil {
		l.Close()
		return nil, l.Errorf("listen failed: %s", err)
	}
	l.DLogf("Listening on unix domain socket path %q", abspath)
	l.unixListener = unixListener
	return l, nil
}

func (l *LockedUnixSocketListener) String() string {
	return l.Logger.Prefix()
}

// Accept implements net.Listener Accept method, delegating to the unix listen socket
func (l *LockedUnixSocketListener) Accept() (net.Conn, error) {
	return l.unixListener.Accept()
}

// Addr implements net.Listener Addr method, delegating to the unix listen socket
func (l *LockedUnixSocketListener) Addr() net.Addr {
	return l.unixListener.Addr()
}

// Close implements net.Listener Close method, releasing the lockfile after closing
// the listen socket. Concurrent callers wait for the first to finish.
func (l *LockedUnixSocketListener) Close() error {
	l.lock.Lock()
	closed := l.closed
	l.closed = true
	l.lock.Unlock()

	if closed {
		<-l.done
		return l.closeErr
	}

	var ucloseErr, unlockErr error
	if l.unixListener != nil {
		os.Remove(l.path)
		ucloseErr = l.unixListener.Close()
	}
	if l.lockFd != nil {
		// Remove the lockfile before releasing the lock, so that the next owner
		// can immediately recreate and lock it.
		os.Remove(l.lockPath)
		if err := syscall.Flock(int(l.lockFd.Fd()), syscall.LOCK_UN); err != nil {
			l.lockFd.Close()
			unlockErr = l.DLogErrorf("unlock of lockfile %q failed: %s", l.lockPath, err)
		} else if err := l.lockFd.Close(); err != nil {
			unlockErr = l.DLogErrorf("close of lockfile %q failed: %s", l.lockPath, err)
		}
	}
	l.closeErr = ucloseErr
	if l.closeErr == nil {
		l.closeErr = unlockErr
	}
	close(l.done)
	return l.closeErr
}
