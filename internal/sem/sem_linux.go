//go:build linux

// Package sem implements the named counting semaphores that pace the
// video, audio and event channels of a frameserver connection. Each
// semaphore is a single futex word in a /dev/shm backing file, so any
// process that knows the name can open and operate on it.
package sem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrTimeout is the only recoverable failure; every other error
	// means the cooperative invariant is gone and the caller must treat
	// the connection as dead.
	ErrTimeout = errors.New("sem: wait timed out")

	ErrClosed = errors.New("sem: closed")
)

const (
	semDir  = "/dev/shm"
	semSize = 4096 // minimum mappable unit; only the first word is used
)

func path(name string) string {
	return filepath.Join(semDir, "sem.arcan_"+name)
}

// Sem is one named counting semaphore.
type Sem struct {
	mem  []byte
	file *os.File
	name string
}

// Create makes a new semaphore with an initial count of zero, failing if
// one already exists under the name.
func Create(name string) (*Sem, error) {
	f, err := os.OpenFile(path(name), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create semaphore %q: %w", name, err)
	}
	if err := f.Truncate(semSize); err != nil {
		f.Close()
		os.Remove(path(name))
		return nil, fmt.Errorf("size semaphore %q: %w", name, err)
	}
	return attach(f, name)
}

// Open attaches to an existing semaphore.
func Open(name string) (*Sem, error) {
	f, err := os.OpenFile(path(name), os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open semaphore %q: %w", name, err)
	}
	return attach(f, name)
}

func attach(f *os.File, name string) (*Sem, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, semSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map semaphore %q: %w", name, err)
	}
	return &Sem{mem: mem, file: f, name: name}, nil
}

// Unlink removes the name from the namespace. Open handles stay valid.
func Unlink(name string) error {
	err := os.Remove(path(name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Sem) Name() string { return s.name }

func (s *Sem) word() *int32 {
	return (*int32)(unsafe.Pointer(&s.mem[0]))
}

// Value reads the current count without consuming it.
func (s *Sem) Value() int {
	return int(atomic.LoadInt32(s.word()))
}

// Post increments the count and wakes one waiter.
func (s *Sem) Post() error {
	if s.mem == nil {
		return ErrClosed
	}
	atomic.AddInt32(s.word(), 1)
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(s.word())), unix.FUTEX_WAKE, 1, 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("sem %q: wake: %w", s.name, errno)
	}
	return nil
}

// Wait decrements the count, blocking until it can. timeoutMS follows the
// convention used across the transport: -1 blocks, 0 polls, >0 sleeps
// with a ceiling. Returns ErrTimeout when the ceiling is hit; any other
// error is terminal for the connection.
func (s *Sem) Wait(timeoutMS int) error {
	if s.mem == nil {
		return ErrClosed
	}
	var deadline time.Time
	if timeoutMS > 0 {
		deadline = time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	}

	w := s.word()
	for {
		v := atomic.LoadInt32(w)
		if v > 0 {
			if atomic.CompareAndSwapInt32(w, v, v-1) {
				return nil
			}
			continue
		}
		if timeoutMS == 0 {
			return ErrTimeout
		}

		var ts *unix.Timespec
		if timeoutMS > 0 {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrTimeout
			}
			t := unix.NsecToTimespec(left.Nanoseconds())
			ts = &t
		}
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(w)), unix.FUTEX_WAIT, uintptr(uint32(v)),
			uintptr(unsafe.Pointer(ts)), 0, 0)
		switch errno {
		case 0, unix.EAGAIN, unix.EINTR:
			// value moved or spurious wake, retry the fast path
		case unix.ETIMEDOUT:
			return ErrTimeout
		default:
			return fmt.Errorf("sem %q: wait: %w", s.name, errno)
		}
	}
}

// TryWait is Wait with a zero timeout.
func (s *Sem) TryWait() bool {
	return s.Wait(0) == nil
}

// Close releases the backing file. The 4KB mapping itself stays until
// process exit so a guard thread racing teardown can still post safely;
// this mirrors how libc reference-counts named-semaphore mappings.
func (s *Sem) Close() error {
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil
	return f.Close()
}

// DropKeyed unlinks the three semaphores derived from a connection key.
func DropKeyed(key string) {
	for _, suffix := range []string{"v", "a", "e"} {
		Unlink(key + suffix)
	}
}
