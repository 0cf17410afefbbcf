package registry_test

import (
	"errors"
	"log/slog"
	"net/netip"
	"os/exec"
	"testing"
	"time"

	"github.com/govpngw/vpngwd/internal/registry"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(slog.Default())
}

// fakeConn stands in for the control-channel Closer without opening a
// real socket.
type fakeConn struct {
	closed int
}

func (f *fakeConn) Close() error {
	f.closed++
	return nil
}

func newProc(t *testing.T, pid int) (*registry.Proc, *fakeConn) {
	t.Helper()
	sid, err := registry.NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	conn := &fakeConn{}
	return &registry.Proc{
		PID:       pid,
		CtrlConn:  conn,
		SessionID: sid,
	}, conn
}

func TestInsertAndFindBySessionID(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	p, _ := newProc(t, 101)

	if err := r.Insert(p); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	found, ok := r.FindBySessionID(p.SessionID)
	if !ok {
		t.Fatal("FindBySessionID: not found")
	}
	if found != p {
		t.Error("FindBySessionID returned a different Proc")
	}

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

// TestInsertDuplicatePID checks that at most one entry exists per live PID.
func TestInsertDuplicatePID(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	p1, _ := newProc(t, 202)
	if err := r.Insert(p1); err != nil {
		t.Fatalf("Insert p1: %v", err)
	}

	p2, _ := newProc(t, 202)
	err := r.Insert(p2)
	if !errors.Is(err, registry.ErrDuplicatePID) {
		t.Fatalf("Insert p2 error = %v, want ErrDuplicatePID", err)
	}
}

// TestSetDTLSIDRejectsDuplicate checks that no two live workers share a
// DTLS-ID.
func TestSetDTLSIDRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	p1, _ := newProc(t, 1)
	p2, _ := newProc(t, 2)
	if err := r.Insert(p1); err != nil {
		t.Fatalf("Insert p1: %v", err)
	}
	if err := r.Insert(p2); err != nil {
		t.Fatalf("Insert p2: %v", err)
	}

	if err := r.SetDTLSID(p1, []byte("abcd")); err != nil {
		t.Fatalf("SetDTLSID p1: %v", err)
	}

	err := r.SetDTLSID(p2, []byte("abcd"))
	if !errors.Is(err, registry.ErrDuplicateDTLSID) {
		t.Fatalf("SetDTLSID p2 error = %v, want ErrDuplicateDTLSID", err)
	}

	found, ok := r.FindByDTLSID([]byte("abcd"))
	if !ok || found != p1 {
		t.Error("FindByDTLSID did not return p1")
	}
}

func TestSetDTLSIDTwiceOnSameProcFails(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	p, _ := newProc(t, 3)
	if err := r.Insert(p); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := r.SetDTLSID(p, []byte("first")); err != nil {
		t.Fatalf("SetDTLSID first: %v", err)
	}

	err := r.SetDTLSID(p, []byte("second"))
	if !errors.Is(err, registry.ErrDTLSIDAlreadySet) {
		t.Fatalf("SetDTLSID second error = %v, want ErrDTLSIDAlreadySet", err)
	}
}

func TestFindBySessionIDPrefix(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	p, _ := newProc(t, 8)
	if err := r.Insert(p); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	found, ok := r.FindBySessionIDPrefix(p.SessionID[:4])
	if !ok || found != p {
		t.Fatal("FindBySessionIDPrefix did not match the leading token bytes")
	}

	full := p.SessionID
	found, ok = r.FindBySessionIDPrefix(full[:])
	if !ok || found != p {
		t.Fatal("FindBySessionIDPrefix did not match the full token")
	}

	if _, ok := r.FindBySessionIDPrefix(nil); ok {
		t.Error("FindBySessionIDPrefix matched an empty identifier")
	}
	tooLong := make([]byte, 33)
	copy(tooLong, full[:])
	if _, ok := r.FindBySessionIDPrefix(tooLong); ok {
		t.Error("FindBySessionIDPrefix matched an identifier longer than the token")
	}
}

func TestFindByClientIPIgnoresPort(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	p, _ := newProc(t, 4)
	if err := r.Insert(p); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	r.UpdateClientAddr(p, netip.MustParseAddrPort("203.0.113.7:40000"))

	found, ok := r.FindByClientIP(netip.MustParseAddr("203.0.113.7"))
	if !ok || found != p {
		t.Fatal("FindByClientIP did not match on IP ignoring port")
	}

	r.UpdateClientAddr(p, netip.MustParseAddrPort("203.0.113.7:40555"))
	found, ok = r.FindByClientIP(netip.MustParseAddr("203.0.113.7"))
	if !ok || found != p {
		t.Fatal("FindByClientIP should still match after a port-only rebind")
	}
}

// TestRemoveClearsAllIndices checks that removal deletes all three
// index entries and closes descriptors exactly once.
func TestRemoveClearsAllIndices(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	p, conn := newProc(t, 5)
	if err := r.Insert(p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.SetDTLSID(p, []byte("xyz")); err != nil {
		t.Fatalf("SetDTLSID: %v", err)
	}

	if err := r.Remove(p, registry.RemoveGraceful); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after remove", r.Len())
	}
	if _, ok := r.FindBySessionID(p.SessionID); ok {
		t.Error("FindBySessionID still finds removed proc")
	}
	if _, ok := r.FindByDTLSID([]byte("xyz")); ok {
		t.Error("FindByDTLSID still finds removed proc")
	}
	if conn.closed != 1 {
		t.Errorf("conn.closed = %d, want 1", conn.closed)
	}

	// Close again via the Proc directly must not double-close.
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if conn.closed != 1 {
		t.Errorf("conn.closed after second Close = %d, want 1", conn.closed)
	}
}

func TestRemoveUnknownProcFails(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	p, _ := newProc(t, 6)

	err := r.Remove(p, registry.RemoveGraceful)
	if !errors.Is(err, registry.ErrProcNotFound) {
		t.Fatalf("Remove error = %v, want ErrProcNotFound", err)
	}
}

// fakeSecMod records session-release notifications for RemoveKillQuit.
type fakeSecMod struct {
	released [][32]byte
}

func (f *fakeSecMod) NotifySessionRelease(id [32]byte) error {
	f.released = append(f.released, id)
	return nil
}

func TestRemoveKillQuitNotifiesSecMod(t *testing.T) {
	t.Parallel()

	secMod := &fakeSecMod{}
	r := registry.New(slog.Default(), registry.WithSecModNotifier(secMod))

	// Use a short-lived real child so SIGTERM has something harmless to
	// signal; /bin/sleep is present on every platform this runs on.
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	defer func() { _ = cmd.Process.Kill() }()

	p, _ := newProc(t, cmd.Process.Pid)
	if err := r.Insert(p); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := r.Remove(p, registry.RemoveKillQuit); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if len(secMod.released) != 1 || secMod.released[0] != p.SessionID {
		t.Errorf("secMod.released = %v, want [%v]", secMod.released, p.SessionID)
	}

	_, _ = cmd.Process.Wait()
}

// TestNewSessionIDUnique is a light sanity check, not a statistical proof,
// that NewSessionID does not return the zero value or obviously repeat
// across a small sample.
func TestNewSessionIDUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[[32]byte]struct{})
	for range 100 {
		id, err := registry.NewSessionID()
		if err != nil {
			t.Fatalf("NewSessionID: %v", err)
		}
		if id == ([32]byte{}) {
			t.Fatal("NewSessionID returned the zero value")
		}
		if _, dup := seen[id]; dup {
			t.Fatal("NewSessionID returned a duplicate within 100 draws")
		}
		seen[id] = struct{}{}
	}
}

func TestMarkHandoffAndLastHandoff(t *testing.T) {
	t.Parallel()

	p, _ := newProc(t, 7)
	now := time.Now()
	p.MarkHandoff(now)
	if !p.LastHandoff().Equal(now) {
		t.Errorf("LastHandoff() = %v, want %v", p.LastHandoff(), now)
	}
}
