package pipeset

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestIntoFifoFirstCallerCreatesSecondLinks(t *testing.T) {
	dir := t.TempDir()
	a, b := New()

	targetA := filepath.Join(dir, "sandbox-a", "judge-pipe")
	targetB := filepath.Join(dir, "sandbox-b", "judge-pipe")
	if err := os.MkdirAll(filepath.Dir(targetA), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(targetB), 0755); err != nil {
		t.Fatal(err)
	}

	if err := a.IntoFifo(targetA); err != nil {
		t.Fatalf("first IntoFifo: %v", err)
	}
	if err := b.IntoFifo(targetB); err != nil {
		t.Fatalf("second IntoFifo: %v", err)
	}

	infoA, err := os.Stat(targetA)
	if err != nil {
		t.Fatalf("stat targetA: %v", err)
	}
	infoB, err := os.Stat(targetB)
	if err != nil {
		t.Fatalf("stat targetB: %v", err)
	}
	if !os.SameFile(infoA, infoB) {
		t.Fatal("targetA and targetB are not the same fifo inode, want os.Link to have joined them")
	}
	if infoA.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("targetA mode = %v, want ModeNamedPipe set", infoA.Mode())
	}
}

func TestEndpointsCarryBytesThroughTheFifo(t *testing.T) {
	dir := t.TempDir()
	a, b := New()

	targetA := filepath.Join(dir, "judge-pipe-a")
	targetB := filepath.Join(dir, "judge-pipe-b")

	if err := a.IntoFifo(targetA); err != nil {
		t.Fatalf("IntoFifo a: %v", err)
	}
	if err := b.IntoFifo(targetB); err != nil {
		t.Fatalf("IntoFifo b: %v", err)
	}

	const msg = "hello judge"
	var wg sync.WaitGroup
	wg.Add(2)

	var readErr, writeErr error
	var got string

	go func() {
		defer wg.Done()
		w, err := a.IntoWriter()
		if err != nil {
			writeErr = err
			return
		}
		defer w.Close()
		if _, err := w.Write([]byte(msg)); err != nil {
			writeErr = err
		}
	}()

	go func() {
		defer wg.Done()
		r, err := b.IntoReader()
		if err != nil {
			readErr = err
			return
		}
		defer r.Close()
		buf, err := io.ReadAll(r)
		if err != nil {
			readErr = err
			return
		}
		got = string(buf)
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fifo read/write did not complete in time")
	}

	if writeErr != nil {
		t.Fatalf("write side: %v", writeErr)
	}
	if readErr != nil {
		t.Fatalf("read side: %v", readErr)
	}
	if got != msg {
		t.Errorf("read %q, want %q", got, msg)
	}
}

func TestIntoReaderBlocksUntilBound(t *testing.T) {
	_, b := New()

	done := make(chan struct{})
	go func() {
		b.IntoReader()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("IntoReader returned before any IntoFifo call bound the pipe")
	case <-time.After(30 * time.Millisecond):
	}
}
