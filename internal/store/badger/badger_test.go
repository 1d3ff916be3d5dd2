package badger_test

import (
	"context"
	"testing"

	"github.com/tendant/simple-identity/internal/store/badger"
	"github.com/tendant/simple-identity/internal/store/storetest"
)

func TestConformanceInMemory(t *testing.T) {
	s, err := badger.Open("", badger.WithInMemory())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	storetest.Run(t, s)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := badger.Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Write(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = badger.Open(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	value, ok, err := s.Read(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Read() = %v, %v", ok, err)
	}
	if string(value) != "v" {
		t.Errorf("Read() = %q, want v", value)
	}
}
