// Package storetest holds the behaviour every KV backend must share.
package storetest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
)

// KV mirrors store.KV so backends can be tested without importing the
// store package.
type KV interface {
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Write(ctx context.Context, key string, value []byte) error
	Ping(ctx context.Context) error
}

// Run exercises kv against the shared contract. kv must start empty.
func Run(t *testing.T, kv KV) {
	t.Helper()

	t.Run("missing key", func(t *testing.T) {
		value, ok, err := kv.Read(context.Background(), "absent")
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if ok || value != nil {
			t.Errorf("Read() = %q, %v; want nil, false", value, ok)
		}
	})

	t.Run("write then read", func(t *testing.T) {
		ctx := context.Background()
		want := []byte{0x00, 0x01, 0xfe, 0xff}
		if err := kv.Write(ctx, "binary", want); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		got, ok, err := kv.Read(ctx, "binary")
		if err != nil || !ok {
			t.Fatalf("Read() = %v, %v", ok, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Read() = %x, want %x", got, want)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		ctx := context.Background()
		if err := kv.Write(ctx, "over", []byte("first")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if err := kv.Write(ctx, "over", []byte("second")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		got, _, err := kv.Read(ctx, "over")
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if string(got) != "second" {
			t.Errorf("Read() = %q, want second", got)
		}
	})

	t.Run("keys with separators", func(t *testing.T) {
		ctx := context.Background()
		key := "oauth:https://accounts.example.com:1234"
		if err := kv.Write(ctx, key, []byte("linked")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		got, ok, err := kv.Read(ctx, key)
		if err != nil || !ok || string(got) != "linked" {
			t.Errorf("Read() = %q, %v, %v", got, ok, err)
		}
	})

	t.Run("concurrent writers", func(t *testing.T) {
		ctx := context.Background()
		values := make([][]byte, 8)
		for i := range values {
			values[i] = bytes.Repeat([]byte{byte('a' + i)}, 256)
		}

		var wg sync.WaitGroup
		for i := range values {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				if err := kv.Write(ctx, "shared", values[i]); err != nil {
					t.Errorf("Write() error = %v", err)
				}
			}(i)
			go func(i int) {
				defer wg.Done()
				if err := kv.Write(ctx, fmt.Sprintf("own-%d", i), values[i]); err != nil {
					t.Errorf("Write() error = %v", err)
				}
			}(i)
		}
		wg.Wait()

		got, ok, err := kv.Read(ctx, "shared")
		if err != nil || !ok {
			t.Fatalf("Read() = %v, %v", ok, err)
		}
		if !oneOf(got, values) {
			t.Errorf("shared value %q is not one of the written values", got)
		}
		for i := range values {
			got, _, err := kv.Read(ctx, fmt.Sprintf("own-%d", i))
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if !bytes.Equal(got, values[i]) {
				t.Errorf("own-%d = %q, want %q", i, got, values[i])
			}
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, _, err := kv.Read(ctx, "binary"); err == nil {
			t.Error("Read() with cancelled context should fail")
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := kv.Ping(context.Background()); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})
}

func oneOf(got []byte, candidates [][]byte) bool {
	for _, c := range candidates {
		if bytes.Equal(got, c) {
			return true
		}
	}
	return false
}
