// Package storetest is a conformance suite shared by store implementations.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/John-Robertt/subimport/internal/model"
	"github.com/John-Robertt/subimport/internal/store"
)

// Rows returns one row per protocol, covering both port encodings.
func Rows() []model.ServerRow {
	vmess := model.VmessPayload{Address: "v.example.com", Port: model.UnsetPort(), UserID: "u1", AlterID: "0", Network: "ws", Cipher: "auto", WSPath: "/ray", Type: "vmess", TLS: true, Fingerprint: "chrome"}
	vless := model.VlessPayload{Address: "l.example.com", Port: model.PortOf(443), UserID: "u2", Network: "raw", Cipher: "none", PublicKey: "pbk", ShortID: "ab"}
	ss := model.SsPayload{Address: "s.example.com", Port: model.PortOf(0), Password: "pw", Cipher: "aes-128-gcm"}
	trojan := model.TrojanPayload{Address: "t.example.com", Port: model.PortOf(8443), Password: "pw", Network: "tcp", Security: "tls"}

	row := func(id string, p model.Payload, scy string) model.ServerRow {
		return model.ServerRow{ID: id, Name: "node-" + id, Type: p.Protocol(), Host: model.HostOf(p), Security: scy, Hash: "hash-" + id, Data: p}
	}
	return []model.ServerRow{
		row("1", vmess, "tls"),
		row("2", vless, "reality"),
		row("3", ss, "aes-128-gcm"),
		row("4", trojan, "tls"),
	}
}

// Run exercises s, which must start empty. Run closes s.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	rows, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("load empty: got %d rows", len(rows))
	}

	want := Rows()
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertRows(t, got, want)

	// Shrinking the list must not leave stale rows behind.
	shorter := []model.ServerRow{want[3], want[0]}
	if err := s.Save(ctx, shorter); err != nil {
		t.Fatalf("save shorter: %v", err)
	}
	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("load shorter: %v", err)
	}
	assertRows(t, got, shorter)

	if err := s.Save(ctx, nil); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("load after empty save: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("load after empty save: got %d rows", len(got))
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Load(ctx); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("load after close: err=%v, want ErrClosed", err)
	}
	if err := s.Save(ctx, want); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("save after close: err=%v, want ErrClosed", err)
	}
}

func assertRows(t *testing.T, got, want []model.ServerRow) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len=%d, want=%d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d:\n got=%+v\nwant=%+v", i, got[i], want[i])
		}
	}
}
