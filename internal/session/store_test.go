package session

import (
	"testing"
	"time"

	"github.com/acolita/micro-repl/internal/testing/fakes/fakefs"
)

func TestStore_SaveAndGet(t *testing.T) {
	fs := fakefs.New()
	fs.SetHomeDir("/home/test")

	store := NewStore(WithFileSystem(fs))
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	store.Save(Metadata{ID: "dev_1", Device: "/dev/ttyACM0", Identity: "Raspberry Pi Pico with RP2040", ConnectedAt: at})

	meta, ok := store.Get("dev_1")
	if !ok {
		t.Fatal("expected to find session")
	}
	if meta.Device != "/dev/ttyACM0" {
		t.Errorf("Device = %q, want %q", meta.Device, "/dev/ttyACM0")
	}

	if _, err := fs.ReadFile("/home/test/.cache/micro-repl/sessions.json"); err != nil {
		t.Errorf("store not written to the default path: %v", err)
	}
}

func TestStore_Reload(t *testing.T) {
	fs := fakefs.New()
	path := "/tmp/sessions.json"

	first := NewStore(WithFileSystem(fs), WithStorePath(path))
	first.Save(Metadata{ID: "dev_2", Device: "ws://192.168.4.1:8266"})

	second := NewStore(WithFileSystem(fs), WithStorePath(path))
	if _, ok := second.Get("dev_2"); !ok {
		t.Error("metadata not reloaded from disk")
	}
}

func TestStore_DeleteAndList(t *testing.T) {
	store := NewStore(WithFileSystem(fakefs.New()), WithStorePath("/tmp/sessions.json"))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.Save(Metadata{ID: "late", ConnectedAt: base.Add(time.Hour)})
	store.Save(Metadata{ID: "early", ConnectedAt: base})
	store.Save(Metadata{ID: "gone", ConnectedAt: base})
	store.Delete("gone")

	list := store.List()
	if len(list) != 2 || list[0].ID != "early" || list[1].ID != "late" {
		t.Errorf("List() = %+v, want early then late", list)
	}
}

func TestStore_CorruptFile(t *testing.T) {
	fs := fakefs.New()
	fs.WriteFile("/tmp/sessions.json", []byte("{not json"), 0600)

	store := NewStore(WithFileSystem(fs), WithStorePath("/tmp/sessions.json"))
	if len(store.List()) != 0 {
		t.Error("expected an empty store after a parse failure")
	}
}
