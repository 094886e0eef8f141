package transfer_test

import (
	"testing"
	"time"

	"github.com/civicforms/uploadgate/pkg/transfer"
)

func TestProgressRegistry_Lifecycle(t *testing.T) {
	reg := transfer.NewProgressRegistry(5 * time.Minute)

	reg.Begin("u1")
	st, ok := reg.Get("u1")
	if !ok {
		t.Fatal("expected entry after Begin")
	}
	if st.Stage != transfer.StageInitializing {
		t.Errorf("expected initializing, got %q", st.Stage)
	}
	if st.Progress != 0 {
		t.Errorf("expected 0%%, got %d", st.Progress)
	}
	if st.EstimatedCompletion.IsZero() {
		t.Error("expected an estimated completion time")
	}

	reg.Update("u1", transfer.StageTransferring, 25)
	st, _ = reg.Get("u1")
	if st.Stage != transfer.StageTransferring || st.Progress != 25 {
		t.Errorf("unexpected status after update: %+v", st)
	}

	reg.End("u1")
	if _, ok := reg.Get("u1"); ok {
		t.Error("expected entry removed after End")
	}
	if reg.Count() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Count())
	}
}

func TestProgressRegistry_UpdateUnknownIgnored(t *testing.T) {
	reg := transfer.NewProgressRegistry(0)

	reg.Update("ghost", transfer.StageTransferring, 50)
	if _, ok := reg.Get("ghost"); ok {
		t.Error("update must not create entries")
	}
}

func TestProgressRegistry_WatchReceivesUpdatesAndClose(t *testing.T) {
	reg := transfer.NewProgressRegistry(time.Minute)
	reg.Begin("u1")

	ch, cancel := reg.Watch("u1")
	defer cancel()

	// The current snapshot arrives immediately.
	select {
	case st := <-ch:
		if st.Stage != transfer.StageInitializing {
			t.Errorf("expected initial snapshot, got %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	reg.Update("u1", transfer.StageCompleted, 100)
	select {
	case st := <-ch:
		if st.Progress != 100 {
			t.Errorf("expected 100%%, got %d", st.Progress)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	reg.End("u1")
	select {
	case _, open := <-ch:
		if open {
			t.Error("expected channel closed after End")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after End")
	}
}

func TestProgressRegistry_CancelStopsDelivery(t *testing.T) {
	reg := transfer.NewProgressRegistry(time.Minute)
	reg.Begin("u1")

	ch, cancel := reg.Watch("u1")
	<-ch // drain the initial snapshot
	cancel()

	// Receiving on a closed channel must not block ongoing updates.
	reg.Update("u1", transfer.StageTransferring, 25)
	select {
	case _, open := <-ch:
		if open {
			t.Error("expected channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	reg.End("u1")
}

func TestProgressRegistry_WatchUnknownUpload(t *testing.T) {
	reg := transfer.NewProgressRegistry(time.Minute)

	ch, cancel := reg.Watch("ghost")
	defer cancel()

	// No entry means the feed closes immediately.
	select {
	case _, open := <-ch:
		if open {
			t.Error("expected closed channel for unknown upload")
		}
	case <-time.After(time.Second):
		t.Fatal("expected closed channel, got none")
	}
}
