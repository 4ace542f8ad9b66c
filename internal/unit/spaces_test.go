package unit

import (
	"context"
	"testing"

	coreerrors "github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
)

func TestCreateSpace(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	sp, err := f.m.CreateSpace(ctx, "Work", map[string]string{"theme": "dark"})
	if err != nil {
		t.Fatalf("CreateSpace() error = %v", err)
	}
	got, err := f.m.GetSpace(sp.ID)
	if err != nil || got.Name != "Work" || got.Settings["theme"] != "dark" {
		t.Errorf("GetSpace() = %+v, %v", got, err)
	}
	if n := len(f.m.ListSpaces()); n != 2 {
		t.Errorf("ListSpaces() = %d spaces, want 2", n)
	}
	if _, err := f.m.CreateSpace(ctx, "", nil); !coreerrors.Is(err, coreerrors.ErrInvalidInput) {
		t.Errorf("CreateSpace(empty) error = %v, want validation error", err)
	}
	if _, err := f.m.GetSpace("nope"); !coreerrors.Is(err, coreerrors.ErrSpaceNotFound) {
		t.Errorf("GetSpace(unknown) error = %v, want ErrSpaceNotFound", err)
	}
}

func TestSwitchSpace(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	sp, _ := f.m.CreateSpace(ctx, "Work", nil)

	if err := f.m.SwitchSpace(ctx, sp.ID); err != nil {
		t.Fatalf("SwitchSpace() error = %v", err)
	}
	if f.m.CurrentSpace().ID != sp.ID {
		t.Error("CurrentSpace() did not change")
	}
	if err := f.m.SwitchSpace(ctx, sp.ID); err != nil {
		t.Fatal(err)
	}
	if n := len(f.events.OfType(event.SpaceSwitched)); n != 1 {
		t.Errorf("SpaceSwitched events = %d, want 1", n)
	}
	if err := f.m.SwitchSpace(ctx, "nope"); !coreerrors.Is(err, coreerrors.ErrSpaceNotFound) {
		t.Errorf("SwitchSpace(unknown) error = %v, want ErrSpaceNotFound", err)
	}
}

func TestDestroySpace_Cascade(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	work, _ := f.m.CreateSpace(ctx, "Work", nil)
	g, _ := f.m.CreateGroup(ctx, work.ID, "Docs", "")

	var ids []string
	for _, url := range []string{"https://a.test", "https://b.test", "https://c.test"} {
		u := f.mustCreate(t, url, CreateOptions{SpaceID: work.ID, GroupID: g.ID})
		ids = append(ids, u.ID)
	}
	keep := f.mustCreate(t, "https://keep.test", CreateOptions{})
	if err := f.m.SuspendUnit(ctx, ids[1]); err != nil {
		t.Fatal(err)
	}
	if err := f.m.SwitchSpace(ctx, work.ID); err != nil {
		t.Fatal(err)
	}
	activated := len(f.events.OfType(event.UnitActivated))

	if err := f.m.DestroySpace(ctx, work.ID, DestroySpaceOptions{}); err != nil {
		t.Fatalf("DestroySpace() error = %v", err)
	}

	if n := len(f.events.OfType(event.UnitDestroyed)); n != 3 {
		t.Errorf("UnitDestroyed events = %d, want 3", n)
	}
	if n := len(f.events.OfType(event.UnitActivated)); n != activated {
		t.Errorf("cascade published %d UnitActivated events, want none", n-activated)
	}
	list := f.m.List()
	if len(list) != 1 || list[0].ID != keep.ID {
		t.Errorf("List() = %+v, want only the unit outside the space", list)
	}
	for _, id := range ids {
		if _, ok := f.sup.OwnerOf(id); ok {
			t.Errorf("unit %s of the destroyed space is still hosted", id)
		}
	}
	if _, err := f.store.LoadBlob(ctx, stateKey(ids[1])); !coreerrors.Is(err, coreerrors.ErrNotFound) {
		t.Error("suspended state of a destroyed unit was kept")
	}
	if _, err := f.m.GetSpace(work.ID); !coreerrors.Is(err, coreerrors.ErrSpaceNotFound) {
		t.Errorf("GetSpace() after destroy error = %v", err)
	}
	if _, err := f.m.GetGroup(g.ID); !coreerrors.Is(err, coreerrors.ErrNotFound) {
		t.Error("group of the destroyed space survived")
	}
	if f.m.CurrentSpace().ID != f.m.DefaultSpaceID() {
		t.Error("current space did not fall back to the default space")
	}
	if n := len(f.events.OfType(event.SpaceDestroyed)); n != 1 {
		t.Errorf("SpaceDestroyed events = %d, want 1", n)
	}
	if n := len(f.events.OfType(event.GroupDeleted)); n != 1 {
		t.Errorf("GroupDeleted events = %d, want 1", n)
	}
	f.assertPairing(t)
}

func TestDestroySpace_Migrate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	home := f.m.DefaultSpaceID()
	work, _ := f.m.CreateSpace(ctx, "Work", nil)
	g, _ := f.m.CreateGroup(ctx, work.ID, "Docs", "")
	a := f.mustCreate(t, "https://a.test", CreateOptions{SpaceID: work.ID, GroupID: g.ID})
	b := f.mustCreate(t, "https://b.test", CreateOptions{SpaceID: work.ID, Background: true})

	if err := f.m.DestroySpace(ctx, work.ID, DestroySpaceOptions{MigrateTo: home}); err != nil {
		t.Fatalf("DestroySpace(migrate) error = %v", err)
	}

	for _, want := range []Unit{a, b} {
		got, err := f.m.Get(want.ID)
		if err != nil {
			t.Fatalf("migrated unit %s missing: %v", want.ID, err)
		}
		if got.SpaceID != home || got.GroupID != "" {
			t.Errorf("migrated unit space = %s group = %s", got.SpaceID, got.GroupID)
		}
		if got.ProcessID != want.ProcessID {
			t.Error("migration changed the hosting process")
		}
	}
	if got, _ := f.m.GetSpace(home); got.ActiveUnitID != a.ID {
		t.Errorf("target ActiveUnitID = %s, want inherited %s", got.ActiveUnitID, a.ID)
	}
	if n := len(f.events.OfType(event.UnitDestroyed)); n != 0 {
		t.Errorf("UnitDestroyed events = %d, want 0", n)
	}
	if n := len(f.events.OfType(event.UnitUpdated)); n != 2 {
		t.Errorf("UnitUpdated events = %d, want 2", n)
	}
	f.assertPairing(t)
}

func TestDestroySpace_Errors(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	home := f.m.DefaultSpaceID()

	if err := f.m.DestroySpace(ctx, home, DestroySpaceOptions{}); !coreerrors.Is(err, coreerrors.ErrInvalidState) {
		t.Errorf("DestroySpace(last) error = %v, want InvalidState", err)
	}
	work, _ := f.m.CreateSpace(ctx, "Work", nil)

	tests := []struct {
		name string
		id   string
		opts DestroySpaceOptions
		want error
	}{
		{"unknown space", "nope", DestroySpaceOptions{}, coreerrors.ErrSpaceNotFound},
		{"migrate into itself", work.ID, DestroySpaceOptions{MigrateTo: work.ID}, coreerrors.ErrInvalidInput},
		{"migrate into unknown", work.ID, DestroySpaceOptions{MigrateTo: "nope"}, coreerrors.ErrSpaceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.m.DestroySpace(ctx, tt.id, tt.opts); !coreerrors.Is(err, tt.want) {
				t.Errorf("DestroySpace() error = %v, want %v", err, tt.want)
			}
		})
	}
	if _, err := f.m.GetSpace(work.ID); err != nil {
		t.Error("failed DestroySpace removed the space")
	}
}

func TestDestroySpace_DefaultMovesOn(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	home := f.m.DefaultSpaceID()
	work, _ := f.m.CreateSpace(ctx, "Work", nil)

	if err := f.m.DestroySpace(ctx, home, DestroySpaceOptions{}); err != nil {
		t.Fatalf("DestroySpace(default) error = %v", err)
	}
	if f.m.DefaultSpaceID() != work.ID || f.m.CurrentSpace().ID != work.ID {
		t.Error("default and current space did not move to the remaining space")
	}
	u := f.mustCreate(t, "https://a.test", CreateOptions{})
	if u.SpaceID != work.ID {
		t.Errorf("new unit landed in %s, want %s", u.SpaceID, work.ID)
	}
}

func TestGroups(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	g, err := f.m.CreateGroup(ctx, "", "Research", "green")
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if g.SpaceID != f.m.CurrentSpace().ID {
		t.Error("empty space id did not default to the current space")
	}
	a := f.mustCreate(t, "https://a.test", CreateOptions{})
	b := f.mustCreate(t, "https://b.test", CreateOptions{GroupID: g.ID})

	if err := f.m.MoveToGroup(ctx, a.ID, g.ID); err != nil {
		t.Fatalf("MoveToGroup() error = %v", err)
	}
	got, _ := f.m.GetGroup(g.ID)
	if !equalIDs(got.UnitIDs, []string{b.ID, a.ID}) {
		t.Errorf("group members = %v, want [%s %s]", got.UnitIDs, b.ID, a.ID)
	}

	if err := f.m.MoveToGroup(ctx, a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if u, _ := f.m.Get(a.ID); u.GroupID != "" {
		t.Error("MoveToGroup(\"\") did not ungroup")
	}

	groups, err := f.m.ListGroups("")
	if err != nil || len(groups) != 1 {
		t.Errorf("ListGroups() = %v, %v", groups, err)
	}

	other, _ := f.m.CreateSpace(ctx, "Other", nil)
	og, _ := f.m.CreateGroup(ctx, other.ID, "Elsewhere", "")
	if err := f.m.MoveToGroup(ctx, a.ID, og.ID); !coreerrors.Is(err, coreerrors.ErrInvalidInput) {
		t.Errorf("MoveToGroup(other space) error = %v, want validation error", err)
	}
	if _, err := f.m.CreateGroup(ctx, "", "", ""); !coreerrors.Is(err, coreerrors.ErrInvalidInput) {
		t.Errorf("CreateGroup(empty) error = %v, want validation error", err)
	}
}

func TestDeleteGroup(t *testing.T) {
	tests := []struct {
		name       string
		closeUnits bool
		wantUnits  int
	}{
		{"ungroups members", false, 2},
		{"closes members", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			ctx := context.Background()
			g, _ := f.m.CreateGroup(ctx, "", "Research", "")
			f.mustCreate(t, "https://a.test", CreateOptions{GroupID: g.ID})
			f.mustCreate(t, "https://b.test", CreateOptions{GroupID: g.ID})

			if err := f.m.DeleteGroup(ctx, g.ID, tt.closeUnits); err != nil {
				t.Fatalf("DeleteGroup() error = %v", err)
			}
			list := f.m.List()
			if len(list) != tt.wantUnits {
				t.Errorf("List() = %d units, want %d", len(list), tt.wantUnits)
			}
			for _, u := range list {
				if u.GroupID != "" {
					t.Errorf("unit %s still in deleted group", u.ID)
				}
			}
			if groups, _ := f.m.ListGroups(""); len(groups) != 0 {
				t.Errorf("ListGroups() = %v, want none", groups)
			}
			if err := f.m.DeleteGroup(ctx, g.ID, false); !coreerrors.Is(err, coreerrors.ErrNotFound) {
				t.Errorf("second DeleteGroup() error = %v, want NotFound", err)
			}
		})
	}
}
