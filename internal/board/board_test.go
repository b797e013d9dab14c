package board

import (
	"context"
	"errors"
	"testing"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/rbac"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/util"
)

const (
	testOwner = "ada"
	testWS    = "ws1"
)

func seedBoard(t *testing.T, store *docstore.MemoryStore, tiles map[string][]string) {
	t.Helper()
	base := docstore.Join("users", testOwner, "workspaces", testWS)
	ops := make([]docstore.Op, 0)
	position := 0
	for _, tileID := range []string{"c1", "c2", "c3"} {
		cards, ok := tiles[tileID]
		if !ok {
			continue
		}
		ops = append(ops, docstore.Set(docstore.Join(base, "tiles", tileID), map[string]any{
			"name":     "tile " + tileID,
			"position": position,
		}))
		for i, cardID := range cards {
			ops = append(ops, docstore.Set(docstore.Join(base, "tiles", tileID, "cards", cardID), map[string]any{
				"name":          "card " + cardID,
				"position":      i,
				"description":   "",
				"assignedUsers": []any{},
				"done":          false,
			}))
		}
		position++
	}
	if err := store.BatchWrite(context.Background(), ops); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func loadBoard(t *testing.T, store *docstore.MemoryStore, actor string, role *rbac.Role) *Board {
	t.Helper()
	b, err := Load(context.Background(), store, testOwner, testWS, actor, role)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return b
}

func assertDensePositions(t *testing.T, tiles []Tile) {
	t.Helper()
	seen := make(map[int]bool)
	for _, tile := range tiles {
		if seen[tile.Position] {
			t.Fatalf("duplicate tile position %d", tile.Position)
		}
		if tile.Position < 0 || tile.Position >= len(tiles) {
			t.Fatalf("tile position %d outside [0,%d)", tile.Position, len(tiles))
		}
		seen[tile.Position] = true
	}
}

func TestMoveTileKeepsPositionsDense(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": nil, "c2": nil, "c3": nil})
	b := loadBoard(t, store, testOwner, nil)

	moves := [][2]int{{0, 2}, {2, 0}, {1, 1}, {0, 5}, {2, -1}}
	for _, move := range moves {
		if err := b.MoveTile(move[0], move[1]); err != nil {
			t.Fatalf("MoveTile(%d, %d) failed: %v", move[0], move[1], err)
		}
		assertDensePositions(t, b.Tiles())
	}
}

func TestMoveTileToFront(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": nil, "c2": nil})
	b := loadBoard(t, store, testOwner, nil)

	// drag second tile to index 0
	if err := b.MoveTile(1, 0); err != nil {
		t.Fatalf("MoveTile failed: %v", err)
	}
	tiles := b.Tiles()
	if tiles[0].ID != "c2" || tiles[0].Position != 0 {
		t.Fatalf("expected c2 at position 0, got %s at %d", tiles[0].ID, tiles[0].Position)
	}
	if tiles[1].ID != "c1" || tiles[1].Position != 1 {
		t.Fatalf("expected c1 at position 1, got %s at %d", tiles[1].ID, tiles[1].Position)
	}
}

func TestMoveCardAcrossTiles(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": {"i1", "i2"}, "c2": {"i3"}})
	b := loadBoard(t, store, testOwner, nil)

	if err := b.MoveCard(Location{TileID: "c1", Index: 0}, Location{TileID: "c2", Index: 0}); err != nil {
		t.Fatalf("MoveCard failed: %v", err)
	}

	tiles := b.Tiles()
	for _, card := range tiles[0].Cards {
		if card.ID == "i1" {
			t.Fatal("i1 still present in source tile")
		}
	}
	if tiles[1].Cards[0].ID != "i1" {
		t.Fatalf("expected i1 at destination index 0, got %s", tiles[1].Cards[0].ID)
	}
	for _, tile := range tiles {
		for i, card := range tile.Cards {
			if card.Position != i {
				t.Fatalf("card %s has position %d at index %d", card.ID, card.Position, i)
			}
		}
	}
	if origin, ok := b.movedCards["i1"]; !ok || origin != "c1" {
		t.Fatalf("movedCards = %v, want {i1: c1}", b.movedCards)
	}
}

func TestMovedLedgerFirstOriginWins(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": {"i1"}, "c2": nil})
	b := loadBoard(t, store, testOwner, nil)

	if err := b.MoveCard(Location{TileID: "c1", Index: 0}, Location{TileID: "c2", Index: 0}); err != nil {
		t.Fatalf("first move failed: %v", err)
	}
	if err := b.MoveCard(Location{TileID: "c2", Index: 0}, Location{TileID: "c1", Index: 0}); err != nil {
		t.Fatalf("second move failed: %v", err)
	}

	if len(b.movedCards) != 1 || b.movedCards["i1"] != "c1" {
		t.Fatalf("movedCards = %v, want only the original tile c1", b.movedCards)
	}
}

func TestMoveCardWithoutDestinationIsNoop(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": {"i1"}})
	b := loadBoard(t, store, testOwner, nil)

	if err := b.MoveCard(Location{TileID: "c1", Index: 0}, Location{}); err != nil {
		t.Fatalf("drop outside target should be a no-op, got %v", err)
	}
	if tiles := b.Tiles(); len(tiles[0].Cards) != 1 {
		t.Fatal("card list changed on a no-op drop")
	}
}

func TestTempCardMoveIsNotLedgered(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": nil, "c2": nil})
	b := loadBoard(t, store, testOwner, nil)

	card, err := b.AddCard("c1", "fresh")
	if err != nil {
		t.Fatalf("AddCard failed: %v", err)
	}
	if err := b.MoveCard(Location{TileID: "c1", Index: 0}, Location{TileID: "c2", Index: 0}); err != nil {
		t.Fatalf("MoveCard failed: %v", err)
	}
	if len(b.movedCards) != 0 {
		t.Fatalf("unsaved card %s recorded in moved ledger: %v", card.ID, b.movedCards)
	}
}

func TestRemoveTileLeavesPositionGap(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": nil, "c2": nil, "c3": nil})
	b := loadBoard(t, store, testOwner, nil)

	if err := b.RemoveTile("c2"); err != nil {
		t.Fatalf("RemoveTile failed: %v", err)
	}
	tiles := b.Tiles()
	if len(tiles) != 2 {
		t.Fatalf("expected 2 tiles, got %d", len(tiles))
	}
	// the middle slot stays vacant until the next reload
	if tiles[0].Position != 0 || tiles[1].Position != 2 {
		t.Fatalf("positions renumbered after removal: %d, %d", tiles[0].Position, tiles[1].Position)
	}
	if _, ok := b.removedTiles["c2"]; !ok {
		t.Fatal("persisted tile not recorded in removed ledger")
	}
}

func TestRemoveUnsavedTileSkipsLedger(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": nil})
	b := loadBoard(t, store, testOwner, nil)

	tile, err := b.AddTile("scratch")
	if err != nil {
		t.Fatalf("AddTile failed: %v", err)
	}
	if err := b.RemoveTile(tile.ID); err != nil {
		t.Fatalf("RemoveTile failed: %v", err)
	}
	if len(b.removedTiles) != 0 {
		t.Fatalf("temp tile recorded in removed ledger: %v", b.removedTiles)
	}
}

func TestPermissionDeniedLeavesStateUntouched(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": {"i1"}, "c2": nil})

	viewer := &rbac.Role{Name: "viewer", Permissions: map[rbac.Action]bool{rbac.ActionViewAssignedCards: true}}
	b := loadBoard(t, store, "bob", viewer)

	before := b.Tiles()
	if err := b.MoveTile(0, 1); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("MoveTile: expected ErrPermissionDenied, got %v", err)
	}
	if err := b.MoveCard(Location{TileID: "c1", Index: 0}, Location{TileID: "c2", Index: 0}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("MoveCard: expected ErrPermissionDenied, got %v", err)
	}
	if _, err := b.AddTile("nope"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("AddTile: expected ErrPermissionDenied, got %v", err)
	}
	if err := b.RemoveCard("c1", "i1"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("RemoveCard: expected ErrPermissionDenied, got %v", err)
	}

	after := b.Tiles()
	if len(after) != len(before) || len(after[0].Cards) != len(before[0].Cards) {
		t.Fatal("denied operations mutated board state")
	}
	if len(b.movedCards) != 0 || len(b.removedTiles) != 0 || len(b.removedCards) != 0 {
		t.Fatal("denied operations touched the ledgers")
	}
}

func TestSaveBatchShapeAndLedgerClear(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": {"i1"}, "c2": nil, "c3": {"i2"}})
	b := loadBoard(t, store, testOwner, nil)

	// ledger setup: one removed tile, one moved card, one removed card
	if err := b.MoveCard(Location{TileID: "c1", Index: 0}, Location{TileID: "c3", Index: 0}); err != nil {
		t.Fatalf("MoveCard failed: %v", err)
	}
	if err := b.RemoveTile("c2"); err != nil {
		t.Fatalf("RemoveTile failed: %v", err)
	}
	if err := b.RemoveCard("c3", "i2"); err != nil {
		t.Fatalf("RemoveCard failed: %v", err)
	}

	if err := b.Save(context.Background()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	deletes, sets := 0, 0
	for _, op := range store.LastBatch {
		switch op.Kind {
		case docstore.OpDelete:
			deletes++
		case docstore.OpSet:
			sets++
		}
	}
	// live state: tiles c1 and c3, card i1 — 3 upserts, 3 ledger deletes
	if deletes != 3 {
		t.Errorf("expected 3 deletes, got %d", deletes)
	}
	if sets != 3 {
		t.Errorf("expected 3 upserts, got %d", sets)
	}
	if len(b.removedTiles) != 0 || len(b.removedCards) != 0 || len(b.movedCards) != 0 {
		t.Fatal("ledgers not cleared after successful save")
	}

	base := docstore.Join("users", testOwner, "workspaces", testWS)
	if _, err := store.Get(context.Background(), docstore.Join(base, "tiles", "c2")); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatal("removed tile still persisted")
	}
	if _, err := store.Get(context.Background(), docstore.Join(base, "tiles", "c1", "cards", "i1")); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatal("stale moved-card copy still persisted under original tile")
	}
	if _, err := store.Get(context.Background(), docstore.Join(base, "tiles", "c3", "cards", "i1")); err != nil {
		t.Fatalf("moved card missing at destination: %v", err)
	}
}

func TestSaveRelabelsTemporaryIDs(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": nil})
	b := loadBoard(t, store, testOwner, nil)

	tile, err := b.AddTile("new tile")
	if err != nil {
		t.Fatalf("AddTile failed: %v", err)
	}
	if _, err := b.AddCard(tile.ID, "new card"); err != nil {
		t.Fatalf("AddCard failed: %v", err)
	}

	if err := b.Save(context.Background()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	tiles := b.Tiles()
	for _, tile := range tiles {
		if util.IsTempID(tile.ID) {
			t.Fatalf("tile %s kept its temporary id after save", tile.Name)
		}
		for _, card := range tile.Cards {
			if util.IsTempID(card.ID) {
				t.Fatalf("card %s kept its temporary id after save", card.Name)
			}
		}
	}
}

func TestSaveFailureKeepsLedgersForRetry(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": {"i1"}, "c2": nil})
	b := loadBoard(t, store, testOwner, nil)

	if err := b.RemoveCard("c1", "i1"); err != nil {
		t.Fatalf("RemoveCard failed: %v", err)
	}

	store.FailNextBatch = errors.New("connection reset")
	if err := b.Save(context.Background()); err == nil {
		t.Fatal("expected save to fail")
	}
	if len(b.removedCards["c1"]) != 1 {
		t.Fatal("failed save must leave the ledgers untouched")
	}

	// retry issues the same batch and succeeds
	if err := b.Save(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	base := docstore.Join("users", testOwner, "workspaces", testWS)
	if _, err := store.Get(context.Background(), docstore.Join(base, "tiles", "c1", "cards", "i1")); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatal("removed card still persisted after retry")
	}
}

func TestAssignmentsSurviveSaveAndReload(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": {"i1"}})
	b := loadBoard(t, store, testOwner, nil)

	if err := b.AssignCard("c1", "i1", "bob", true); err != nil {
		t.Fatalf("AssignCard failed: %v", err)
	}
	if err := b.AssignCard("c1", "i1", "carol", true); err != nil {
		t.Fatalf("AssignCard failed: %v", err)
	}
	if err := b.Save(context.Background()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded := loadBoard(t, store, testOwner, nil)
	cards := reloaded.Tiles()[0].Cards
	if len(cards) != 1 {
		t.Fatalf("expected 1 card after reload, got %d", len(cards))
	}
	want := []string{"bob", "carol"}
	if got := cards[0].AssignedUsers; len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("AssignedUsers after reload = %v, want %v", got, want)
	}
}

func TestRoleSwapTakesEffectOnLiveBoard(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedBoard(t, store, map[string][]string{"c1": nil})
	b := loadBoard(t, store, "bob", nil)

	if _, err := b.AddTile("todo"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	b.SetRole(&rbac.Role{Name: "editor", Permissions: map[rbac.Action]bool{rbac.ActionAddRemoveTile: true}})
	if _, err := b.AddTile("todo"); err != nil {
		t.Fatalf("AddTile after role grant failed: %v", err)
	}

	b.SetRole(nil)
	if _, err := b.AddTile("more"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied after role revoke, got %v", err)
	}
}

type gatedStore struct {
	docstore.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) BatchWrite(ctx context.Context, ops []docstore.Op) error {
	s.entered <- struct{}{}
	<-s.release
	return s.Store.BatchWrite(ctx, ops)
}

func TestConcurrentSaveIsRejected(t *testing.T) {
	mem := docstore.NewMemoryStore()
	seedBoard(t, mem, map[string][]string{"c1": nil})
	gated := &gatedStore{Store: mem, entered: make(chan struct{}, 2), release: make(chan struct{})}

	b, err := Load(context.Background(), gated, testOwner, testWS, testOwner, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() { firstDone <- b.Save(context.Background()) }()
	<-gated.entered

	if err := b.Save(context.Background()); !errors.Is(err, ErrSaveInFlight) {
		t.Fatalf("expected ErrSaveInFlight, got %v", err)
	}

	close(gated.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	// once the first save lands, saving again works
	if err := b.Save(context.Background()); err != nil {
		t.Fatalf("follow-up save failed: %v", err)
	}
}
