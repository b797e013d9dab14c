package board

import (
	"context"
	"fmt"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/util"
)

// Save flushes the board as one atomic batch: deletes for the three
// ledgers, then an upsert of every live tile and card. Only one save may
// be in flight at a time. On failure the ledgers are left untouched so
// retrying re-issues the same batch; on success ledgers are cleared and
// temporary ids are swapped for their new store ids in memory.
func (b *Board) Save(ctx context.Context) error {
	b.mu.Lock()
	if b.saving {
		b.mu.Unlock()
		return ErrSaveInFlight
	}
	b.saving = true
	ops, tileIDs, cardIDs := b.buildSaveOps()
	b.mu.Unlock()

	err := b.store.BatchWrite(ctx, ops)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.saving = false
	if err != nil {
		return fmt.Errorf("save board: %w", err)
	}

	for i := range b.tiles {
		tile := &b.tiles[i]
		if newID, ok := tileIDs[tile.ID]; ok {
			tile.ID = newID
		}
		for j := range tile.Cards {
			card := &tile.Cards[j]
			if newID, ok := cardIDs[card.ID]; ok {
				card.ID = newID
			}
		}
	}
	b.removedTiles = make(map[string]struct{})
	b.removedCards = make(map[string][]string)
	b.movedCards = make(map[string]string)
	return nil
}

// buildSaveOps assembles the batch under the board lock. Deletes come
// first so that a card whose moved-ledger origin equals its current tile
// nets out to the upsert.
func (b *Board) buildSaveOps() (ops []docstore.Op, tileIDs, cardIDs map[string]string) {
	tileIDs = make(map[string]string)
	cardIDs = make(map[string]string)

	for _, id := range sortedKeys(b.removedTiles) {
		ops = append(ops, docstore.Delete(b.tilePath(id)))
	}
	for _, tileID := range sortedKeys(b.removedCards) {
		for _, cardID := range b.removedCards[tileID] {
			ops = append(ops, docstore.Delete(b.cardPath(tileID, cardID)))
		}
	}
	for _, cardID := range sortedKeys(b.movedCards) {
		ops = append(ops, docstore.Delete(b.cardPath(b.movedCards[cardID], cardID)))
	}

	for _, tile := range b.tiles {
		tileID := tile.ID
		if util.IsTempID(tileID) {
			tileID = util.NewID("tile")
			tileIDs[tile.ID] = tileID
		}
		ops = append(ops, docstore.Set(b.tilePath(tileID), map[string]any{
			"name":     tile.Name,
			"position": tile.Position,
		}))
		for _, card := range tile.Cards {
			cardID := card.ID
			if util.IsTempID(cardID) {
				cardID = util.NewID("card")
				cardIDs[card.ID] = cardID
			}
			assigned := card.AssignedUsers
			if assigned == nil {
				assigned = []string{}
			}
			ops = append(ops, docstore.Set(b.cardPath(tileID, cardID), map[string]any{
				"name":          card.Name,
				"position":      card.Position,
				"description":   card.Description,
				"assignedUsers": assigned,
				"done":          card.Done,
			}))
		}
	}
	return ops, tileIDs, cardIDs
}

func (b *Board) tilePath(tileID string) string {
	return docstore.Join(b.basePath, "tiles", tileID)
}

func (b *Board) cardPath(tileID, cardID string) string {
	return docstore.Join(b.basePath, "tiles", tileID, "cards", cardID)
}
