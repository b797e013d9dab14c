// Package board holds the in-memory editing state of one workspace board:
// an ordered list of tiles, each with an ordered list of cards. Edits are
// local until Save flushes them to the document store as one atomic batch.
package board

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/rbac"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/util"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrSaveInFlight     = errors.New("a save is already in flight")
	ErrTileNotFound     = errors.New("tile not found")
	ErrCardNotFound     = errors.New("card not found")
	ErrBadIndex         = errors.New("index out of range")
	ErrEmptyName        = errors.New("name must not be empty")
)

type Card struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Position      int      `json:"position"`
	Description   string   `json:"description"`
	AssignedUsers []string `json:"assignedUsers"`
	Done          bool     `json:"done"`
}

type Tile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Cards    []Card `json:"cards"`
}

// Location addresses one slot in a tile's card list during a drag.
type Location struct {
	TileID string
	Index  int
}

// CardUpdate carries the editable card fields; nil means leave unchanged.
type CardUpdate struct {
	Name        *string
	Description *string
	Done        *bool
}

// Board is confined to one editing session. Mutations are applied in
// memory and recorded in three ledgers (removed tiles, removed cards,
// moved cards) that Save turns into deletes alongside a full upsert of
// every live tile and card.
type Board struct {
	mu sync.Mutex

	store    docstore.Store
	basePath string // users/{owner}/workspaces/{workspace}
	owner    string
	actor    string
	role     *rbac.Role

	tiles        []Tile
	removedTiles map[string]struct{}
	removedCards map[string][]string
	movedCards   map[string]string // card id -> tile it was persisted under

	saving bool
}

// Load reads the persisted board at users/{owner}/workspaces/{workspace}
// and binds it to actor's role for permission checks. Malformed documents
// are logged and skipped.
func Load(ctx context.Context, store docstore.Store, owner, workspace, actor string, role *rbac.Role) (*Board, error) {
	basePath := docstore.Join("users", owner, "workspaces", workspace)

	tileDocs, err := store.Query(ctx, basePath+"/tiles", docstore.QueryOptions{OrderBy: "position", OrderNumeric: true})
	if err != nil {
		return nil, fmt.Errorf("load tiles: %w", err)
	}

	tiles := make([]Tile, 0, len(tileDocs))
	for _, doc := range tileDocs {
		tile, err := decodeTile(doc)
		if err != nil {
			log.Printf("board: skip malformed tile %s: %v", doc.Path, err)
			continue
		}
		cardDocs, err := store.Query(ctx, doc.Path+"/cards", docstore.QueryOptions{OrderBy: "position", OrderNumeric: true})
		if err != nil {
			return nil, fmt.Errorf("load cards of %s: %w", doc.ID, err)
		}
		for _, cardDoc := range cardDocs {
			card, err := decodeCard(cardDoc)
			if err != nil {
				log.Printf("board: skip malformed card %s: %v", cardDoc.Path, err)
				continue
			}
			tile.Cards = append(tile.Cards, card)
		}
		tiles = append(tiles, tile)
	}

	return &Board{
		store:        store,
		basePath:     basePath,
		owner:        owner,
		actor:        actor,
		role:         role,
		tiles:        tiles,
		removedTiles: make(map[string]struct{}),
		removedCards: make(map[string][]string),
		movedCards:   make(map[string]string),
	}, nil
}

func (b *Board) allowed(action rbac.Action) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return rbac.Can(b.actor, b.owner, b.role, action)
}

// SetRole swaps the role the permission checks run against. Board
// sessions outlive role edits; the member-role watcher pushes the
// current role here whenever it changes.
func (b *Board) SetRole(role *rbac.Role) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.role = role
}

// Tiles returns a snapshot of the current in-memory board.
func (b *Board) Tiles() []Tile {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := make([]Tile, len(b.tiles))
	for i, tile := range b.tiles {
		snapshot[i] = tile
		snapshot[i].Cards = append([]Card(nil), tile.Cards...)
	}
	return snapshot
}

// MoveTile removes the tile at src and reinserts it at dst, then
// renumbers every tile to its list index.
func (b *Board) MoveTile(src, dst int) error {
	if !b.allowed(rbac.ActionMoveTile) {
		return ErrPermissionDenied
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if src < 0 || src >= len(b.tiles) {
		return ErrBadIndex
	}
	tile := b.tiles[src]
	rest := append(b.tiles[:src:src], b.tiles[src+1:]...)
	dst = clamp(dst, 0, len(rest))
	b.tiles = append(rest[:dst:dst], append([]Tile{tile}, rest[dst:]...)...)
	for i := range b.tiles {
		b.tiles[i].Position = i
	}
	return nil
}

// MoveCard moves a card within a tile or across tiles. A destination
// without a tile id means the card was dropped outside any target and the
// drag is a no-op. On a cross-tile move of a persisted card, the tile the
// card is still persisted under is recorded so Save can delete the stale
// copy; the first recorded origin wins across repeated moves.
func (b *Board) MoveCard(src, dst Location) error {
	if dst.TileID == "" {
		return nil
	}
	if !b.allowed(rbac.ActionMoveCard) {
		return ErrPermissionDenied
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	srcTile := b.findTile(src.TileID)
	if srcTile == nil {
		return ErrTileNotFound
	}
	dstTile := b.findTile(dst.TileID)
	if dstTile == nil {
		return ErrTileNotFound
	}
	if src.Index < 0 || src.Index >= len(srcTile.Cards) {
		return ErrBadIndex
	}

	card := srcTile.Cards[src.Index]
	srcTile.Cards = append(srcTile.Cards[:src.Index:src.Index], srcTile.Cards[src.Index+1:]...)

	index := clamp(dst.Index, 0, len(dstTile.Cards))
	dstTile.Cards = append(dstTile.Cards[:index:index], append([]Card{card}, dstTile.Cards[index:]...)...)

	renumber(srcTile.Cards)
	if dstTile != srcTile {
		renumber(dstTile.Cards)
		if !util.IsTempID(card.ID) {
			if _, recorded := b.movedCards[card.ID]; !recorded {
				b.movedCards[card.ID] = src.TileID
			}
		}
	}
	return nil
}

// AddTile appends a tile with a temporary id at the end of the board.
func (b *Board) AddTile(name string) (Tile, error) {
	if !b.allowed(rbac.ActionAddRemoveTile) {
		return Tile{}, ErrPermissionDenied
	}
	if name == "" {
		return Tile{}, ErrEmptyName
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tile := Tile{ID: util.TempID(), Name: name, Position: len(b.tiles)}
	b.tiles = append(b.tiles, tile)
	return tile, nil
}

// RemoveTile drops a tile from the in-memory list. Sibling positions are
// not renumbered; the gap persists until the next full reload. Persisted
// tiles are recorded for deletion at save time.
func (b *Board) RemoveTile(id string) error {
	if !b.allowed(rbac.ActionAddRemoveTile) {
		return ErrPermissionDenied
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, tile := range b.tiles {
		if tile.ID == id {
			b.tiles = append(b.tiles[:i:i], b.tiles[i+1:]...)
			if !util.IsTempID(id) {
				b.removedTiles[id] = struct{}{}
			}
			return nil
		}
	}
	return ErrTileNotFound
}

// AddCard appends a card with a temporary id at the end of a tile.
func (b *Board) AddCard(tileID, name string) (Card, error) {
	if !b.allowed(rbac.ActionAddRemoveCard) {
		return Card{}, ErrPermissionDenied
	}
	if name == "" {
		return Card{}, ErrEmptyName
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tile := b.findTile(tileID)
	if tile == nil {
		return Card{}, ErrTileNotFound
	}
	card := Card{ID: util.TempID(), Name: name, Position: len(tile.Cards), AssignedUsers: []string{}}
	tile.Cards = append(tile.Cards, card)
	return card, nil
}

// RemoveCard drops a card from its tile, recording persisted ids for
// deletion at save time. Like RemoveTile it leaves sibling positions
// untouched.
func (b *Board) RemoveCard(tileID, cardID string) error {
	if !b.allowed(rbac.ActionAddRemoveCard) {
		return ErrPermissionDenied
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tile := b.findTile(tileID)
	if tile == nil {
		return ErrTileNotFound
	}
	for i, card := range tile.Cards {
		if card.ID == cardID {
			tile.Cards = append(tile.Cards[:i:i], tile.Cards[i+1:]...)
			if !util.IsTempID(cardID) {
				b.removedCards[tileID] = append(b.removedCards[tileID], cardID)
			}
			return nil
		}
	}
	return ErrCardNotFound
}

// UpdateCard edits a card's name, description or done flag in memory.
func (b *Board) UpdateCard(tileID, cardID string, update CardUpdate) error {
	if !b.allowed(rbac.ActionAddRemoveCard) {
		return ErrPermissionDenied
	}
	if update.Name != nil && *update.Name == "" {
		return ErrEmptyName
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	card, err := b.findCard(tileID, cardID)
	if err != nil {
		return err
	}
	if update.Name != nil {
		card.Name = *update.Name
	}
	if update.Description != nil {
		card.Description = *update.Description
	}
	if update.Done != nil {
		card.Done = *update.Done
	}
	return nil
}

// AssignCard adds or removes username on a card's assignee set.
func (b *Board) AssignCard(tileID, cardID, username string, assigned bool) error {
	if !b.allowed(rbac.ActionAssignCard) {
		return ErrPermissionDenied
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	card, err := b.findCard(tileID, cardID)
	if err != nil {
		return err
	}
	for i, existing := range card.AssignedUsers {
		if existing == username {
			if !assigned {
				card.AssignedUsers = append(card.AssignedUsers[:i:i], card.AssignedUsers[i+1:]...)
			}
			return nil
		}
	}
	if assigned {
		card.AssignedUsers = append(card.AssignedUsers, username)
	}
	return nil
}

func (b *Board) findTile(id string) *Tile {
	for i := range b.tiles {
		if b.tiles[i].ID == id {
			return &b.tiles[i]
		}
	}
	return nil
}

func (b *Board) findCard(tileID, cardID string) (*Card, error) {
	tile := b.findTile(tileID)
	if tile == nil {
		return nil, ErrTileNotFound
	}
	for i := range tile.Cards {
		if tile.Cards[i].ID == cardID {
			return &tile.Cards[i], nil
		}
	}
	return nil, ErrCardNotFound
}

func renumber(cards []Card) {
	for i := range cards {
		cards[i].Position = i
	}
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

func decodeTile(doc docstore.Document) (Tile, error) {
	name, ok := doc.Data["name"].(string)
	if !ok {
		return Tile{}, fmt.Errorf("missing name")
	}
	position, err := asInt(doc.Data["position"])
	if err != nil {
		return Tile{}, fmt.Errorf("position: %w", err)
	}
	return Tile{ID: doc.ID, Name: name, Position: position}, nil
}

func decodeCard(doc docstore.Document) (Card, error) {
	name, ok := doc.Data["name"].(string)
	if !ok {
		return Card{}, fmt.Errorf("missing name")
	}
	position, err := asInt(doc.Data["position"])
	if err != nil {
		return Card{}, fmt.Errorf("position: %w", err)
	}
	card := Card{
		ID:            doc.ID,
		Name:          name,
		Position:      position,
		AssignedUsers: []string{},
	}
	if description, ok := doc.Data["description"].(string); ok {
		card.Description = description
	}
	if done, ok := doc.Data["done"].(bool); ok {
		card.Done = done
	}
	// assignedUsers arrives as []string from our own writes and as []any
	// after a JSON round-trip through the database.
	switch assigned := doc.Data["assignedUsers"].(type) {
	case []string:
		card.AssignedUsers = append(card.AssignedUsers, assigned...)
	case []any:
		for _, entry := range assigned {
			if username, ok := entry.(string); ok {
				card.AssignedUsers = append(card.AssignedUsers, username)
			}
		}
	}
	return card, nil
}

func asInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("not a number: %v", value)
	}
}

// sortedKeys keeps batch op order deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
