// Package favorites keeps the items the signed-in user marked, synchronized
// with the favorites table.
package favorites

import (
	"context"

	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
	"github.com/dmitrijs2005/gophmarket/internal/client/collection"
	"github.com/dmitrijs2005/gophmarket/internal/common"
	"github.com/google/uuid"
)

const Resource = "favorites"

// Favorite is a marked item with the display fields cached at marking time.
type Favorite struct {
	ID       string  `json:"id"`
	UserID   string  `json:"user_id"`
	ItemID   string  `json:"item_id"`
	ItemType string  `json:"item_type"`
	Title    string  `json:"title"`
	ImageURL string  `json:"image_url,omitempty"`
	Price    float64 `json:"price,omitempty"`
}

// Item identifies what gets marked and carries its display fields.
type Item struct {
	ID       string
	Type     string
	Title    string
	ImageURL string
	Price    float64
}

func favoriteID(f Favorite) string { return f.ID }

type Favorites struct {
	items  *collection.Collection[Favorite]
	tables backend.Tables
}

func New(deps collection.Deps) *Favorites {
	return &Favorites{
		items: collection.New(collection.Config[Favorite]{
			Resource: Resource,
			Table:    backend.TableFavorites,
			OrderBy:  "id",
			ID:       favoriteID,
		}, deps),
		tables: deps.Tables,
	}
}

func (f *Favorites) Collection() *collection.Collection[Favorite] { return f.items }

func (f *Favorites) Items() []Favorite { return f.items.Items() }

func (f *Favorites) Loading() bool { return f.items.Loading() }

func (f *Favorites) SetOwner(ctx context.Context, userID string) error {
	return f.items.SetOwner(ctx, userID)
}

func (f *Favorites) FollowIdentity(src collection.IdentitySource) (stop func()) {
	return f.items.FollowIdentity(src)
}

func (f *Favorites) Prefetch(ctx context.Context, userID string) error {
	return f.items.Prefetch(ctx, userID)
}

func (f *Favorites) Refresh(ctx context.Context) error { return f.items.Refresh(ctx) }

func (f *Favorites) Shutdown() { f.items.Close() }

// Add marks it. Marking an item twice is a no-op.
func (f *Favorites) Add(ctx context.Context, it Item) error {
	if f.IsFavorite(it.ID, it.Type) {
		return nil
	}
	owner := f.items.Owner()
	if owner == "" {
		return collection.ErrNoOwner
	}

	tmp := Favorite{
		ID:       "tmp-" + uuid.NewString(),
		UserID:   owner,
		ItemID:   it.ID,
		ItemType: it.Type,
		Title:    it.Title,
		ImageURL: it.ImageURL,
		Price:    it.Price,
	}
	return f.items.Mutate(ctx, collection.Mutation[Favorite]{
		Name: "add",
		Optimistic: func(items []Favorite) []Favorite {
			return append(append([]Favorite(nil), items...), tmp)
		},
		Remote: func(ctx context.Context) (func([]Favorite) []Favorite, error) {
			row, err := backend.EncodeRow(tmp)
			if err != nil {
				return nil, err
			}
			delete(row, "id")
			rows, err := f.tables.Insert(ctx, backend.TableFavorites, row)
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return nil, common.ErrorNotFound
			}
			saved, err := backend.DecodeRow[Favorite](rows[0])
			if err != nil {
				return nil, err
			}
			return func(items []Favorite) []Favorite {
				return collection.Settle(items, tmp.ID, saved, favoriteID)
			}, nil
		},
	})
}

// Remove unmarks the item itemID of kind itemType.
func (f *Favorites) Remove(ctx context.Context, itemID, itemType string) error {
	owner := f.items.Owner()
	if owner == "" {
		return collection.ErrNoOwner
	}
	return f.items.Mutate(ctx, collection.Mutation[Favorite]{
		Name: "remove",
		Optimistic: func(items []Favorite) []Favorite {
			return collection.Without(items, func(fav Favorite) bool {
				return fav.ItemID == itemID && fav.ItemType == itemType
			})
		},
		Remote: func(ctx context.Context) (func([]Favorite) []Favorite, error) {
			return nil, f.tables.Delete(ctx, backend.TableFavorites,
				backend.Eq("user_id", owner),
				backend.Eq("item_id", itemID),
				backend.Eq("item_type", itemType),
			)
		},
	})
}

// Toggle flips the mark of it and reports whether it is marked afterwards.
func (f *Favorites) Toggle(ctx context.Context, it Item) (bool, error) {
	if f.IsFavorite(it.ID, it.Type) {
		return false, f.Remove(ctx, it.ID, it.Type)
	}
	return true, f.Add(ctx, it)
}

func (f *Favorites) Clear(ctx context.Context) error {
	owner := f.items.Owner()
	if owner == "" {
		return collection.ErrNoOwner
	}
	return f.items.Mutate(ctx, collection.Mutation[Favorite]{
		Name:       "clear",
		Optimistic: func([]Favorite) []Favorite { return []Favorite{} },
		Remote: func(ctx context.Context) (func([]Favorite) []Favorite, error) {
			return nil, f.tables.Delete(ctx, backend.TableFavorites, backend.Eq("user_id", owner))
		},
	})
}

// IsFavorite reports whether the item is among the owner's favorites.
func (f *Favorites) IsFavorite(itemID, itemType string) bool {
	_, ok := f.items.Find(func(fav Favorite) bool {
		return fav.ItemID == itemID && fav.ItemType == itemType
	})
	return ok
}

// Count returns the number of favorites of any type.
func (f *Favorites) Count() int { return len(f.items.Items()) }

// ByType returns the favorites of one item kind.
func (f *Favorites) ByType(itemType string) []Favorite {
	var out []Favorite
	for _, fav := range f.items.Items() {
		if fav.ItemType == itemType {
			out = append(out, fav)
		}
	}
	return out
}
