// Package cart is the shopping cart of the signed-in user: a synchronized
// collection over the cart_items table plus the drawer state of the UI.
package cart

import (
	"context"
	"errors"
	"sync"

	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
	"github.com/dmitrijs2005/gophmarket/internal/client/collection"
	"github.com/dmitrijs2005/gophmarket/internal/common"
	"github.com/google/uuid"
)

const Resource = "cart"

var ErrInvalidQuantity = errors.New("quantity must be positive")

// Product is the denormalized product data kept on a cart row.
type Product struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	ImageURL string  `json:"image_url,omitempty"`
}

type Item struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Product   Product `json:"product"`
}

func itemID(it Item) string { return it.ID }

type Cart struct {
	items  *collection.Collection[Item]
	tables backend.Tables

	mu   sync.Mutex
	open bool
}

func New(deps collection.Deps) *Cart {
	return &Cart{
		items: collection.New(collection.Config[Item]{
			Resource: Resource,
			Table:    backend.TableCartItems,
			OrderBy:  "id",
			ID:       itemID,
		}, deps),
		tables: deps.Tables,
	}
}

// Collection exposes the underlying synchronized collection.
func (c *Cart) Collection() *collection.Collection[Item] { return c.items }

func (c *Cart) Items() []Item { return c.items.Items() }

func (c *Cart) Loading() bool { return c.items.Loading() }

func (c *Cart) SetOwner(ctx context.Context, userID string) error {
	return c.items.SetOwner(ctx, userID)
}

func (c *Cart) FollowIdentity(src collection.IdentitySource) (stop func()) {
	return c.items.FollowIdentity(src)
}

func (c *Cart) Prefetch(ctx context.Context, userID string) error {
	return c.items.Prefetch(ctx, userID)
}

func (c *Cart) Refresh(ctx context.Context) error { return c.items.Refresh(ctx) }

// Shutdown drops the cart's subscriptions.
func (c *Cart) Shutdown() { c.items.Close() }

// Add puts qty units of p into the cart. A product already in the cart
// gets its quantity increased instead of a second row.
func (c *Cart) Add(ctx context.Context, p Product, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if existing, ok := c.items.Find(func(it Item) bool { return it.ProductID == p.ID }); ok {
		return c.UpdateQuantity(ctx, existing.ID, existing.Quantity+qty)
	}

	owner := c.items.Owner()
	if owner == "" {
		return collection.ErrNoOwner
	}
	tmp := Item{
		ID:        "tmp-" + uuid.NewString(),
		UserID:    owner,
		ProductID: p.ID,
		Quantity:  qty,
		Product:   p,
	}
	return c.items.Mutate(ctx, collection.Mutation[Item]{
		Name: "add",
		Optimistic: func(items []Item) []Item {
			return append(append([]Item(nil), items...), tmp)
		},
		Remote: func(ctx context.Context) (func([]Item) []Item, error) {
			rows, err := c.tables.Insert(ctx, backend.TableCartItems, backend.Row{
				"user_id":    tmp.UserID,
				"product_id": tmp.ProductID,
				"quantity":   tmp.Quantity,
				"product":    tmp.Product,
			})
			if err != nil {
				return nil, err
			}
			saved, err := single(rows)
			if err != nil {
				return nil, err
			}
			return func(items []Item) []Item {
				return collection.Settle(items, tmp.ID, saved, itemID)
			}, nil
		},
	})
}

// UpdateQuantity sets the quantity of a cart row; zero or less removes it.
func (c *Cart) UpdateQuantity(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return c.Remove(ctx, id)
	}
	return c.items.Mutate(ctx, collection.Mutation[Item]{
		Name: "update_quantity",
		Optimistic: func(items []Item) []Item {
			out := append([]Item(nil), items...)
			for i := range out {
				if out[i].ID == id {
					out[i].Quantity = qty
				}
			}
			return out
		},
		Remote: func(ctx context.Context) (func([]Item) []Item, error) {
			rows, err := c.tables.Update(ctx, backend.TableCartItems, backend.Row{"quantity": qty}, backend.Eq("id", id))
			if err != nil {
				return nil, err
			}
			saved, err := single(rows)
			if err != nil {
				return nil, err
			}
			return func(items []Item) []Item {
				return collection.Replace(items, id, saved, itemID)
			}, nil
		},
	})
}

// Remove deletes the cart row with the given id.
func (c *Cart) Remove(ctx context.Context, id string) error {
	return c.items.Mutate(ctx, collection.Mutation[Item]{
		Name: "remove",
		Optimistic: func(items []Item) []Item {
			return collection.Without(items, func(it Item) bool { return it.ID == id })
		},
		Remote: func(ctx context.Context) (func([]Item) []Item, error) {
			return nil, c.tables.Delete(ctx, backend.TableCartItems, backend.Eq("id", id))
		},
	})
}

// Clear empties the cart of the current owner.
func (c *Cart) Clear(ctx context.Context) error {
	owner := c.items.Owner()
	if owner == "" {
		return collection.ErrNoOwner
	}
	return c.items.Mutate(ctx, collection.Mutation[Item]{
		Name:       "clear",
		Optimistic: func([]Item) []Item { return []Item{} },
		Remote: func(ctx context.Context) (func([]Item) []Item, error) {
			return nil, c.tables.Delete(ctx, backend.TableCartItems, backend.Eq("user_id", owner))
		},
	})
}

// Open shows the cart drawer.
func (c *Cart) Open() { c.setOpen(true) }

// Close hides the cart drawer.
func (c *Cart) Close() { c.setOpen(false) }

func (c *Cart) Toggle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = !c.open
	return c.open
}

func (c *Cart) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Cart) setOpen(v bool) {
	c.mu.Lock()
	c.open = v
	c.mu.Unlock()
}

func (c *Cart) TotalItems() int { return TotalItems(c.items.Items()) }

func (c *Cart) TotalAmount() float64 { return TotalAmount(c.items.Items()) }

// TotalItems sums the quantities of items.
func TotalItems(items []Item) int {
	n := 0
	for _, it := range items {
		n += it.Quantity
	}
	return n
}

// TotalAmount sums price times quantity over items.
func TotalAmount(items []Item) float64 {
	var total float64
	for _, it := range items {
		total += it.Product.Price * float64(it.Quantity)
	}
	return total
}

func single(rows []backend.Row) (Item, error) {
	if len(rows) == 0 {
		return Item{}, common.ErrorNotFound
	}
	return backend.DecodeRow[Item](rows[0])
}
