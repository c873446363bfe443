package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/dmitrijs2005/gophmarket/internal/client/cart"
	"github.com/dmitrijs2005/gophmarket/internal/client/favorites"
	"github.com/dmitrijs2005/gophmarket/internal/common"
)

const defaultItemType = "product"

func (a *App) Products(ctx context.Context, args []string) error {
	force := len(args) > 0 && args[0] == "refresh"
	list, err := a.preload.products(ctx, force)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		a.printf("The catalog is empty\n")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRICE")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\n", p.ID, p.Name, p.Price)
	}
	return tw.Flush()
}

func (a *App) ShowCart(_ context.Context, _ []string) error {
	items := a.cart.Items()
	if len(items) == 0 {
		if a.cart.Loading() {
			a.printf("Loading cart...\n")
		} else {
			a.printf("Your cart is empty\n")
		}
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tNAME\tQTY\tPRICE")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\n", it.ProductID, it.Product.Name, it.Quantity, it.Product.Price)
	}
	fmt.Fprintf(tw, "\t\t%d\t%.2f\n", cart.TotalItems(items), cart.TotalAmount(items))
	return tw.Flush()
}

func (a *App) CartAdd(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: cartadd <product> [qty]")
	}
	qty := 1
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("quantity %q: %w", args[1], err)
		}
		qty = n
	}
	p, ok, err := a.preload.product(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("product %q: %w", args[0], common.ErrorNotFound)
	}
	if err := a.cart.Add(ctx, p, qty); err != nil {
		return err
	}
	a.printf("Cart: %d items, %.2f\n", a.cart.TotalItems(), a.cart.TotalAmount())
	return nil
}

func (a *App) CartQuantity(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: cartqty <product> <qty>")
	}
	qty, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("quantity %q: %w", args[1], err)
	}
	it, err := a.cartItem(args[0])
	if err != nil {
		return err
	}
	return a.cart.UpdateQuantity(ctx, it.ID, qty)
}

func (a *App) CartRemove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cartrm <product>")
	}
	it, err := a.cartItem(args[0])
	if err != nil {
		return err
	}
	return a.cart.Remove(ctx, it.ID)
}

func (a *App) CartClear(ctx context.Context, _ []string) error {
	return a.cart.Clear(ctx)
}

func (a *App) CartToggle(_ context.Context, _ []string) error {
	if a.cart.Toggle() {
		a.printf("Cart drawer open\n")
	} else {
		a.printf("Cart drawer closed\n")
	}
	return nil
}

// cartItem finds the cart row of a product.
func (a *App) cartItem(productID string) (cart.Item, error) {
	for _, it := range a.cart.Items() {
		if it.ProductID == productID {
			return it, nil
		}
	}
	return cart.Item{}, fmt.Errorf("%s in cart: %w", productID, common.ErrorNotFound)
}

func (a *App) ShowFavorites(_ context.Context, args []string) error {
	list := a.favorites.Items()
	if len(args) > 0 {
		list = a.favorites.ByType(args[0])
	}
	if len(list) == 0 {
		a.printf("No favorites\n")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tTYPE\tTITLE")
	for _, f := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ItemID, f.ItemType, f.Title)
	}
	return tw.Flush()
}

// ToggleFavorite marks or unmarks an item. Products are looked up in the
// catalog for their display fields.
func (a *App) ToggleFavorite(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: fav <item> [type]")
	}
	it := favorites.Item{ID: args[0], Type: defaultItemType, Title: args[0]}
	if len(args) == 2 {
		it.Type = args[1]
	}
	if it.Type == defaultItemType {
		p, ok, err := a.preload.product(ctx, it.ID)
		if err != nil {
			return err
		}
		if ok {
			it.Title, it.ImageURL, it.Price = p.Name, p.ImageURL, p.Price
		}
	}

	on, err := a.favorites.Toggle(ctx, it)
	if err != nil {
		return err
	}
	if on {
		a.printf("Added %s to favorites\n", it.Title)
	} else {
		a.printf("Removed %s from favorites\n", it.Title)
	}
	return nil
}

func (a *App) ClearFavorites(ctx context.Context, _ []string) error {
	return a.favorites.Clear(ctx)
}
