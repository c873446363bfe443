package cli

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
	"github.com/dmitrijs2005/gophmarket/internal/client/cache"
	"github.com/dmitrijs2005/gophmarket/internal/client/cart"
	"github.com/dmitrijs2005/gophmarket/internal/client/favorites"
)

const productsKey = "products:public"

// preloader warms the product catalog for everyone and the cart and
// favorites of a user who just signed in.
type preloader struct {
	tables    backend.Tables
	cache     *cache.Cache
	cart      *cart.Cart
	favorites *favorites.Favorites
}

func (p *preloader) PreloadPublic(ctx context.Context) error {
	_, err := p.products(ctx, false)
	return err
}

func (p *preloader) PreloadUser(ctx context.Context, userID string) error {
	return errors.Join(
		p.cart.Prefetch(ctx, userID),
		p.favorites.Prefetch(ctx, userID),
	)
}

func (p *preloader) products(ctx context.Context, force bool) ([]cart.Product, error) {
	return cache.Fetch(ctx, p.cache, productsKey, func(ctx context.Context) ([]cart.Product, error) {
		rows, err := p.tables.Select(ctx, backend.TableProducts, backend.Query{OrderBy: "name"})
		if err != nil {
			return nil, err
		}
		return backend.DecodeRows[cart.Product](rows)
	}, cache.WithForceRefresh(force))
}

func (p *preloader) product(ctx context.Context, id string) (cart.Product, bool, error) {
	list, err := p.products(ctx, false)
	if err != nil {
		return cart.Product{}, false, err
	}
	for _, pr := range list {
		if pr.ID == id {
			return pr, true, nil
		}
	}
	return cart.Product{}, false, nil
}
