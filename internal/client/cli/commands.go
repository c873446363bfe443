package cli

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophmarket/internal/common"
)

type command struct {
	name  string
	usage string
	// signedIn marks commands that need a current user.
	signedIn bool
	run      func(a *App, ctx context.Context, args []string) error
}

var commands = []command{
	{name: "signup", usage: "signup - create an account", run: (*App).SignUp},
	{name: "signin", usage: "signin - sign in with email and password", run: (*App).SignIn},
	{name: "signout", usage: "signout - sign out, keeping saved accounts", signedIn: true, run: (*App).SignOut},
	{name: "whoami", usage: "whoami - show the current user", run: (*App).WhoAmI},
	{name: "accounts", usage: "accounts - list saved accounts", run: (*App).Accounts},
	{name: "addaccount", usage: "addaccount - sign in to another account", run: (*App).AddAccount},
	{name: "switch", usage: "switch <n|id> - switch to a saved account", run: (*App).Switch},
	{name: "forget", usage: "forget <n|id> - remove a saved account", run: (*App).Forget},

	{name: "profile", usage: "profile - show your profile", signedIn: true, run: (*App).Profile},
	{name: "setname", usage: "setname <full name> - change your name", signedIn: true, run: (*App).SetName},
	{name: "avatar", usage: "avatar <path> - upload a profile picture", signedIn: true, run: (*App).Avatar},

	{name: "products", usage: "products [refresh] - list the catalog", run: (*App).Products},

	{name: "cart", usage: "cart - show the cart", signedIn: true, run: (*App).ShowCart},
	{name: "cartadd", usage: "cartadd <product> [qty] - add to the cart", signedIn: true, run: (*App).CartAdd},
	{name: "cartqty", usage: "cartqty <product> <qty> - set a quantity", signedIn: true, run: (*App).CartQuantity},
	{name: "cartrm", usage: "cartrm <product> - remove from the cart", signedIn: true, run: (*App).CartRemove},
	{name: "cartclear", usage: "cartclear - empty the cart", signedIn: true, run: (*App).CartClear},
	{name: "carttoggle", usage: "carttoggle - open or close the cart drawer", signedIn: true, run: (*App).CartToggle},

	{name: "favs", usage: "favs [type] - list favorites", signedIn: true, run: (*App).ShowFavorites},
	{name: "fav", usage: "fav <item> [type] - toggle a favorite", signedIn: true, run: (*App).ToggleFavorite},
	{name: "favclear", usage: "favclear - remove all favorites", signedIn: true, run: (*App).ClearFavorites},

	{name: "refresh", usage: "refresh - reload profile, cart and favorites", signedIn: true, run: (*App).Refresh},
	{name: "stats", usage: "stats - show event counters", run: (*App).Stats},
	{name: "clearall", usage: "clearall - sign out and wipe all local data", run: (*App).ClearAll},
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// Exec runs the command name with args.
func (a *App) Exec(ctx context.Context, name string, args []string) error {
	c, ok := lookup(name)
	if !ok {
		return errUnknownCommand
	}
	if c.signedIn && !a.isSignedIn() {
		return common.ErrNotSignedIn
	}
	return c.run(a, ctx, args)
}

// Help lists the commands usable in the current state.
func (a *App) Help() []string {
	signedIn := a.isSignedIn()
	lines := []string{"Available commands:"}
	for _, c := range commands {
		if c.signedIn && !signedIn {
			continue
		}
		lines = append(lines, "  "+c.usage)
	}
	return append(lines, "  help, exit")
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
