package authclient

import (
	"context"
	"sort"

	"github.com/giantswarm/authclient/cache"
)

// Accounts lists the signed-in accounts known to the token cache, one per
// home account id, sorted by username for stable output.
func (c *Client) Accounts(ctx context.Context) ([]*Account, error) {
	if _, _, err := c.resolveAuthority(ctx, ""); err != nil {
		return nil, err
	}
	c.ensureLoaded(ctx)

	seen := map[string]bool{}
	var out []*Account
	for _, record := range c.model.Accounts() {
		if seen[record.HomeAccountID] {
			continue
		}
		seen[record.HomeAccountID] = true
		out = append(out, accountView(record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// RemoveAccount signs an account out locally: every record tied to its home
// account id is removed across all environment aliases of the authority and
// the change is persisted. Server-side sessions are untouched.
func (c *Client) RemoveAccount(ctx context.Context, account *Account) error {
	if account == nil || account.HomeAccountID == "" {
		return NewClientError("RemoveAccount requires an account with a home account id")
	}
	_, entry, err := c.resolveAuthority(ctx, "")
	if err != nil {
		return err
	}
	c.ensureLoaded(ctx)

	aliases := entry.Aliases
	if account.Environment != "" && !entry.HasAlias(account.Environment) {
		aliases = append(aliases, account.Environment)
	}
	c.model.RemoveAccount(account.HomeAccountID, aliases)
	// The removal rides through persist as a mutation so the merge with
	// the on-disk blob cannot bring the records back.
	c.persist(ctx, func(m *cache.Model) {
		m.RemoveAccount(account.HomeAccountID, aliases)
	})
	return nil
}
