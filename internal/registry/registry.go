// Package registry manages signal channels and their venue sub-accounts.
//
// Every channel owns exactly one sub-account; the registry enforces the
// channel's policy invariants on create/update and guards deletion: a
// channel with live positions cannot be removed, and a successful removal
// sweeps any remaining sub-account balance back to the main account.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"signalbridge/internal/bus"
	"signalbridge/internal/store"
	"signalbridge/pkg/types"
)

// ErrLivePositions rejects deletion of a channel that still owns open or
// partially closed positions.
var ErrLivePositions = errors.New("channel has live positions")

// Venue is the slice of the exchange client the registry needs.
type Venue interface {
	AccountInfo(ctx context.Context, subAccountID string) (types.AccountInfo, error)
	Transfer(ctx context.Context, subAccountID, asset string, amount decimal.Decimal, direction types.TransferDirection) error
	QuoteAsset() string
}

// Registry is the channel directory. Lookups by external chat ID sit on the
// hot ingestion path, so they are served from an in-memory cache that every
// mutation invalidates.
type Registry struct {
	store  *store.Store
	venue  Venue
	bus    *bus.Bus
	logger *slog.Logger

	mu         sync.RWMutex
	byExternal map[string]*types.Channel
}

// New creates a registry.
func New(st *store.Store, venue Venue, b *bus.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		store:      st,
		venue:      venue,
		bus:        b,
		logger:     logger.With("component", "registry"),
		byExternal: make(map[string]*types.Channel),
	}
}

var (
	minPositionPct = decimal.NewFromInt(1)
	maxPositionPct = decimal.NewFromInt(100)
	minRiskPct     = decimal.RequireFromString("0.1")
	maxRiskPct     = decimal.NewFromInt(20)
)

func validate(ch *types.Channel) error {
	if ch.ExternalChannelID == "" {
		return fmt.Errorf("external channel id is required")
	}
	if ch.Name == "" {
		return fmt.Errorf("channel name is required")
	}
	if ch.MaxPositionPercent.LessThan(minPositionPct) || ch.MaxPositionPercent.GreaterThan(maxPositionPct) {
		return fmt.Errorf("max_position_percent must be in [1, 100], got %s", ch.MaxPositionPercent)
	}
	if ch.RiskPercent.LessThan(minRiskPct) || ch.RiskPercent.GreaterThan(maxRiskPct) {
		return fmt.Errorf("risk_percent must be in [0.1, 20], got %s", ch.RiskPercent)
	}
	return types.ValidateTPDistribution(ch.TPDistribution)
}

// Create validates and persists a new channel, provisioning its sub-account
// record when none is supplied.
func (r *Registry) Create(ctx context.Context, ch *types.Channel) error {
	if err := validate(ch); err != nil {
		return fmt.Errorf("create channel: %w", err)
	}

	if ch.SubAccountID == "" {
		sa := &types.SubAccount{
			VenueSubAccountID: ch.ExternalChannelID,
			Name:              ch.Name,
		}
		if err := r.store.CreateSubAccount(ctx, sa); err != nil {
			return err
		}
		ch.SubAccountID = sa.ID
	}

	if err := r.store.CreateChannel(ctx, ch); err != nil {
		return err
	}
	r.cachePut(ch)
	r.logger.Info("channel created", "channel", ch.ID, "external", ch.ExternalChannelID, "name", ch.Name)
	r.bus.Publish(types.Event{Topic: types.TopicChannelUpdate, ChannelID: ch.ID})
	return nil
}

// Update validates and persists changes to an existing channel.
func (r *Registry) Update(ctx context.Context, ch *types.Channel) error {
	if err := validate(ch); err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if err := r.store.UpdateChannel(ctx, ch); err != nil {
		return err
	}
	r.cachePut(ch)
	r.bus.Publish(types.Event{Topic: types.TopicChannelUpdate, ChannelID: ch.ID})
	return nil
}

// SetPaused pauses or resumes signal intake for a channel. Existing
// positions are unaffected.
func (r *Registry) SetPaused(ctx context.Context, id string, paused bool) error {
	return r.patch(ctx, id, func(ch *types.Channel) { ch.Paused = paused })
}

// SetAutoExecute flips a channel between auto-execution and manual approval.
func (r *Registry) SetAutoExecute(ctx context.Context, id string, on bool) error {
	return r.patch(ctx, id, func(ch *types.Channel) { ch.AutoExecute = on })
}

// SetActive enables or disables a channel entirely.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	return r.patch(ctx, id, func(ch *types.Channel) { ch.Active = active })
}

func (r *Registry) patch(ctx context.Context, id string, mutate func(*types.Channel)) error {
	ch, err := r.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}
	mutate(ch)
	if err := r.store.UpdateChannel(ctx, ch); err != nil {
		return err
	}
	r.cachePut(ch)
	r.bus.Publish(types.Event{Topic: types.TopicChannelUpdate, ChannelID: ch.ID})
	return nil
}

// Delete removes a channel. Refused while the channel owns live positions;
// on success any remaining sub-account balance is swept back to the main
// account. A failed sweep aborts the delete so funds are never stranded on
// an orphaned sub-account.
func (r *Registry) Delete(ctx context.Context, id string) error {
	ch, err := r.store.GetChannel(ctx, id)
	if err != nil {
		return err
	}

	n, err := r.store.CountLivePositionsByChannel(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("delete channel %s: %w (%d)", id, ErrLivePositions, n)
	}

	if ch.SubAccountID != "" {
		// The venue knows the sub-account by its own ID, not our record key.
		sa, err := r.store.GetSubAccount(ctx, ch.SubAccountID)
		if err != nil {
			return fmt.Errorf("delete channel %s: resolve sub-account: %w", id, err)
		}
		info, err := r.venue.AccountInfo(ctx, sa.VenueSubAccountID)
		if err != nil {
			return fmt.Errorf("delete channel %s: sweep balance check: %w", id, err)
		}
		if info.AvailableBalance.Sign() > 0 {
			err := r.venue.Transfer(ctx, sa.VenueSubAccountID, r.venue.QuoteAsset(),
				info.AvailableBalance, types.TransferOut)
			if err != nil {
				return fmt.Errorf("delete channel %s: sweep: %w", id, err)
			}
			r.logger.Info("swept sub-account balance",
				"channel", id, "sub_account", sa.VenueSubAccountID, "amount", info.AvailableBalance.String())
		}
	}

	if err := r.store.DeleteChannel(ctx, id); err != nil {
		return err
	}
	r.cacheDrop(ch.ExternalChannelID)
	r.logger.Info("channel deleted", "channel", id, "name", ch.Name)
	r.bus.Publish(types.Event{Topic: types.TopicChannelUpdate, ChannelID: id, Reason: "deleted"})
	return nil
}

// Lookup resolves an external chat-platform ID to its channel. Cache-first;
// a miss falls through to the store.
func (r *Registry) Lookup(ctx context.Context, externalID string) (*types.Channel, error) {
	r.mu.RLock()
	ch, ok := r.byExternal[externalID]
	r.mu.RUnlock()
	if ok {
		return ch, nil
	}

	ch, err := r.store.GetChannelByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	r.cachePut(ch)
	return ch, nil
}

// Get fetches one channel by internal ID.
func (r *Registry) Get(ctx context.Context, id string) (*types.Channel, error) {
	return r.store.GetChannel(ctx, id)
}

// List returns all channels.
func (r *Registry) List(ctx context.Context) ([]*types.Channel, error) {
	return r.store.ListChannels(ctx)
}

// SubAccount fetches one sub-account record.
func (r *Registry) SubAccount(ctx context.Context, id string) (*types.SubAccount, error) {
	return r.store.GetSubAccount(ctx, id)
}

// RefreshBalances pulls fresh balance snapshots from the venue for every
// sub-account. Advisory only: failures are logged per account and the rest
// continue.
func (r *Registry) RefreshBalances(ctx context.Context) error {
	accounts, err := r.store.ListSubAccounts(ctx)
	if err != nil {
		return err
	}
	for _, sa := range accounts {
		info, err := r.venue.AccountInfo(ctx, sa.VenueSubAccountID)
		if err != nil {
			r.logger.Warn("balance refresh failed", "sub_account", sa.ID, "error", err)
			continue
		}
		totalPnl := sa.TotalPnl
		if err := r.store.UpdateSubAccountBalances(ctx, sa.ID, info, totalPnl); err != nil {
			r.logger.Warn("balance persist failed", "sub_account", sa.ID, "error", err)
			continue
		}
		r.bus.Publish(types.Event{Topic: types.TopicAccountUpdate, Reason: sa.ID})
	}
	return nil
}

func (r *Registry) cachePut(ch *types.Channel) {
	cp := *ch
	r.mu.Lock()
	r.byExternal[ch.ExternalChannelID] = &cp
	r.mu.Unlock()
}

func (r *Registry) cacheDrop(externalID string) {
	r.mu.Lock()
	delete(r.byExternal, externalID)
	r.mu.Unlock()
}
