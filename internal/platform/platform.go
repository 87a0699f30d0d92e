// Package platform manages platform-wide settings: tax rate, treasury,
// relayer role, security delegate and billing period. Every setter is gated
// on the platform owner.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/state"
	"github.com/mbd888/recurra/internal/traces"
)

var (
	ErrNotOwner           = errors.New("platform: caller is not the platform owner")
	ErrAlreadyInitialized = errors.New("platform: already initialized")
	ErrInvalidRate        = errors.New("platform: rate exceeds 10000 bps")
	ErrInvalidPeriod      = errors.New("platform: period must be positive")
	ErrZeroAddress        = errors.New("platform: zero address")
)

// OwnerSource answers whether an address is the platform owner.
type OwnerSource interface {
	IsOwner(ctx context.Context, addr common.Address) bool
}

// InitParams are the settings applied by Init.
type InitParams struct {
	Treasury      common.Address
	Relayer       common.Address
	TaxRateBPS    uint64
	PeriodSeconds int64
}

// Service reads and updates the platform record.
type Service struct {
	host   *state.Host
	owners OwnerSource
	sink   events.Sink
	logger *slog.Logger
}

// NewService creates a platform service.
func NewService(host *state.Host, owners OwnerSource, logger *slog.Logger) *Service {
	return &Service{host: host, owners: owners, sink: events.Nop{}, logger: logger}
}

// WithEvents publishes setting changes to sink.
func (s *Service) WithEvents(sink events.Sink) *Service {
	s.sink = sink
	return s
}

// Init applies the first platform configuration. It runs once.
func (s *Service) Init(ctx context.Context, caller common.Address, p InitParams) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "platform.Init", traces.Caller(caller.Hex()))
	defer func() { traces.End(span, retErr) }()

	if p.TaxRateBPS > state.MaxBPS {
		return ErrInvalidRate
	}
	if p.PeriodSeconds <= 0 {
		return ErrInvalidPeriod
	}
	if p.Treasury == (common.Address{}) || p.Relayer == (common.Address{}) {
		return ErrZeroAddress
	}
	return s.update(ctx, caller, events.PlatformInitialized, func(pl *state.Platform) error {
		if pl.Initialized {
			return ErrAlreadyInitialized
		}
		pl.Treasury = p.Treasury
		pl.Relayer = p.Relayer
		pl.TaxRateBPS = p.TaxRateBPS
		pl.PeriodSeconds = p.PeriodSeconds
		pl.Initialized = true
		return nil
	}, map[string]string{
		"treasury": p.Treasury.Hex(),
		"relayer":  p.Relayer.Hex(),
		"taxRate":  fmt.Sprint(p.TaxRateBPS),
		"period":   fmt.Sprint(p.PeriodSeconds),
	})
}

// SetTaxRate sets the platform tax in basis points.
func (s *Service) SetTaxRate(ctx context.Context, caller common.Address, bps uint64) error {
	if bps > state.MaxBPS {
		return ErrInvalidRate
	}
	return s.update(ctx, caller, events.PlatformUpdated, func(p *state.Platform) error {
		p.TaxRateBPS = bps
		return nil
	}, map[string]string{"taxRate": fmt.Sprint(bps)})
}

// SetTreasury sets where tax is paid.
func (s *Service) SetTreasury(ctx context.Context, caller, treasury common.Address) error {
	if treasury == (common.Address{}) {
		return ErrZeroAddress
	}
	return s.update(ctx, caller, events.PlatformUpdated, func(p *state.Platform) error {
		p.Treasury = treasury
		return nil
	}, map[string]string{"treasury": treasury.Hex()})
}

// SetRelayer sets the address allowed to renew and relay.
func (s *Service) SetRelayer(ctx context.Context, caller, relayer common.Address) error {
	if relayer == (common.Address{}) {
		return ErrZeroAddress
	}
	return s.update(ctx, caller, events.PlatformUpdated, func(p *state.Platform) error {
		p.Relayer = relayer
		return nil
	}, map[string]string{"relayer": relayer.Hex()})
}

// SetSecurityDelegate sets the address allowed to delete any tenant.
// The zero address disables the delegate.
func (s *Service) SetSecurityDelegate(ctx context.Context, caller, delegate common.Address) error {
	return s.update(ctx, caller, events.PlatformUpdated, func(p *state.Platform) error {
		p.SecurityDelegate = delegate
		return nil
	}, map[string]string{"securityDelegate": delegate.Hex()})
}

// SetPeriod sets the billing period. Existing period ends are not moved.
func (s *Service) SetPeriod(ctx context.Context, caller common.Address, seconds int64) error {
	if seconds <= 0 {
		return ErrInvalidPeriod
	}
	return s.update(ctx, caller, events.PlatformUpdated, func(p *state.Platform) error {
		p.PeriodSeconds = seconds
		return nil
	}, map[string]string{"period": fmt.Sprint(seconds)})
}

// Get returns the platform record.
func (s *Service) Get(ctx context.Context) (*state.Platform, error) {
	var out *state.Platform
	err := s.host.View(ctx, func(ctx context.Context, tx state.Tx) error {
		p, err := tx.Platform(ctx)
		out = p
		return err
	})
	return out, err
}

// IsRelayer reports whether addr holds the relayer role.
func (s *Service) IsRelayer(ctx context.Context, addr common.Address) (bool, error) {
	p, err := s.Get(ctx)
	if err != nil {
		return false, err
	}
	return p.Relayer != (common.Address{}) && p.Relayer == addr, nil
}

func (s *Service) update(ctx context.Context, caller common.Address, kind events.Kind, fn func(*state.Platform) error, data map[string]string) error {
	if !s.owners.IsOwner(ctx, caller) {
		return ErrNotOwner
	}
	return s.host.Exec(ctx, "platform", func(ctx context.Context, tx state.Tx) error {
		p, err := tx.Platform(ctx)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if err := tx.PutPlatform(ctx, p); err != nil {
			return err
		}
		now := s.host.Now(ctx)
		s.host.AfterCommit(ctx, func() {
			s.logger.Info("platform settings updated", "kind", kind, "caller", caller.Hex())
			s.sink.Publish(events.Event{Kind: kind, Account: caller.Hex(), Data: data, Time: now})
		})
		return nil
	})
}
