package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/satswap/client"
	"github.com/brojonat/satswap/service/clarity"
	"github.com/brojonat/satswap/service/config"
	"github.com/brojonat/satswap/service/db"
	"github.com/brojonat/satswap/service/logging"
	"github.com/brojonat/satswap/service/market"
	natspkg "github.com/brojonat/satswap/service/nats"
	"github.com/brojonat/satswap/service/node"
	"github.com/brojonat/satswap/service/nonce"
	"github.com/brojonat/satswap/service/signer"
	"github.com/brojonat/satswap/service/stacks"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

// deps is everything a command needs, built from configuration.
type deps struct {
	cfg     *config.Config
	logger  *slog.Logger
	node    *node.Client
	closers []func()
}

// loadDeps reads configuration and builds the node client. Commands must
// call close when done.
func loadDeps(c *cli.Context) (*deps, error) {
	cfg, err := config.LoadFile(c.String("config"))
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if l := c.String("log-level"); l != "" {
		level = l
	}
	logger := logging.NewWithWriter(c.App.ErrWriter, level)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	nodeClient := node.NewClient(
		node.NewRPCClient(cfg.APIURL, httpClient),
		cfg.APIURL,
		nil,
		logger,
		node.WithRateLimit(cfg.NodeRPS, 1),
		node.WithRetry(cfg.NodeMaxAttempts, cfg.NodeRetryBackoff),
	)

	return &deps{cfg: cfg, logger: logger, node: nodeClient}, nil
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

func (d *deps) contract() (clarity.Principal, error) {
	p, err := d.cfg.Contract()
	if err != nil {
		return clarity.Principal{}, fmt.Errorf("invalid marketplace contract: %w", err)
	}
	return p, nil
}

// readOnlyMarket is enough for listing reads.
func (d *deps) readOnlyMarket() (*market.Market, error) {
	contract, err := d.contract()
	if err != nil {
		return nil, err
	}
	return market.NewReadOnlyMarket(contract, d.cfg.StacksNetwork(), d.node, d.logger), nil
}

// signingMarket builds a market that can send transactions. The journal and
// the event publisher are attached only when DATABASE_URL and NATS_URL are
// set.
func (d *deps) signingMarket(ctx context.Context) (*market.Market, error) {
	contract, err := d.contract()
	if err != nil {
		return nil, err
	}

	delegate, sender, err := d.signer(ctx)
	if err != nil {
		return nil, err
	}
	recovery, err := d.cfg.Recovery()
	if err != nil {
		return nil, err
	}

	opts := []market.Option{market.WithRecoveryPolicy(recovery)}

	if d.cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, d.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		d.closers = append(d.closers, pool.Close)
		store := db.NewStore(pool, nil)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, market.WithJournal(store))
	}

	if d.cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(d.cfg.NATSURL, nil, d.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		d.closers = append(d.closers, func() { publisher.Close() })
		opts = append(opts, market.WithEventPublisher(publisher))
	}

	network := d.cfg.StacksNetwork()
	builder := stacks.NewBuilder(network, stacks.WithFeePolicy(d.cfg.FeePolicy()))
	nonces := nonce.NewSequencer(d.node, nil, d.logger)

	m := market.NewMarket(contract, builder, sender, delegate, nonces, d.node, d.node, d.logger, opts...)
	d.logger.Debug("signing market ready",
		"contract", contract.String(),
		"sender", m.SenderAddress(),
		"network", network.Name,
	)
	return m, nil
}

// signerAddress is the address of the configured signer on the configured
// network.
func (d *deps) signerAddress(ctx context.Context) (string, error) {
	_, sender, err := d.signer(ctx)
	if err != nil {
		return "", err
	}
	return sender.Address(d.cfg.StacksNetwork()), nil
}

func (d *deps) signer(ctx context.Context) (signer.Delegate, stacks.Sender, error) {
	if err := d.cfg.RequireSigner(); err != nil {
		return nil, stacks.Sender{}, err
	}
	delegate, pub, err := d.delegate(ctx)
	if err != nil {
		return nil, stacks.Sender{}, err
	}
	sender, err := stacks.NewSender(pub)
	if err != nil {
		return nil, stacks.Sender{}, fmt.Errorf("invalid signer public key: %w", err)
	}
	return delegate, sender, nil
}

// delegate returns the signing delegate and the public key it signs for.
func (d *deps) delegate(ctx context.Context) (signer.Delegate, []byte, error) {
	if d.cfg.SignerPrivateKey != "" {
		local, err := signer.NewLocalFromHex(d.cfg.SignerPrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid SIGNER_PRIVATE_KEY: %w", err)
		}
		return local, local.PublicKey(), nil
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	remote := client.NewClient(d.cfg.SignerURL, d.cfg.SignerAPIKey, httpClient, d.logger).
		NewSigner(d.cfg.SignerWalletID, client.WithPollInterval(d.cfg.SignerPollInterval))

	if d.cfg.SignerPublicKey != "" {
		pub, err := hex.DecodeString(strings.TrimPrefix(d.cfg.SignerPublicKey, "0x"))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid SIGNER_PUBLIC_KEY: %w", err)
		}
		return remote, pub, nil
	}
	pub, err := remote.PublicKey(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up signer public key: %w", err)
	}
	return remote, pub, nil
}
