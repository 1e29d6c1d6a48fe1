package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/viddhana/sv2pool/internal/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresClient wraps PostgreSQL operations for the pool.
//
// It persists exactly two things, deliberately scoped to respect the
// "no persistent storage of shares" Non-goal: a ledger of network-target
// block finds, and downstream-connection telemetry. No per-share rows are
// ever written here.
type PostgresClient struct {
	pool   *pgxpool.Pool
	cfg    config.PostgresConfig
	logger *zap.Logger
}

// BlockFound represents one accepted network-target share (a solved block).
type BlockFound struct {
	ID          int64
	TemplateID  uint64
	ChannelID   uint32
	BlockHash   string
	NewSharesSum uint64
	FoundAt     time.Time
}

// DownstreamConnection represents one downstream connection's telemetry.
type DownstreamConnection struct {
	ID             int64
	DownstreamID   string
	RemoteAddr     string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	ChannelCount   int
	AcceptedShares int64
}

// NewPostgresClient creates a new PostgreSQL client.
func NewPostgresClient(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresClient, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
		cfg.MaxConnections, cfg.MinConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)

	client := &PostgresClient{
		pool:   pool,
		cfg:    cfg,
		logger: logger.Named("postgres"),
	}

	if err := client.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return client, nil
}

// Close closes the database connection pool.
func (p *PostgresClient) Close() {
	p.pool.Close()
}

// initSchema creates the necessary database tables if they don't exist.
func (p *PostgresClient) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS pool_blocks_found (
			id BIGSERIAL PRIMARY KEY,
			template_id BIGINT NOT NULL,
			channel_id BIGINT NOT NULL,
			block_hash VARCHAR(64) UNIQUE NOT NULL,
			new_shares_sum BIGINT NOT NULL,
			found_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_pool_blocks_found_channel ON pool_blocks_found(channel_id);
		CREATE INDEX IF NOT EXISTS idx_pool_blocks_found_found_at ON pool_blocks_found(found_at);

		CREATE TABLE IF NOT EXISTS pool_downstream_connections (
			id BIGSERIAL PRIMARY KEY,
			downstream_id VARCHAR(32) UNIQUE NOT NULL,
			remote_addr VARCHAR(64),
			connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			disconnected_at TIMESTAMPTZ,
			channel_count INT NOT NULL DEFAULT 0,
			accepted_shares BIGINT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_pool_downstream_connections_connected ON pool_downstream_connections(connected_at);
	`

	_, err := p.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// InsertBlockFound records a network-target share.
func (p *PostgresClient) InsertBlockFound(ctx context.Context, b *BlockFound) error {
	query := `
		INSERT INTO pool_blocks_found (template_id, channel_id, block_hash, new_shares_sum, found_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := p.pool.Exec(ctx, query,
		b.TemplateID, b.ChannelID, b.BlockHash, b.NewSharesSum, b.FoundAt)
	if err != nil {
		return fmt.Errorf("failed to insert block found: %w", err)
	}

	return nil
}

// GetRecentBlocksFound retrieves recently found blocks.
func (p *PostgresClient) GetRecentBlocksFound(ctx context.Context, limit int) ([]*BlockFound, error) {
	query := `
		SELECT id, template_id, channel_id, block_hash, new_shares_sum, found_at
		FROM pool_blocks_found
		ORDER BY found_at DESC
		LIMIT $1
	`

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent blocks found: %w", err)
	}
	defer rows.Close()

	var blocks []*BlockFound
	for rows.Next() {
		var b BlockFound
		if err := rows.Scan(&b.ID, &b.TemplateID, &b.ChannelID, &b.BlockHash, &b.NewSharesSum, &b.FoundAt); err != nil {
			return nil, fmt.Errorf("failed to scan block found: %w", err)
		}
		blocks = append(blocks, &b)
	}

	return blocks, nil
}

// UpsertDownstreamConnected records a new downstream connection.
func (p *PostgresClient) UpsertDownstreamConnected(ctx context.Context, downstreamID, remoteAddr string) error {
	query := `
		INSERT INTO pool_downstream_connections (downstream_id, remote_addr, connected_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (downstream_id) DO UPDATE SET
			remote_addr = EXCLUDED.remote_addr,
			connected_at = NOW(),
			disconnected_at = NULL
	`

	_, err := p.pool.Exec(ctx, query, downstreamID, remoteAddr)
	if err != nil {
		return fmt.Errorf("failed to upsert downstream connection: %w", err)
	}

	return nil
}

// MarkDownstreamDisconnected records a downstream disconnection along with
// its final channel count and accepted-share total.
func (p *PostgresClient) MarkDownstreamDisconnected(ctx context.Context, downstreamID string, channelCount int, acceptedShares int64) error {
	query := `
		UPDATE pool_downstream_connections
		SET disconnected_at = NOW(), channel_count = $2, accepted_shares = $3
		WHERE downstream_id = $1
	`

	_, err := p.pool.Exec(ctx, query, downstreamID, channelCount, acceptedShares)
	if err != nil {
		return fmt.Errorf("failed to mark downstream disconnected: %w", err)
	}

	return nil
}

// GetDownstreamConnection retrieves a downstream connection record by id.
func (p *PostgresClient) GetDownstreamConnection(ctx context.Context, downstreamID string) (*DownstreamConnection, error) {
	query := `
		SELECT id, downstream_id, remote_addr, connected_at, disconnected_at, channel_count, accepted_shares
		FROM pool_downstream_connections WHERE downstream_id = $1
	`

	var c DownstreamConnection
	err := p.pool.QueryRow(ctx, query, downstreamID).Scan(
		&c.ID, &c.DownstreamID, &c.RemoteAddr, &c.ConnectedAt, &c.DisconnectedAt, &c.ChannelCount, &c.AcceptedShares)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get downstream connection: %w", err)
	}

	return &c, nil
}

// GetPoolStats retrieves overall pool statistics.
func (p *PostgresClient) GetPoolStats(ctx context.Context) (onlineDownstreams, blocksFound int64, err error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM pool_downstream_connections WHERE disconnected_at IS NULL) as online_downstreams,
			(SELECT COUNT(*) FROM pool_blocks_found) as blocks_found
	`

	err = p.pool.QueryRow(ctx, query).Scan(&onlineDownstreams, &blocksFound)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get pool stats: %w", err)
	}

	return onlineDownstreams, blocksFound, nil
}
