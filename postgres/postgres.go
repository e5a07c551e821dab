package postgres

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// Endpoint addresses one PostgreSQL server.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders the endpoint as a connection URL.
func (e Endpoint) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:     "/" + e.Database,
		RawQuery: "sslmode=disable",
	}
	if e.Password != "" {
		u.User = url.UserPassword(e.User, e.Password)
	} else {
		u.User = url.User(e.User)
	}
	return u.String()
}

// Member is one row of the consensus extension's node view.
type Member struct {
	ID       int64  `json:"id" yaml:"id"`
	Address  string `json:"address" yaml:"address"`
	Port     int    `json:"port" yaml:"port"`
	IsLeader bool   `json:"is_leader" yaml:"is_leader"`
}

type PgStatReplica struct {
	ApplicationName string  `json:"application_name" yaml:"application_name"`
	ClientAddr      *string `json:"client_addr" yaml:"client_addr"`
	State           string  `json:"state" yaml:"state"`
	SentLsn         *string `json:"sent_lsn" yaml:"sent_lsn"`
	ReplayLsn       *string `json:"replay_lsn" yaml:"replay_lsn"`
	ReplayLag       *string `json:"replay_lag" yaml:"replay_lag"`
	SyncState       string  `json:"sync_state" yaml:"sync_state"`
}

type PgStatWalReceiver struct {
	SenderHost string  `json:"sender_host" yaml:"sender_host"`
	SenderPort int     `json:"sender_port" yaml:"sender_port"`
	Status     string  `json:"status" yaml:"status"`
	WrittenLsn *string `json:"written_lsn" yaml:"written_lsn"`
	SlotName   *string `json:"slot_name" yaml:"slot_name"`
}

// Client is the SQL surface the orchestrator needs from a node.
type Client interface {
	Ping(ctx context.Context, ep Endpoint) error
	CreateReplicationRole(ctx context.Context, ep Endpoint, role, password string) error
	ReloadConfig(ctx context.Context, ep Endpoint) error

	// DropReplicationSlot drops the slot if it exists and is inactive.
	DropReplicationSlot(ctx context.Context, ep Endpoint, slot string) error
	InstallExtension(ctx context.Context, ep Endpoint, name string) error

	// InitConsensus asks the consensus extension to join the cluster
	// described by the node's configuration.
	InitConsensus(ctx context.Context, ep Endpoint) error

	// CurrentLeader returns the raw leader value reported by the node.
	CurrentLeader(ctx context.Context, ep Endpoint) (string, error)
	Members(ctx context.Context, ep Endpoint) ([]Member, error)
	Replicas(ctx context.Context, ep Endpoint) ([]PgStatReplica, error)

	// WalReceiver returns nil when the node is not streaming from anyone.
	WalReceiver(ctx context.Context, ep Endpoint) (*PgStatWalReceiver, error)
}

// PgxClient implements Client with one short-lived pgx connection per call.
type PgxClient struct {
	connectTimeout time.Duration
}

var _ Client = (*PgxClient)(nil)

func NewPgxClient(connectTimeout time.Duration) *PgxClient {
	return &PgxClient{connectTimeout: connectTimeout}
}

func (c *PgxClient) connect(ctx context.Context, ep Endpoint) (*pgx.Conn, error) {
	pgConfig, err := pgx.ParseConfig(ep.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string for %s:%d: %w", ep.Host, ep.Port, err)
	}
	// N.B. Use QueryExecModeExec so nothing is prepared: nodes are
	// restarted underneath us during bootstrap.
	pgConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	pgConfig.ConnectTimeout = c.connectTimeout

	conn, err := pgx.ConnectConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("pgx connect error: %w", err)
	}
	return conn, nil
}

func (c *PgxClient) withConn(ctx context.Context, ep Endpoint, fn func(conn *pgx.Conn) error) error {
	conn, err := c.connect(ctx, ep)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	return fn(conn)
}

func (c *PgxClient) Ping(ctx context.Context, ep Endpoint) error {
	return c.withConn(ctx, ep, func(conn *pgx.Conn) error {
		var n int
		if err := conn.QueryRow(ctx, "SELECT 1").Scan(&n); err != nil {
			return fmt.Errorf("query error: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("unexpected result from SELECT 1")
		}
		return nil
	})
}

func (c *PgxClient) CreateReplicationRole(ctx context.Context, ep Endpoint, role, password string) error {
	return c.withConn(ctx, ep, func(conn *pgx.Conn) error {
		var exists bool
		if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", role).Scan(&exists); err != nil {
			return fmt.Errorf("check role %s: %w", role, err)
		}

		ident := pgx.Identifier{role}.Sanitize()
		stmt := fmt.Sprintf("CREATE ROLE %s WITH REPLICATION LOGIN PASSWORD %s", ident, quoteLiteral(password))
		if exists {
			stmt = fmt.Sprintf("ALTER ROLE %s WITH REPLICATION LOGIN PASSWORD %s", ident, quoteLiteral(password))
		}
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create replication role %s: %w", role, err)
		}
		return nil
	})
}

func quoteLiteral(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}

func (c *PgxClient) ReloadConfig(ctx context.Context, ep Endpoint) error {
	return c.withConn(ctx, ep, func(conn *pgx.Conn) error {
		var ok bool
		if err := conn.QueryRow(ctx, "SELECT pg_reload_conf()").Scan(&ok); err != nil {
			return fmt.Errorf("pg_reload_conf: %w", err)
		}
		if !ok {
			return fmt.Errorf("pg_reload_conf returned false")
		}
		return nil
	})
}

func (c *PgxClient) DropReplicationSlot(ctx context.Context, ep Endpoint, slot string) error {
	return c.withConn(ctx, ep, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			SELECT pg_drop_replication_slot(slot_name)
			FROM pg_replication_slots
			WHERE slot_name = $1 AND NOT active`, slot)
		if err != nil {
			return fmt.Errorf("drop replication slot %s: %w", slot, err)
		}
		return nil
	})
}

func (c *PgxClient) InstallExtension(ctx context.Context, ep Endpoint, name string) error {
	return c.withConn(ctx, ep, func(conn *pgx.Conn) error {
		stmt := "CREATE EXTENSION IF NOT EXISTS " + pgx.Identifier{name}.Sanitize()
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create extension %s: %w", name, err)
		}
		return nil
	})
}

func (c *PgxClient) InitConsensus(ctx context.Context, ep Endpoint) error {
	return c.withConn(ctx, ep, func(conn *pgx.Conn) error {
		var ok bool
		if err := conn.QueryRow(ctx, "SELECT pgraft_init()").Scan(&ok); err != nil {
			return fmt.Errorf("pgraft_init: %w", err)
		}
		if !ok {
			return fmt.Errorf("pgraft_init returned false")
		}
		return nil
	})
}

func (c *PgxClient) CurrentLeader(ctx context.Context, ep Endpoint) (string, error) {
	var leader *string
	err := c.withConn(ctx, ep, func(conn *pgx.Conn) error {
		if err := conn.QueryRow(ctx, "SELECT pgraft_get_leader()::text").Scan(&leader); err != nil {
			return fmt.Errorf("pgraft_get_leader: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if leader == nil {
		return "", nil
	}
	return *leader, nil
}

func (c *PgxClient) Members(ctx context.Context, ep Endpoint) ([]Member, error) {
	var members []Member
	err := c.withConn(ctx, ep, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, "SELECT * FROM pgraft_get_nodes()")
		if err != nil {
			return fmt.Errorf("query pgraft_get_nodes: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var m Member
			var id, port int32
			if err := rows.Scan(&id, &m.Address, &port, &m.IsLeader); err != nil {
				return fmt.Errorf("scan pgraft_get_nodes row: %w", err)
			}
			m.ID = int64(id)
			m.Port = int(port)
			members = append(members, m)
		}
		return rows.Err()
	})
	return members, err
}

func (c *PgxClient) Replicas(ctx context.Context, ep Endpoint) ([]PgStatReplica, error) {
	var replicas []PgStatReplica
	err := c.withConn(ctx, ep, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT application_name, client_addr::text, state, sent_lsn::text,
			       replay_lsn::text, replay_lag::text, sync_state
			FROM pg_stat_replication
			ORDER BY application_name`)
		if err != nil {
			return fmt.Errorf("query pg_stat_replication: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r PgStatReplica
			if err := rows.Scan(
				&r.ApplicationName, &r.ClientAddr, &r.State, &r.SentLsn,
				&r.ReplayLsn, &r.ReplayLag, &r.SyncState,
			); err != nil {
				return fmt.Errorf("scan pg_stat_replication row: %w", err)
			}
			replicas = append(replicas, r)
		}
		return rows.Err()
	})
	return replicas, err
}

func (c *PgxClient) WalReceiver(ctx context.Context, ep Endpoint) (*PgStatWalReceiver, error) {
	var receiver *PgStatWalReceiver
	err := c.withConn(ctx, ep, func(conn *pgx.Conn) error {
		var r PgStatWalReceiver
		var port int32
		err := conn.QueryRow(ctx, `
			SELECT sender_host, sender_port, status, written_lsn::text, slot_name
			FROM pg_stat_wal_receiver`,
		).Scan(&r.SenderHost, &port, &r.Status, &r.WrittenLsn, &r.SlotName)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("query pg_stat_wal_receiver: %w", err)
		}
		r.SenderPort = int(port)
		receiver = &r
		return nil
	})
	return receiver, err
}

// ParseLeaderID interprets a raw leader value. It reports false for
// anything that is not a positive integer, including the "no leader" value
// 0 and the -1 reported while consensus state is unavailable.
func ParseLeaderID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
